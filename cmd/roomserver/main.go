// Command roomserver runs a single bonk.io-compatible game room: one
// process, one Room, one listening address - spec §1 is explicit that
// there is no matchmaker or room pool here, unlike the teacher this
// binary was generalized from.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/SneezingCactus/manifold-server/config"
	"github.com/SneezingCactus/manifold-server/internal/banlist"
	"github.com/SneezingCactus/manifold-server/internal/protocol"
	"github.com/SneezingCactus/manifold-server/internal/room"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: cfg.TimeStampFormat}).
		With().Timestamp().Logger()

	store := &banlist.FileStore{Path: cfg.BanlistPath}
	bans, err := banlist.Load(store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load ban list")
	}

	rm := room.New(cfg, logger, bans)

	acceptLimiter := rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSecond), cfg.AcceptBurst)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	srv := &server{
		cfg:           cfg,
		log:           logger,
		room:          rm,
		upgrader:      upgrader,
		acceptLimiter: acceptLimiter,
	}

	router := mux.NewRouter()
	router.HandleFunc("/", srv.handleRoot).Methods(http.MethodGet)

	var handler http.Handler = router
	if cfg.EnableCORS {
		handler = cors.AllowAll().Handler(router)
	}

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler: handler,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("room server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	if err := rm.SaveChatLog(); err != nil {
		logger.Error().Err(err).Msg("failed to flush chat log on shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

// server holds the process-wide collaborators the HTTP and websocket
// handlers share.
type server struct {
	cfg           *config.Config
	log           zerolog.Logger
	room          *room.Room
	upgrader      websocket.Upgrader
	acceptLimiter *rate.Limiter
}

// metadataResponse is the JSON body served at GET / - the room discovery
// endpoint unmodified bonk.io clients probe before connecting (spec §6).
type metadataResponse struct {
	IsBonkServer bool   `json:"isBonkServer"`
	RoomName     string `json:"roomname"`
	Password     int    `json:"password"`
	Players      int    `json:"players"`
	MaxPlayers   int    `json:"maxplayers"`
	ModeGA       string `json:"mode_ga"`
	ModeMo       string `json:"mode_mo"`
}

// handleRoot serves both the metadata probe and the websocket upgrade on a
// single path, since an unmodified bonk.io client upgrades at "/" rather
// than a dedicated "/ws" path (spec §6). The two are told apart by the
// Upgrade header, same as the original server.
func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleWebSocket(w, r)
		return
	}
	s.handleMetadata(w, r)
}

func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	ga, mo := s.room.GameModeTags()

	resp := metadataResponse{
		IsBonkServer: true,
		RoomName:     s.room.RoomName(),
		Players:      s.room.PlayerCount(),
		MaxPlayers:   s.room.MaxPlayers(),
		ModeGA:       ga,
		ModeMo:       mo,
	}
	if s.room.HasPassword() {
		resp.Password = 1
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleWebSocket upgrades the connection and runs its read/write pumps,
// generalized from the teacher's ClientConnection (cmd/gameserver): same
// buffered-send/non-blocking-drop shape, but text frames carrying JSON
// instead of the teacher's binary protocol, since that's what an
// unmodified bonk.io client speaks.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.acceptLimiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	address := remoteAddress(r)
	connID := uuid.NewString()

	conn := &wsConn{
		ws:       ws,
		sendChan: make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess := &session{
		conn:     conn,
		address:  address,
		playerID: -1,
	}

	s.log.Debug().Str("conn", connID).Str("address", address).Msg("connection opened")

	go s.writePump(conn)
	s.readPump(sess, connID)
}

// session tracks the one piece of per-connection state the Room package
// has no notion of: whether this connection already occupies a slot,
// and which one.
type session struct {
	conn     *wsConn
	address  string
	playerID int
	hasSlot  bool
}

func (s *server) readPump(sess *session, connID string) {
	conn := sess.conn
	defer func() {
		_ = conn.Close()
		if sess.hasSlot {
			s.room.Disconnect(sess.playerID)
		}
		s.log.Debug().Str("conn", connID).Msg("connection closed")
	}()

	conn.ws.SetReadLimit(65536)
	conn.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		opcode, args, err := protocol.Decode(data)
		if err != nil {
			s.log.Debug().Str("conn", connID).Err(err).Msg("malformed frame, dropping")
			continue
		}

		s.route(sess, connID, opcode, args)
	}
}

func (s *server) route(sess *session, connID, opcode string, args []json.RawMessage) {
	// TIMESYNC must work even before admission completes (spec §4.A).
	if opcode == protocol.InTimesync {
		s.room.HandleTimesync(sess.conn, args)
		return
	}

	if !sess.hasSlot {
		if opcode != protocol.InJoinRequest {
			return
		}
		var payload room.JoinRequestPayload
		if err := protocol.Arg(args, 0, &payload); err != nil {
			s.log.Debug().Str("conn", connID).Err(err).Msg("malformed join request")
			return
		}
		id, ok := s.room.Admit(sess.conn, sess.address, sess.hasSlot, payload)
		if ok {
			sess.playerID = id
			sess.hasSlot = true
		}
		return
	}

	s.room.Dispatch(sess.playerID, opcode, args)
}

func (s *server) writePump(conn *wsConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case msg := <-conn.sendChan:
			conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsConn adapts a gorilla/websocket connection to the players.Conn
// interface Room depends on, so internal/room never imports gorilla.
type wsConn struct {
	ws       *websocket.Conn
	sendChan chan []byte
	done     chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(frame []byte) error {
	select {
	case c.sendChan <- frame:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		// Slow consumer: drop rather than block the room's single
		// serialization domain (§5).
		return nil
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

func remoteAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}
