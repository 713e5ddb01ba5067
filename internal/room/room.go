// Package room implements the room-wide state machine, admission pipeline,
// packet dispatcher, chat log, and admin operations from spec §3-§4 (E
// through I). A process hosts exactly one Room - there is no matchmaker
// here, unlike the teacher this package was generalized from: spec §1 is
// explicit that one process equals one room.
package room

import (
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/SneezingCactus/manifold-server/config"
	"github.com/SneezingCactus/manifold-server/internal/banlist"
	"github.com/SneezingCactus/manifold-server/internal/players"
	"github.com/SneezingCactus/manifold-server/internal/ratelimit"
)

// NoHost is the sentinel hostId meaning "no host assigned".
const NoHost = -1

// Room is the singleton room-wide state container (spec §3 Room) plus the
// collaborators (ban list, player table, ratelimiter, chat log) every
// admission/dispatch operation needs. Every mutation of these fields must
// go through a method that holds mu - the coarse-mutex strategy (b) from
// spec §5, generalized from the teacher's Room.mu sync.RWMutex. This Room
// uses a plain Mutex rather than the teacher's RWMutex: nearly every
// operation here is a write (team/ready/settings/chat), so a read/write
// split doesn't pay for itself the way it did for the teacher's read-heavy
// physics broadcast loop.
type Room struct {
	mu sync.Mutex

	cfg *config.Config
	log zerolog.Logger

	hostID        int
	roomName      string
	password      string
	hasPassword   bool
	gameSettings  config.GameSettings
	gameStartTime int64 // wall-clock ms; 0 means lobby
	closed        bool

	players *players.Table
	bans    *banlist.List
	limiter *ratelimit.Limiter
	chat    *ChatLog

	closeTimer   *time.Timer
	onEmptyAfterScheduledClose func()

	disallowRegexCache *regexp.Regexp
}

// New constructs a Room from static config and its durable collaborators.
func New(cfg *config.Config, logger zerolog.Logger, bans *banlist.List) *Room {
	r := &Room{
		cfg:          cfg,
		log:          logger,
		hostID:       NoHost,
		roomName:     cfg.RoomNameOnStartup,
		gameSettings: cfg.DefaultGameSettings,
		players:      players.New(),
		bans:         bans,
		chat:         NewChatLog(cfg.ChatLogDir),
	}
	if cfg.RoomPasswordOnStartup != "" {
		r.password = cfg.RoomPasswordOnStartup
		r.hasPassword = true
	}
	r.limiter = ratelimit.New(&r.mu, cfg.Ratelimits.ToRatelimitTable())
	return r
}

// HostID returns the current host id, or NoHost.
func (r *Room) HostID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// PlayerCount returns the number of occupied slots.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.players.Count()
}

// RoomName returns the current room name.
func (r *Room) RoomName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomName
}

// HasPassword reports whether a password is currently set.
func (r *Room) HasPassword() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasPassword
}

// GameModeTags returns the (ga, mo) pair for the metadata endpoint.
func (r *Room) GameModeTags() (ga, mo string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameSettings.GA, r.gameSettings.Mo
}

// MaxPlayers returns the configured room capacity.
func (r *Room) MaxPlayers() int {
	return r.cfg.MaxPlayers
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
