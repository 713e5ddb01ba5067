package room

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/SneezingCactus/manifold-server/config"
	"github.com/SneezingCactus/manifold-server/internal/players"
	"github.com/SneezingCactus/manifold-server/internal/protocol"
	"github.com/SneezingCactus/manifold-server/internal/ratelimit"
)

// HandleTimesync answers an inbound TIMESYNC (opcode 18) regardless of
// whether the connection has completed admission yet (spec §4.A: "this
// must work even before full admission completes"). It touches no room
// state, so it needs no lock.
func (r *Room) HandleTimesync(conn players.Conn, args []json.RawMessage) {
	var payload struct {
		ID json.RawMessage `json:"id"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	r.send(conn, protocol.OutReplyTimesync, map[string]any{
		"id":     payload.ID,
		"result": nowMillis(),
	})
}

// Dispatch routes one decoded inbound packet from an already-admitted
// player (spec §4.G). Every handler runs under the two universal
// preconditions - ratelimit, then host gating - before its own logic.
func (r *Room) Dispatch(senderID int, opcode string, args []json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender := r.players.Get(senderID)
	if sender == nil {
		return
	}

	if action, ok := actionFor[opcode]; ok {
		if r.limiter.Hit(sender.Address, action) == ratelimit.Limited {
			if code, hasCode := ratelimitErrorCode[action]; hasCode {
				r.send(sender.Conn, protocol.OutErrorMessage, code)
			}
			return
		}
	}

	if hostOnly[opcode] && senderID != r.hostID {
		r.send(sender.Conn, protocol.OutErrorMessage, protocol.ErrNotHosting)
		return
	}

	switch opcode {
	case protocol.InChangeOwnTeam:
		r.handleChangeOwnTeam(sender, args)
	case protocol.InChatMessage:
		r.handleChatMessage(sender, args)
	case protocol.InSetReady:
		r.handleSetReady(sender, args)
	case protocol.InMapRequest:
		r.handleMapRequest(sender, args)
	case protocol.InFriendRequest:
		r.handleFriendRequest(sender, args)
	case protocol.InSetTabbed:
		r.handleSetTabbed(sender, args)
	case protocol.InLockTeams:
		r.handleLockTeams(sender, args)
	case protocol.InKickBanPlayer:
		r.handleKickBanPlayer(sender, args)
	case protocol.InChangeMode:
		r.handleChangeMode(sender, args)
	case protocol.InChangeRounds:
		r.handleChangeRounds(sender, args)
	case protocol.InChangeMap:
		r.handleChangeMap(sender, args)
	case protocol.InChangeOtherTeam:
		r.handleChangeOtherTeam(sender, args)
	case protocol.InChangeBalance:
		r.handleChangeBalance(sender, args)
	case protocol.InToggleTeams:
		r.handleToggleTeams(sender, args)
	case protocol.InTransferHost:
		r.handleTransferHost(sender, args)
	case protocol.InCountdownStart:
		r.broadcast(protocol.OutCountdownStarting)
	case protocol.InCountdownAbort:
		r.broadcast(protocol.OutCountdownAborted)
	case protocol.InHostInformInLobby:
		r.handleHostInformInLobby(sender, args)
	case protocol.InHostInformInGame:
		r.handleHostInformInGame(sender, args)
	case protocol.InSendInputs:
		r.handleSendInputs(sender, args)
	case protocol.InStartGame:
		r.handleStartGame(sender, args)
	case protocol.InReturnToLobby:
		r.handleReturnToLobby()
	case protocol.InSaveReplay:
		r.broadcast(protocol.OutSaveReplay, sender.ID)
	default:
		r.log.Debug().Str("opcode", opcode).Msg("unknown inbound opcode, dropping")
	}
}

func (r *Room) handleChangeOwnTeam(sender *players.Player, args []json.RawMessage) {
	if r.gameSettings.TL && sender.ID != r.hostID {
		r.send(sender.Conn, protocol.OutErrorMessage, protocol.ErrNotHosting)
		return
	}
	var team int
	if err := protocol.Arg(args, 0, &team); err != nil {
		return
	}
	sender.Team = players.Team(team)
	r.broadcast(protocol.OutChangeTeam, sender.ID, team)
}

func (r *Room) handleChatMessage(sender *players.Player, args []json.RawMessage) {
	var msg string
	if err := protocol.Arg(args, 0, &msg); err != nil {
		return
	}
	if max := r.cfg.Restrictions.MaxChatMessageLength; len(msg) > max {
		msg = msg[:max]
	}
	r.broadcast(protocol.OutChatMessage, sender.ID, msg)
	r.chat.Append(sender.UserName + ": " + msg)
}

func (r *Room) handleSetReady(sender *players.Player, args []json.RawMessage) {
	var ready bool
	if err := protocol.Arg(args, 0, &ready); err != nil {
		return
	}
	sender.Ready = ready
	r.broadcast(protocol.OutSetReady, sender.ID, ready)
}

type mapRequestPayload struct {
	M         json.RawMessage `json:"m"`
	MapName   string          `json:"mapname"`
	MapAuthor string          `json:"mapauthor"`
}

func (r *Room) handleMapRequest(sender *players.Player, args []json.RawMessage) {
	var payload mapRequestPayload
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}

	if r.hostID == NoHost {
		r.broadcast(protocol.OutMapRequestNonHost, payload.MapName, payload.MapAuthor, sender.ID)
	} else {
		r.broadcastExcept(r.hostID, protocol.OutMapRequestNonHost, payload.MapName, payload.MapAuthor, sender.ID)
		r.unicastTo(r.hostID, protocol.OutMapRequestHost, payload.M, sender.ID)
	}

	r.chat.Append(fmt.Sprintf("* %s has requested the map %s by %s", sender.UserName, payload.MapName, payload.MapAuthor))
}

func (r *Room) handleFriendRequest(sender *players.Player, args []json.RawMessage) {
	var targetID int
	if err := protocol.Arg(args, 0, &targetID); err != nil {
		return
	}
	r.unicastTo(targetID, protocol.OutFriendRequest, sender.ID)
}

func (r *Room) handleSetTabbed(sender *players.Player, args []json.RawMessage) {
	var tabbed bool
	if err := protocol.Arg(args, 0, &tabbed); err != nil {
		return
	}
	sender.Tabbed = tabbed
	r.broadcast(protocol.OutSetTabbed, sender.ID, tabbed)
}

func (r *Room) handleLockTeams(sender *players.Player, args []json.RawMessage) {
	var tl bool
	if err := protocol.Arg(args, 0, &tl); err != nil {
		return
	}
	r.gameSettings.TL = tl
	r.broadcast(protocol.OutLockTeams, tl)
}

type kickBanPayload struct {
	ID       int  `json:"id"`
	KickOnly bool `json:"kickonly"`
}

func (r *Room) handleKickBanPlayer(sender *players.Player, args []json.RawMessage) {
	var payload kickBanPayload
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	if payload.KickOnly {
		r.kickPlayerLocked(payload.ID)
	} else {
		r.banPlayerLocked(payload.ID)
	}
}

func (r *Room) handleChangeMode(sender *players.Player, args []json.RawMessage) {
	var payload struct {
		GA string `json:"ga"`
		Mo string `json:"mo"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	r.gameSettings.GA = payload.GA
	r.gameSettings.Mo = payload.Mo
	r.broadcast(protocol.OutChangeMode, payload.GA, payload.Mo)
}

func (r *Room) handleChangeRounds(sender *players.Player, args []json.RawMessage) {
	var wl int
	if err := protocol.Arg(args, 0, &wl); err != nil {
		return
	}
	r.gameSettings.WL = wl
	r.broadcast(protocol.OutChangeRounds, wl)
}

func (r *Room) handleChangeMap(sender *players.Player, args []json.RawMessage) {
	var m string
	if err := protocol.Arg(args, 0, &m); err != nil {
		return
	}
	r.gameSettings.Map = m
	r.broadcast(protocol.OutChangeMap, m)
}

func (r *Room) handleChangeOtherTeam(sender *players.Player, args []json.RawMessage) {
	var payload struct {
		ID   int `json:"id"`
		Team int `json:"team"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	target := r.players.Get(payload.ID)
	if target == nil {
		return
	}
	target.Team = players.Team(payload.Team)
	r.broadcast(protocol.OutChangeTeam, payload.ID, payload.Team)
}

func (r *Room) handleChangeBalance(sender *players.Player, args []json.RawMessage) {
	var payload struct {
		ID      int `json:"id"`
		Balance int `json:"balance"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	if r.gameSettings.Bal == nil {
		r.gameSettings.Bal = map[string]int{}
	}
	r.gameSettings.Bal[strconv.Itoa(payload.ID)] = payload.Balance
	// Same outbound opcode as team change (§9 design note). A team change
	// is always (id, team) - two args, the second an int. A balance change
	// carries a null team slot and a third arg, so the client tells the
	// two apart by arity/shape rather than opcode: (id, null, balance).
	r.broadcast(protocol.OutChangeTeam, payload.ID, nil, payload.Balance)
}

func (r *Room) handleToggleTeams(sender *players.Player, args []json.RawMessage) {
	var tea bool
	if err := protocol.Arg(args, 0, &tea); err != nil {
		return
	}
	r.gameSettings.Tea = tea
	r.broadcast(protocol.OutToggleTeams, tea)
}

func (r *Room) handleTransferHost(sender *players.Player, args []json.RawMessage) {
	var payload struct {
		ID int `json:"id"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	r.transferHostLocked(payload.ID)
}

func (r *Room) handleHostInformInLobby(sender *players.Player, args []json.RawMessage) {
	var payload struct {
		Sid int             `json:"sid"`
		Gs  json.RawMessage `json:"gs"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	r.unicastTo(payload.Sid, protocol.OutHostInformInLobby, payload.Sid, payload.Gs)
}

func (r *Room) handleHostInformInGame(sender *players.Player, args []json.RawMessage) {
	var payload struct {
		Sid     int             `json:"sid"`
		AllData json.RawMessage `json:"allData"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	r.unicastTo(payload.Sid, protocol.OutHostInformInGame, payload.Sid, payload.AllData)
}

func (r *Room) handleSendInputs(sender *players.Player, args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	r.broadcastExcept(sender.ID, protocol.OutSendInputs, sender.ID, args[0])
}

func (r *Room) handleStartGame(sender *players.Player, args []json.RawMessage) {
	var payload struct {
		Is json.RawMessage    `json:"is"`
		Gs config.GameSettings `json:"gs"`
	}
	if err := protocol.Arg(args, 0, &payload); err != nil {
		return
	}
	r.gameSettings = payload.Gs
	r.gameStartTime = nowMillis()
	r.broadcast(protocol.OutStartGame, r.gameStartTime, payload.Is, payload.Gs)
}

// handleReturnToLobby resets gameStartTime to 0, the sole lobby/in-game
// discriminant, and broadcasts RETURN_TO_LOBBY. Without the reset the room
// stays "in-game" forever after the first START_GAME.
func (r *Room) handleReturnToLobby() {
	r.gameStartTime = 0
	r.broadcast(protocol.OutReturnToLobby)
}

// Disconnect releases id's slot and emits the leave/host-reassignment
// broadcasts from spec §4.G's "Disconnect" handler.
func (r *Room) Disconnect(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	leaver := r.players.Get(id)
	if leaver == nil {
		return
	}

	tickCount := 0
	if r.gameStartTime != 0 {
		elapsedMs := float64(nowMillis() - r.gameStartTime)
		tickCount = int(math.Round(elapsedMs / (1000.0 / 30.0)))
	}

	wasHost := id == r.hostID
	reassigned := NoHost

	if wasHost && r.cfg.AutoAssignHost {
		r.players.Iterate(func(p *players.Player) {
			if reassigned == NoHost && p.ID != id {
				reassigned = p.ID
			}
		})
	}

	switch {
	case wasHost && reassigned != NoHost:
		r.hostID = reassigned
		r.broadcast(protocol.OutHostLeft, id, reassigned, tickCount)
		if newHost := r.players.Get(reassigned); newHost != nil {
			r.chat.Append("* " + newHost.UserName + " is now the game host")
		}
	case wasHost:
		r.hostID = NoHost
		r.broadcast(protocol.OutPlayerLeft, id, tickCount)
	default:
		r.broadcast(protocol.OutPlayerLeft, id, tickCount)
	}

	r.chat.Append("* " + leaver.UserName + " left the game")
	r.players.Release(id)

	r.afterPlayerCountChangeLocked()
}
