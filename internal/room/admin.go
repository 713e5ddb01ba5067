package room

import (
	"fmt"
	"time"

	"github.com/SneezingCactus/manifold-server/internal/players"
	"github.com/SneezingCactus/manifold-server/internal/protocol"
)

// transferHostLocked reassigns hostId and announces it, carrying the
// real previous host in the broadcast (the dispatcher-driven path; spec
// §4.G). It assumes r.mu is already held.
func (r *Room) transferHostLocked(newHostID int) {
	oldHostID := r.hostID
	r.hostID = newHostID
	r.broadcast(protocol.OutTransferHost, oldHostID, newHostID)
	if target := r.players.Get(newHostID); target != nil {
		r.chat.Append("* " + target.UserName + " is now the game host")
	}
}

// kickPlayerLocked disconnects id without adding it to the ban list
// (spec §4.I kickPlayer: "log, disconnect" - no ERROR_MESSAGE is
// specified for this path). It assumes r.mu is already held.
func (r *Room) kickPlayerLocked(id int) {
	target := r.players.Get(id)
	if target == nil {
		return
	}
	r.log.Info().Int("id", id).Str("userName", target.UserName).Msg("player kicked")
	_ = target.Conn.Close()
}

// banPlayerLocked adds id's address and username to the ban list, then
// kicks it the same way kickPlayerLocked does (spec §4.I banPlayer). It
// assumes r.mu is already held.
func (r *Room) banPlayerLocked(id int) {
	target := r.players.Get(id)
	if target == nil {
		return
	}
	if err := r.bans.Add(target.Address, target.UserName); err != nil {
		r.log.Error().Err(err).Str("address", target.Address).Msg("failed to persist ban")
	}
	r.chat.Append("* " + target.UserName + " was banned")
	r.kickPlayerLocked(id)
}

// KickPlayer is the admin-console entry point for kicking a player by id
// (spec §4.I). Dispatcher-driven kicks go through kickPlayerLocked
// directly since they already hold r.mu.
func (r *Room) KickPlayer(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kickPlayerLocked(id)
}

// BanPlayer is the admin-console entry point for banning a player by id.
func (r *Room) BanPlayer(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banPlayerLocked(id)
}

// Unban removes a username from the ban list (spec §4.I unban).
func (r *Room) Unban(userName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bans.Remove(userName)
}

// TransferHost is the admin-console entry point for reassigning host
// (spec §4.I: targetIdOrMinusOne, broadcasts TRANSFER_HOST with the
// oldHost sentinel forced to -1 - unlike the dispatcher's own handler,
// which carries the real previous host - since the admin console isn't
// a player the clients know about).
func (r *Room) TransferHost(targetIDOrMinusOne int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if targetIDOrMinusOne != NoHost && r.players.Get(targetIDOrMinusOne) == nil {
		return
	}

	r.hostID = targetIDOrMinusOne
	r.broadcast(protocol.OutTransferHost, NoHost, targetIDOrMinusOne)
	if target := r.players.Get(targetIDOrMinusOne); target != nil {
		r.chat.Append("* " + target.UserName + " is now the game host")
	}
}

// PlayerSummary is a read-only snapshot of one occupied slot, for the
// admin-console listPlayers operation.
type PlayerSummary struct {
	ID       int
	UserName string
	Team     int
	Address  string
}

// ListPlayers returns a snapshot of every occupied slot (spec §4.I
// listPlayers).
func (r *Room) ListPlayers() []PlayerSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PlayerSummary, 0, r.players.Count())
	r.players.Iterate(func(p *players.Player) {
		out = append(out, PlayerSummary{ID: p.ID, UserName: p.UserName, Team: int(p.Team), Address: p.Address})
	})
	return out
}

// SetRoomName changes the room's display name (spec §4.I setRoomName).
func (r *Room) SetRoomName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomName = name
}

// SetPassword changes (or clears, when password is "") the room's join
// password (spec §4.I setPassword).
func (r *Room) SetPassword(password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.password = password
	r.hasPassword = password != ""
}

// SaveChatLog flushes the buffered chat log to disk (spec §4.I
// saveChatLog / §4.H).
func (r *Room) SaveChatLog() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chat.Flush()
}

// ScheduleClose marks the room closed to new joins (admission stage 1)
// and, once the last occupied slot empties, runs onEmpty. If the room is
// already empty, onEmpty runs immediately. Passing a positive grace
// period defers the closed flag itself by that long, so in-flight
// players can finish before new joins are refused.
func (r *Room) ScheduleClose(grace time.Duration, onEmpty func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onEmptyAfterScheduledClose = onEmpty

	apply := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		r.hostID = NoHost
		r.log.Info().Str("state", r.describeForLog()).Msg("room scheduled to close")
		r.afterPlayerCountChangeLocked()
	}

	if grace <= 0 {
		r.closed = true
		r.hostID = NoHost
		r.log.Info().Str("state", r.describeForLog()).Msg("room scheduled to close")
		r.afterPlayerCountChangeLocked()
		return
	}

	if r.closeTimer != nil {
		r.closeTimer.Stop()
	}
	r.closeTimer = time.AfterFunc(grace, apply)
}

// AbortScheduledClose cancels a pending ScheduleClose and reopens the
// room to new joins if it had already closed.
func (r *Room) AbortScheduledClose() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closeTimer != nil {
		r.closeTimer.Stop()
		r.closeTimer = nil
	}
	r.closed = false
	r.onEmptyAfterScheduledClose = nil
}

// afterPlayerCountChangeLocked fires the scheduled-close callback once
// the room is both closed and empty. It assumes r.mu is already held.
func (r *Room) afterPlayerCountChangeLocked() {
	if r.closed && r.players.Count() == 0 && r.onEmptyAfterScheduledClose != nil {
		cb := r.onEmptyAfterScheduledClose
		r.onEmptyAfterScheduledClose = nil
		cb()
	}
}

func (r *Room) describeForLog() string {
	return fmt.Sprintf("room=%q players=%d host=%d", r.roomName, r.players.Count(), r.hostID)
}
