package room

import (
	"regexp"
	"unicode"

	"github.com/SneezingCactus/manifold-server/internal/players"
	"github.com/SneezingCactus/manifold-server/internal/protocol"
	"github.com/SneezingCactus/manifold-server/internal/ratelimit"
)

// Admit runs the 14-stage admission pipeline from spec §4.F against a
// decoded JOIN_REQUEST. alreadyJoined must be supplied by the caller (the
// connection wrapper owns the "does this connection already have a slot"
// fact, since Room has no notion of connection identity beyond the Conn
// interface). On success it returns the new player's id and true; on
// rejection it has already unicast ERROR_MESSAGE to conn (except for the
// "already joined" case, which is silent per spec) and returns false.
func (r *Room) Admit(conn players.Conn, address string, alreadyJoined bool, payload JoinRequestPayload) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. room closed
	if r.closed {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrRoomClosed)
		return 0, false
	}

	// 2. address banned
	if r.bans.IsBanned(address) {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrBanned)
		return 0, false
	}

	// 3. connection already has a slot - silently ignore
	if alreadyJoined {
		return 0, false
	}

	// 4. join ratelimit
	if r.limiter.Hit(address, ratelimit.Action("joining")) == ratelimit.Limited {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrJoinRateLimited)
		return 0, false
	}

	restr := r.cfg.Restrictions

	// 5. duplicate name
	if restr.Usernames.NoDuplicates && r.players.FindByName(payload.UserName) != -1 {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrAlreadyInThisRoom)
		return 0, false
	}

	// 6. name too long
	if len(payload.UserName) > restr.Usernames.MaxLength {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrUsernameTooLong)
		return 0, false
	}

	// 7. empty name
	if restr.Usernames.NoEmptyNames && payload.UserName == "" {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrUsernameEmpty)
		return 0, false
	}

	// 8. disallowed pattern
	if re := r.compiledDisallowRegex(); re != nil && re.MatchString(payload.UserName) {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrUsernameInvalid)
		return 0, false
	}

	// 9. guests disallowed
	if restr.Levels.MinLevel > 0 && payload.Guest {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrGuestsNotAllowed)
		return 0, false
	}

	levelNum, levelIsNumeric := parseLevel(payload.Level)

	// 10. xp too low
	if levelIsNumeric && levelNum < restr.Levels.MinLevel {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrPlayersXPTooLow)
		return 0, false
	}

	// 11. xp too high
	if levelIsNumeric && levelNum > restr.Levels.MaxLevel {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrPlayersXPTooHigh)
		return 0, false
	}

	// 12. xp must be numeric
	if restr.Levels.OnlyAllowNumbers && !levelIsNumeric {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrPlayerXPInvalid)
		return 0, false
	}

	// 13. password mismatch
	if r.hasPassword {
		if payload.RoomPassword == nil || *payload.RoomPassword != r.password {
			r.send(conn, protocol.OutErrorMessage, protocol.ErrPasswordWrong)
			return 0, false
		}
	}

	// 14. room full
	if r.players.Count() == r.cfg.MaxPlayers {
		r.send(conn, protocol.OutErrorMessage, protocol.ErrRoomFull)
		return 0, false
	}

	team := players.TeamFFA
	if r.gameSettings.TL {
		team = players.TeamSpectate
	}

	level := payload.Level
	if restr.Levels.CensorLevels {
		level = "-"
	}

	newPlayer := &players.Player{
		UserName: payload.UserName,
		Guest:    payload.Guest,
		Level:    level,
		Team:     team,
		Avatar:   payload.Avatar,
		Ready:    false,
		Tabbed:   false,
		PeerID:   "invalid",
		Conn:     conn,
		Address:  address,
	}
	newID := r.players.Allocate(newPlayer)

	// Build the playerInfoArray for everyone already in the room (the new
	// player isn't in it yet - SERVER_INFORM tells them about others).
	playerInfoArray := make([][]any, 0, r.players.Count()-1)
	r.players.Iterate(func(p *players.Player) {
		if p.ID == newID {
			return
		}
		playerInfoArray = append(playerInfoArray, playerInfoArg(p.ID, p.PeerID, p.UserName, p.Guest, p.Level, int(p.Team), p.Avatar))
	})

	informedHostID := r.hostID
	autoAssigned := false
	if r.hostID == NoHost && r.cfg.AutoAssignHost {
		r.hostID = newID
		informedHostID = newID
		autoAssigned = true
	}

	r.send(conn, protocol.OutServerInform,
		newID, informedHostID, playerInfoArray, r.gameStartTime, r.gameSettings.TL, 0, "invalid", nil)

	r.broadcastExcept(newID, protocol.OutPlayerJoined,
		newID, "invalid", newPlayer.UserName, newPlayer.Guest, newPlayer.Level, int(newPlayer.Team), newPlayer.Avatar)

	r.chat.Append("* " + newPlayer.UserName + " joined the game")

	if autoAssigned {
		r.send(conn, protocol.OutHostInformInLobby, newID, r.gameSettings)
	}

	return newID, true
}

// compiledDisallowRegex lazily compiles the configured username pattern.
// An invalid pattern is logged once and treated as "no restriction" rather
// than rejecting every join attempt.
func (r *Room) compiledDisallowRegex() *regexp.Regexp {
	pattern := r.cfg.Restrictions.Usernames.DisallowRegex
	if pattern == "" {
		return nil
	}
	if r.disallowRegexCache != nil {
		return r.disallowRegexCache
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		r.log.Error().Err(err).Str("pattern", pattern).Msg("invalid disallowRegex, ignoring username restriction")
		r.disallowRegexCache = regexp.MustCompile(`a^`) // never matches
		return nil
	}
	r.disallowRegexCache = re
	return re
}

// parseLevel reports whether level is composed entirely of digits, and its
// numeric value when it is. A non-numeric level (e.g. "-") parses as
// levelIsNumeric=false, which only matters when onlyAllowNumbers is set.
func parseLevel(level string) (value int, numeric bool) {
	if level == "" {
		return 0, false
	}
	n := 0
	for _, c := range level {
		if !unicode.IsDigit(c) {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
