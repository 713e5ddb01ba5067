package room

import (
	"github.com/SneezingCactus/manifold-server/internal/protocol"
	"github.com/SneezingCactus/manifold-server/internal/ratelimit"
)

// actionFor maps an inbound opcode to the ratelimit action class that
// gates it, per spec §9's "single explicit table" design note. Opcodes
// absent from this map are not ratelimited (JOIN_REQUEST is ratelimited
// separately, inside Admit, since it runs before a slot - and therefore a
// dispatcher handler - exists).
var actionFor = map[string]ratelimit.Action{
	protocol.InChatMessage:     "chatting",
	protocol.InSetReady:        "readying",
	protocol.InChangeOwnTeam:   "changingTeams",
	protocol.InLockTeams:       "changingTeams",
	protocol.InChangeOtherTeam: "changingTeams",
	protocol.InChangeMode:      "changingMode",
	protocol.InChangeMap:       "changingMap",
	protocol.InTransferHost:    "transferringHost",
	protocol.InCountdownStart:  "startGameCountdown",
	protocol.InCountdownAbort:  "startGameCountdown",
	protocol.InStartGame:       "startingEndingGame",
	protocol.InReturnToLobby:   "startingEndingGame",
}

// silentRatelimitActions are the action classes that abort their handler
// on a Limited verdict without emitting ERROR_MESSAGE (spec §9: admin-
// shaped actions fail silently; user-facing actions surface an error).
var silentRatelimitActions = map[ratelimit.Action]bool{
	"changingMode":       true,
	"changingMap":        true,
	"startGameCountdown": true,
	"startingEndingGame": true,
}

// ratelimitErrorCode maps the user-facing action classes to the
// ERROR_MESSAGE code they emit when limited (spec §6).
var ratelimitErrorCode = map[ratelimit.Action]string{
	"joining":          protocol.ErrJoinRateLimited,
	"chatting":         protocol.ErrChatRateLimit,
	"changingTeams":    protocol.ErrRateLimitTeams,
	"readying":         protocol.ErrRateLimitReady,
	"transferringHost": protocol.ErrHostChangeRateLimited,
}

// hostOnly is the set of inbound opcodes that require senderId == hostId.
// CHANGE_OWN_TEAM (6) is deliberately absent: it is host-only only when
// teams are locked, a conditional checked inside its own handler rather
// than this fixed set.
var hostOnly = map[string]bool{
	protocol.InHostInformInLobby: true,
	protocol.InHostInformInGame:  true,
	protocol.InLockTeams:         true,
	protocol.InKickBanPlayer:     true,
	protocol.InChangeMode:        true,
	protocol.InChangeRounds:      true,
	protocol.InChangeMap:         true,
	protocol.InChangeOtherTeam:   true,
	protocol.InChangeBalance:     true,
	protocol.InToggleTeams:       true,
	protocol.InTransferHost:      true,
	protocol.InCountdownStart:    true,
	protocol.InCountdownAbort:    true,
	protocol.InStartGame:         true,
	protocol.InReturnToLobby:     true,
}
