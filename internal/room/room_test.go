package room

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SneezingCactus/manifold-server/config"
	"github.com/SneezingCactus/manifold-server/internal/banlist"
	"github.com/SneezingCactus/manifold-server/internal/protocol"
	"github.com/SneezingCactus/manifold-server/internal/ratelimit"
)

// fakeConn is a players.Conn test double that records every frame sent to
// it, decoded back into (opcode, args) pairs for easy assertions.
type fakeConn struct {
	frames [][]byte
	closed bool
}

func (c *fakeConn) Send(frame []byte) error {
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) lastOpcode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, c.frames)
	op, _, err := protocol.Decode(c.frames[len(c.frames)-1])
	require.NoError(t, err)
	return op
}

func (c *fakeConn) lastArgs(t *testing.T) []json.RawMessage {
	t.Helper()
	require.NotEmpty(t, c.frames)
	_, args, err := protocol.Decode(c.frames[len(c.frames)-1])
	require.NoError(t, err)
	return args
}

func (c *fakeConn) opcodes(t *testing.T) []string {
	t.Helper()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		op, _, err := protocol.Decode(f)
		require.NoError(t, err)
		out[i] = op
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{
		MaxPlayers:        4,
		AutoAssignHost:    true,
		RoomNameOnStartup: "test room",
		TimeStampFormat:   time.RFC3339,
		ChatLogDir:        "",
	}
	cfg.Restrictions.Usernames.MaxLength = 15
	cfg.Restrictions.Usernames.NoDuplicates = true
	cfg.Restrictions.Usernames.NoEmptyNames = true
	cfg.Restrictions.Levels.MinLevel = 0
	cfg.Restrictions.Levels.MaxLevel = 999999
	cfg.Restrictions.Levels.OnlyAllowNumbers = false
	cfg.Restrictions.MaxChatMessageLength = 100
	cfg.DefaultGameSettings = config.DefaultGameSettings()
	cfg.Ratelimits = config.Ratelimits{
		Joining:           config.RatelimitConfig{Amount: 2, Timeframe: 60, Restore: 60},
		Chatting:          config.RatelimitConfig{Amount: 3, Timeframe: 5, Restore: 5},
		ChangingTeams:     config.RatelimitConfig{Amount: 10, Timeframe: 5, Restore: 5},
		Readying:          config.RatelimitConfig{Amount: 10, Timeframe: 5, Restore: 5},
		TransferringHost:  config.RatelimitConfig{Amount: 10, Timeframe: 5, Restore: 5},
		ChangingMode:      config.RatelimitConfig{Amount: 10, Timeframe: 5, Restore: 5},
		ChangingMap:       config.RatelimitConfig{Amount: 10, Timeframe: 5, Restore: 5},
		StartGameCountdown: config.RatelimitConfig{Amount: 10, Timeframe: 5, Restore: 5},
		StartingEndingGame: config.RatelimitConfig{Amount: 10, Timeframe: 5, Restore: 5},
	}
	return cfg
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	bans, err := banlist.Load(&memStore{})
	require.NoError(t, err)
	return New(testConfig(), zerolog.Nop(), bans)
}

type memStore struct{ doc banlist.Document }

func (m *memStore) Load() (*banlist.Document, error) { return &m.doc, nil }
func (m *memStore) Save(doc *banlist.Document) error  { m.doc = *doc; return nil }

func join(t *testing.T, r *Room, address, name string) (*fakeConn, int) {
	t.Helper()
	conn := &fakeConn{}
	id, ok := r.Admit(conn, address, false, JoinRequestPayload{UserName: name, Level: "10"})
	require.True(t, ok)
	return conn, id
}

func TestAdmitFirstPlayerBecomesHost(t *testing.T) {
	r := newTestRoom(t)
	conn, id := join(t, r, "1.1.1.1", "alice")

	require.Equal(t, 0, id)
	require.Equal(t, 0, r.HostID())
	// SERVER_INFORM first, then - since this join auto-assigned host -
	// HOST_INFORM_IN_LOBBY impersonating the (still client-side) host.
	require.Equal(t, []string{protocol.OutServerInform, protocol.OutHostInformInLobby}, conn.opcodes(t))
}

func TestAdmitSecondPlayerSeesFirstInServerInform(t *testing.T) {
	r := newTestRoom(t)
	_, _ = join(t, r, "1.1.1.1", "alice")
	conn2, id2 := join(t, r, "2.2.2.2", "bob")

	require.Equal(t, 1, id2)
	args := conn2.lastArgs(t)
	var playerInfoArray []any
	require.NoError(t, protocol.Arg(args, 2, &playerInfoArray))
	require.Len(t, playerInfoArray, 1)
}

func TestAdmitRejectsDuplicateName(t *testing.T) {
	r := newTestRoom(t)
	_, _ = join(t, r, "1.1.1.1", "alice")

	conn := &fakeConn{}
	_, ok := r.Admit(conn, "2.2.2.2", false, JoinRequestPayload{UserName: "alice", Level: "10"})
	require.False(t, ok)
	require.Equal(t, protocol.OutErrorMessage, conn.lastOpcode(t))
	var code string
	require.NoError(t, protocol.Arg(conn.lastArgs(t), 0, &code))
	require.Equal(t, protocol.ErrAlreadyInThisRoom, code)
}

func TestAdmitRejectsWhenBanned(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.bans.Add("9.9.9.9", "evil"))

	conn := &fakeConn{}
	_, ok := r.Admit(conn, "9.9.9.9", false, JoinRequestPayload{UserName: "someone", Level: "10"})
	require.False(t, ok)
	var code string
	require.NoError(t, protocol.Arg(conn.lastArgs(t), 0, &code))
	require.Equal(t, protocol.ErrBanned, code)
}

func TestAdmitAlreadyJoinedIsSilent(t *testing.T) {
	r := newTestRoom(t)
	conn := &fakeConn{}
	_, ok := r.Admit(conn, "1.1.1.1", true, JoinRequestPayload{UserName: "alice", Level: "10"})
	require.False(t, ok)
	require.Empty(t, conn.frames)
}

func TestAdmitEnforcesJoinRatelimit(t *testing.T) {
	r := newTestRoom(t)
	// Joining amount is 2 for this config, and the address's second hit
	// reaches the cap exactly - it is the one that gets limited (§4.B
	// step 3), so only the address's first join of this pair succeeds.
	_, _ = join(t, r, "1.1.1.1", "a")

	conn := &fakeConn{}
	_, ok := r.Admit(conn, "1.1.1.1", false, JoinRequestPayload{UserName: "b", Level: "10"})
	require.False(t, ok)
	var code string
	require.NoError(t, protocol.Arg(conn.lastArgs(t), 0, &code))
	require.Equal(t, protocol.ErrJoinRateLimited, code)
}

func TestAdmitRoomFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPlayers = 1
	bans, err := banlist.Load(&memStore{})
	require.NoError(t, err)
	r := New(cfg, zerolog.Nop(), bans)

	_, _ = join(t, r, "1.1.1.1", "alice")

	conn := &fakeConn{}
	_, ok := r.Admit(conn, "2.2.2.2", false, JoinRequestPayload{UserName: "bob", Level: "10"})
	require.False(t, ok)
	var code string
	require.NoError(t, protocol.Arg(conn.lastArgs(t), 0, &code))
	require.Equal(t, protocol.ErrRoomFull, code)
}

func TestChatMessageBroadcastsAndTruncates(t *testing.T) {
	r := newTestRoom(t)
	cfg := r.cfg
	cfg.Restrictions.MaxChatMessageLength = 5

	conn1, id1 := join(t, r, "1.1.1.1", "alice")
	conn2, _ := join(t, r, "2.2.2.2", "bob")

	msg, _ := json.Marshal("hello world")
	r.Dispatch(id1, protocol.InChatMessage, []json.RawMessage{msg})

	require.Equal(t, protocol.OutChatMessage, conn1.lastOpcode(t))
	require.Equal(t, protocol.OutChatMessage, conn2.lastOpcode(t))

	var gotID int
	var gotMsg string
	args := conn2.lastArgs(t)
	require.NoError(t, protocol.Arg(args, 0, &gotID))
	require.NoError(t, protocol.Arg(args, 1, &gotMsg))
	require.Equal(t, id1, gotID)
	require.Equal(t, "hello", gotMsg)
}

func TestChatMessageRatelimited(t *testing.T) {
	r := newTestRoom(t)
	conn, id := join(t, r, "1.1.1.1", "alice")

	msg, _ := json.Marshal("hi")
	frame := []json.RawMessage{msg}

	// Amount is 3: the two hits below are Allowed (count 1, then 2).
	for i := 0; i < 2; i++ {
		r.Dispatch(id, protocol.InChatMessage, frame)
	}
	framesBefore := len(conn.frames)

	// The third hit reaches the cap exactly and is Limited (§4.B step 3).
	r.Dispatch(id, protocol.InChatMessage, frame)
	var code string
	require.NoError(t, protocol.Arg(conn.lastArgs(t), 0, &code))
	require.Equal(t, protocol.ErrChatRateLimit, code)
	require.Equal(t, framesBefore+1, len(conn.frames))
}

func TestHostOnlyOpcodeRejectsNonHost(t *testing.T) {
	r := newTestRoom(t)
	_, hostID := join(t, r, "1.1.1.1", "alice")
	conn2, id2 := join(t, r, "2.2.2.2", "bob")
	require.NotEqual(t, hostID, id2)

	mapArg, _ := json.Marshal("somemap")
	r.Dispatch(id2, protocol.InChangeMap, []json.RawMessage{mapArg})

	var code string
	require.NoError(t, protocol.Arg(conn2.lastArgs(t), 0, &code))
	require.Equal(t, protocol.ErrNotHosting, code)
}

func TestHostCanChangeMap(t *testing.T) {
	r := newTestRoom(t)
	conn, hostID := join(t, r, "1.1.1.1", "alice")

	mapArg, _ := json.Marshal("newmap")
	r.Dispatch(hostID, protocol.InChangeMap, []json.RawMessage{mapArg})

	require.Equal(t, protocol.OutChangeMap, conn.lastOpcode(t))
	require.Equal(t, "newmap", r.gameSettings.Map)
}

func TestChangeOwnTeamAllowedWhenNotLocked(t *testing.T) {
	r := newTestRoom(t)
	_, hostID := join(t, r, "1.1.1.1", "alice")
	conn2, id2 := join(t, r, "2.2.2.2", "bob")
	_ = hostID

	teamArg, _ := json.Marshal(2)
	r.Dispatch(id2, protocol.InChangeOwnTeam, []json.RawMessage{teamArg})

	require.Equal(t, protocol.OutChangeTeam, conn2.lastOpcode(t))
}

func TestChangeOwnTeamBlockedWhenLocked(t *testing.T) {
	r := newTestRoom(t)
	_, hostID := join(t, r, "1.1.1.1", "alice")
	conn2, id2 := join(t, r, "2.2.2.2", "bob")

	lockArg, _ := json.Marshal(true)
	r.Dispatch(hostID, protocol.InLockTeams, []json.RawMessage{lockArg})

	teamArg, _ := json.Marshal(2)
	r.Dispatch(id2, protocol.InChangeOwnTeam, []json.RawMessage{teamArg})

	var code string
	require.NoError(t, protocol.Arg(conn2.lastArgs(t), 0, &code))
	require.Equal(t, protocol.ErrNotHosting, code)
}

func TestDisconnectReassignsHost(t *testing.T) {
	r := newTestRoom(t)
	_, hostID := join(t, r, "1.1.1.1", "alice")
	conn2, id2 := join(t, r, "2.2.2.2", "bob")

	r.Disconnect(hostID)

	require.Equal(t, id2, r.HostID())
	require.Equal(t, protocol.OutHostLeft, conn2.lastOpcode(t))
}

func TestDisconnectLastPlayerClearsHost(t *testing.T) {
	r := newTestRoom(t)
	_, hostID := join(t, r, "1.1.1.1", "alice")

	r.Disconnect(hostID)
	require.Equal(t, NoHost, r.HostID())
	require.Equal(t, 0, r.PlayerCount())
}

func TestTimesyncRepliesBeforeAdmission(t *testing.T) {
	r := newTestRoom(t)
	conn := &fakeConn{}

	idArg, _ := json.Marshal(map[string]any{"id": 42})
	r.HandleTimesync(conn, []json.RawMessage{idArg})

	require.Equal(t, protocol.OutReplyTimesync, conn.lastOpcode(t))
}

func TestUnknownOpcodeFromDispatcherIsDropped(t *testing.T) {
	r := newTestRoom(t)
	conn, id := join(t, r, "1.1.1.1", "alice")
	framesBefore := len(conn.frames)

	r.Dispatch(id, "999", nil)

	require.Equal(t, framesBefore, len(conn.frames))
}

func TestKickPlayerClosesConnectionWithoutBanning(t *testing.T) {
	r := newTestRoom(t)
	conn, hostID := join(t, r, "1.1.1.1", "alice")
	conn2, id2 := join(t, r, "2.2.2.2", "bob")
	_ = conn

	payload, _ := json.Marshal(map[string]any{"id": id2, "kickonly": true})
	r.Dispatch(hostID, protocol.InKickBanPlayer, []json.RawMessage{payload})

	require.True(t, conn2.closed)
	require.False(t, r.bans.IsBanned("2.2.2.2"))
}

func TestBanPlayerAddsToListAndCloses(t *testing.T) {
	r := newTestRoom(t)
	_, hostID := join(t, r, "1.1.1.1", "alice")
	conn2, id2 := join(t, r, "2.2.2.2", "bob")

	payload, _ := json.Marshal(map[string]any{"id": id2, "kickonly": false})
	r.Dispatch(hostID, protocol.InKickBanPlayer, []json.RawMessage{payload})

	require.True(t, conn2.closed)
	require.True(t, r.bans.IsBanned("2.2.2.2"))
}

func TestRatelimitActionTableCoversAllConfiguredActions(t *testing.T) {
	table := testConfig().Ratelimits.ToRatelimitTable()
	for _, action := range []ratelimit.Action{
		"joining", "chatting", "changingTeams", "readying",
		"transferringHost", "changingMode", "changingMap",
		"startGameCountdown", "startingEndingGame",
	} {
		_, ok := table[action]
		require.True(t, ok, "missing ratelimit config for %s", action)
	}
}
