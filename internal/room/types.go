package room

import "encoding/json"

// JoinRequestPayload is the decoded shape of JOIN_REQUEST's single object
// argument (spec §4.F).
type JoinRequestPayload struct {
	UserName     string          `json:"userName"`
	Guest        bool            `json:"guest"`
	Level        string          `json:"level"`
	Avatar       json.RawMessage `json:"avatar"`
	RoomPassword *string         `json:"roomPassword"`
}

// playerInfoArg is the positional shape used for one player's entry inside
// SERVER_INFORM's playerInfoArray and PLAYER_JOINED's own argument list
// (spec §4.F): [id, peerId, userName, guest, level, team, avatar].
func playerInfoArg(id int, peerID, userName string, guest bool, level string, team int, avatar json.RawMessage) []any {
	return []any{id, peerID, userName, guest, level, team, avatar}
}
