package room

import (
	"github.com/SneezingCactus/manifold-server/internal/players"
	"github.com/SneezingCactus/manifold-server/internal/protocol"
)

// send encodes and sends one frame to a single connection. Send failures
// are logged, never escalated - a slow or dead connection is cleaned up by
// its own read/write pump, not by the room (§5: handlers never observe a
// half-mutated room, and I/O failures must not corrupt state).
func (r *Room) send(conn players.Conn, opcode string, args ...any) {
	frame, err := protocol.Encode(opcode, args...)
	if err != nil {
		r.log.Error().Err(err).Str("opcode", opcode).Msg("failed to encode outbound frame")
		return
	}
	if err := conn.Send(frame); err != nil {
		r.log.Debug().Err(err).Str("opcode", opcode).Msg("failed to send frame")
	}
}

// unicastTo sends a frame to the occupied slot with the given id, if any.
func (r *Room) unicastTo(id int, opcode string, args ...any) {
	p := r.players.Get(id)
	if p == nil {
		return
	}
	r.send(p.Conn, opcode, args...)
}

// broadcast sends a frame to every occupied slot, in iteration order. For
// any single inbound packet, all broadcasts it produces are emitted in
// program order and are FIFO per recipient (§5) - this holds here because
// Iterate visits slots in a fixed order and send() never reorders within a
// call.
func (r *Room) broadcast(opcode string, args ...any) {
	r.players.Iterate(func(p *players.Player) {
		r.send(p.Conn, opcode, args...)
	})
}

// broadcastExcept sends a frame to every occupied slot except exceptID.
func (r *Room) broadcastExcept(exceptID int, opcode string, args ...any) {
	r.players.Iterate(func(p *players.Player) {
		if p.ID == exceptID {
			return
		}
		r.send(p.Conn, opcode, args...)
	})
}
