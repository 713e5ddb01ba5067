// Package players implements the slot allocator from spec §4.D: a
// sparse, monotonically-growing table keyed by stable integer id. Ids are
// never recycled within a session - a slot vacated by a disconnect stays
// empty until the table itself is extended by the next Allocate call.
package players

import "encoding/json"

// Team mirrors the wire values 0-5 from spec §3.
type Team int

const (
	TeamSpectate Team = iota
	TeamFFA
	TeamRed
	TeamBlue
	TeamGreen
	TeamYellow
)

// Conn abstracts the underlying transport connection so this package has
// no dependency on gorilla/websocket.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// Player holds one slot's state. Level is a string so it can carry the
// literal "-" when censorLevels hides it (spec §3/§4.F).
type Player struct {
	ID      int
	UserName string
	Guest   bool
	Level   string
	Team    Team
	Avatar  json.RawMessage
	Ready   bool
	Tabbed  bool
	PeerID  string // always "invalid" - the field is reserved but unused

	Conn    Conn
	Address string
}

// Table is the fixed-capacity (but monotonically growing) slot allocator.
// Not safe for concurrent use by itself; callers serialize access the same
// way every other room mutation is serialized (§5).
type Table struct {
	slots []*Player // nil entries are empty slots
	count int
}

func New() *Table {
	return &Table{}
}

// Allocate appends a new occupied slot and returns its id. Allocate sets
// p.ID to the returned value itself - id == index is an invariant (§3).
func (t *Table) Allocate(p *Player) int {
	id := len(t.slots)
	p.ID = id
	t.slots = append(t.slots, p)
	t.count++
	return id
}

// Get returns the slot for id, or nil if the id is out of range or empty.
func (t *Table) Get(id int) *Player {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// Release empties the slot for id without shifting any other slot.
func (t *Table) Release(id int) {
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return
	}
	t.slots[id] = nil
	t.count--
}

// Iterate calls fn for every occupied slot, skipping empty ones.
func (t *Table) Iterate(fn func(*Player)) {
	for _, p := range t.slots {
		if p != nil {
			fn(p)
		}
	}
}

// FindByName returns the id of the first occupied slot with the given
// userName, or -1 if none matches.
func (t *Table) FindByName(name string) int {
	for _, p := range t.slots {
		if p != nil && p.UserName == name {
			return p.ID
		}
	}
	return -1
}

// Count returns the number of occupied slots.
func (t *Table) Count() int {
	return t.count
}
