package events

import "time"

// Kind names a room lifecycle transition
type Kind string

const (
	RoomCreated   Kind = "room-created"
	RoomJoined    Kind = "room-joined"
	RoomReoffered Kind = "room-reoffered"
	CalleeLeft    Kind = "callee-left"
	RoomClosed    Kind = "room-closed"
	RoomReaped    Kind = "room-reaped"
)

type Event struct {
	Kind   Kind      `json:"kind"`
	RoomID string    `json:"roomId"`
	At     time.Time `json:"at"`
}

// Publisher receives room lifecycle events. Implementations must not block
// the caller on network I/O.
type Publisher interface {
	Publish(Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(Event) {}
