package room

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNotFound      = errors.New("room not found")
	ErrAlreadyExists = errors.New("room already exists")
	ErrFull          = errors.New("room is full")
	ErrForbidden     = errors.New("only the caller can update the room offer")
)

// Role is the side of a room an endpoint occupies.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// A single call session between a caller and at most one callee
type Room struct {
	ID     string
	Caller string
	Callee string

	Offer  webrtc.SessionDescription
	Answer *webrtc.SessionDescription

	// Caller candidates received while no callee was attached
	EarlyCandidates []webrtc.ICECandidateInit

	LastActivity time.Time
}

// Returns a deep copy safe to hand out of the registry
func (r *Room) snapshot() Room {
	cp := *r
	if r.Answer != nil {
		answer := *r.Answer
		cp.Answer = &answer
	}
	cp.EarlyCandidates = append([]webrtc.ICECandidateInit(nil), r.EarlyCandidates...)
	return cp
}

// Departure describes one membership dropped because an endpoint went away.
type Departure struct {
	RoomID string
	Role   Role
	// Peer is the endpoint left on the other side, if any.
	Peer string
}

// Evicted is a room removed by a stale sweep along with whoever was still
// attached to it.
type Evicted struct {
	RoomID string
	Caller string
	Callee string
}
