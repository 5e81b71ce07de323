// Package store defines the persisted room document used by the REST
// binding, where peers poll for the offer, answer and candidates instead of
// holding a websocket open.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// ParseRole accepts "caller" or "callee".
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCaller, RoleCallee:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type Room struct {
	ID               string                     `json:"id"`
	Offer            webrtc.SessionDescription  `json:"offer"`
	Answer           *webrtc.SessionDescription `json:"answer,omitempty"`
	CallerCandidates []webrtc.ICECandidateInit  `json:"callerCandidates"`
	CalleeCandidates []webrtc.ICECandidateInit  `json:"calleeCandidates"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
}

// Candidates returns the slice for role.
func (r *Room) Candidates(role Role) []webrtc.ICECandidateInit {
	if role == RoleCallee {
		return r.CalleeCandidates
	}
	return r.CallerCandidates
}

// Store persists room documents. Every method returns ErrRoomNotFound for an
// unknown id except CreateRoom, which returns ErrRoomExists on a duplicate.
type Store interface {
	CreateRoom(ctx context.Context, id string, offer webrtc.SessionDescription) (*Room, error)
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)

	// UpdateRoom replaces whichever of offer and answer is non-nil.
	UpdateRoom(ctx context.Context, id string, offer, answer *webrtc.SessionDescription) (*Room, error)
	DeleteRoom(ctx context.Context, id string) error

	AddCandidate(ctx context.Context, id string, role Role, candidate webrtc.ICECandidateInit) error
	ListCandidates(ctx context.Context, id string, role Role) ([]webrtc.ICECandidateInit, error)

	// ResetRoom prepares a room for a new callee: the answer and callee
	// candidates are dropped. A non-nil offer also replaces the offer and
	// drops the caller candidates gathered for the old one.
	ResetRoom(ctx context.Context, id string, offer *webrtc.SessionDescription) (*Room, error)

	// DeleteStaleRooms removes rooms not updated since cutoff and returns
	// their ids.
	DeleteStaleRooms(ctx context.Context, cutoff time.Time) ([]string, error)
	CountRooms(ctx context.Context) (int, error)
	Close() error
}
