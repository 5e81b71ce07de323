package room

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Registry is the authoritative table of live rooms.
//
// Every method runs as one critical section, so callers never read room
// state in one call and mutate it in another. Message delivery is left to the
// caller and must happen after the method returns.
type Registry struct {
	rooms map[string]*Room
	now   func() time.Time
	mu    sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
		now:   time.Now,
	}
}

// NewRegistryWithClock is NewRegistry with an injectable time source.
func NewRegistryWithClock(now func() time.Time) *Registry {
	r := NewRegistry()
	r.now = now
	return r
}

func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[id]
	return ok
}

// Create stores a new room owned by caller. The existence check here is the
// authoritative one; an earlier Exists by the client is only advisory.
func (r *Registry) Create(id, caller string, offer webrtc.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[id]; ok {
		return ErrAlreadyExists
	}

	r.rooms[id] = &Room{
		ID:           id,
		Caller:       caller,
		Offer:        offer,
		LastActivity: r.now(),
	}
	return nil
}

// Join attaches callee to the room and hands back the current offer together
// with the buffered early candidates. Ownership of the buffer moves to the
// caller of Join, which must deliver it to the callee in order.
func (r *Registry) Join(id, callee string) (webrtc.SessionDescription, []webrtc.ICECandidateInit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return webrtc.SessionDescription{}, nil, ErrNotFound
	}
	if room.Callee != "" {
		return webrtc.SessionDescription{}, nil, ErrFull
	}

	room.Callee = callee
	candidates := room.EarlyCandidates
	room.EarlyCandidates = nil
	room.LastActivity = r.now()

	return room.Offer, candidates, nil
}

// UpdateOffer replaces the offer so the caller can accept a fresh peer. Any
// attached callee is detached and returned so it can be told.
func (r *Registry) UpdateOffer(id, requester string, offer webrtc.SessionDescription) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return "", ErrNotFound
	}
	if room.Caller != requester {
		return "", ErrForbidden
	}

	evicted := room.Callee
	room.Offer = offer
	room.Callee = ""
	room.Answer = nil
	// Candidates belong to the previous ICE generation.
	room.EarlyCandidates = nil
	room.LastActivity = r.now()

	return evicted, nil
}

// RecordAnswer stores the callee's answer and returns the caller to relay it to.
func (r *Registry) RecordAnswer(id string, answer webrtc.SessionDescription) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return "", ErrNotFound
	}

	room.Answer = &answer
	room.LastActivity = r.now()
	return room.Caller, nil
}

// AppendEarlyCandidate routes a caller-originated candidate. With no callee
// attached the candidate is buffered; otherwise the callee is returned and
// nothing is buffered. Both the presence check and the append happen here so a
// concurrent Join cannot make a candidate miss the buffer drain.
func (r *Registry) AppendEarlyCandidate(id string, candidate webrtc.ICECandidateInit) (callee string, buffered bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return "", false, ErrNotFound
	}

	room.LastActivity = r.now()
	if room.Callee != "" {
		return room.Callee, false, nil
	}

	room.EarlyCandidates = append(room.EarlyCandidates, candidate)
	return "", true, nil
}

// Caller resolves the caller endpoint for callee-originated traffic.
func (r *Registry) Caller(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return "", ErrNotFound
	}

	room.LastActivity = r.now()
	return room.Caller, nil
}

// RemoveCaller deletes the room and returns the former callee, if any.
func (r *Registry) RemoveCaller(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return "", ErrNotFound
	}

	delete(r.rooms, id)
	return room.Callee, nil
}

// RemoveCallee detaches the callee but keeps the room open for a rejoin.
// removed reports whether a callee was actually attached.
func (r *Registry) RemoveCallee(id string) (caller string, removed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return "", false, ErrNotFound
	}

	return room.Caller, r.detachCallee(room), nil
}

func (r *Registry) detachCallee(room *Room) bool {
	removed := room.Callee != ""
	room.Callee = ""
	room.Answer = nil
	room.EarlyCandidates = nil
	room.LastActivity = r.now()
	return removed
}

// Release drops every membership held by endpoint. Rooms it created are
// deleted; rooms it joined go back to waiting for a callee.
func (r *Registry) Release(endpoint string) []Departure {
	r.mu.Lock()
	defer r.mu.Unlock()

	var departures []Departure
	for id, room := range r.rooms {
		switch endpoint {
		case room.Caller:
			delete(r.rooms, id)
			departures = append(departures, Departure{RoomID: id, Role: RoleCaller, Peer: room.Callee})
		case room.Callee:
			r.detachCallee(room)
			departures = append(departures, Departure{RoomID: id, Role: RoleCallee, Peer: room.Caller})
		}
	}

	sort.Slice(departures, func(i, j int) bool { return departures[i].RoomID < departures[j].RoomID })
	return departures
}

// SweepStale deletes rooms with no activity for longer than threshold.
func (r *Registry) SweepStale(threshold time.Duration, now time.Time) []Evicted {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Evicted
	for id, room := range r.rooms {
		if now.Sub(room.LastActivity) > threshold {
			delete(r.rooms, id)
			evicted = append(evicted, Evicted{RoomID: id, Caller: room.Caller, Callee: room.Callee})
		}
	}

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].RoomID < evicted[j].RoomID })
	return evicted
}

// Get returns a copy of the room state
func (r *Registry) Get(id string) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	return room.snapshot(), true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Paired returns how many rooms currently have both sides attached.
func (r *Registry) Paired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, room := range r.rooms {
		if room.Callee != "" {
			n++
		}
	}
	return n
}
