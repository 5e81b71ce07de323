package signaling

import (
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/manpreetbhatti/rendezvous/backend/internal/room"
)

// ErrEndpointGone is returned by a Notifier when the endpoint is no longer
// connected or cannot accept more messages.
var ErrEndpointGone = errors.New("endpoint gone")

// Notifier delivers a server push to one connected endpoint. Implementations
// must not block on network I/O.
type Notifier interface {
	Notify(endpoint string, msg *Message) error
}

// Relay routes handshake messages to the counterpart endpoint of a room,
// buffering caller candidates until a callee exists.
type Relay struct {
	registry *room.Registry
	notifier Notifier
	logger   *slog.Logger
}

func NewRelay(registry *room.Registry, notifier Notifier, logger *slog.Logger) *Relay {
	return &Relay{registry: registry, notifier: notifier, logger: logger}
}

// Join pairs callee with the room, then pushes the stored offer followed by
// every early candidate in the order the caller produced them.
func (r *Relay) Join(roomID, callee string) error {
	offer, candidates, err := r.registry.Join(roomID, callee)
	if err != nil {
		return err
	}

	r.deliver(callee, offerMessage(roomID, offer))
	for _, c := range candidates {
		r.deliver(callee, candidateMessage(roomID, c))
	}

	r.logger.Info("callee joined room", "room", roomID, "endpoint", callee, "replayed_candidates", len(candidates))
	return nil
}

// Answer forwards the callee's answer to the caller. A room that vanished
// mid-flight means the caller already left, so the answer is dropped.
func (r *Relay) Answer(roomID string, answer webrtc.SessionDescription) {
	caller, err := r.registry.RecordAnswer(roomID, answer)
	if err != nil {
		r.logger.Debug("dropping answer", "room", roomID, "err", err)
		return
	}
	r.deliver(caller, answerMessage(roomID, answer))
}

// Candidate routes one connectivity candidate. Caller candidates are buffered
// while the room has no callee; callee candidates always go to the caller.
func (r *Relay) Candidate(roomID string, candidate webrtc.ICECandidateInit, fromCaller bool) {
	if fromCaller {
		callee, buffered, err := r.registry.AppendEarlyCandidate(roomID, candidate)
		if err != nil {
			r.logger.Debug("dropping caller candidate", "room", roomID, "err", err)
			return
		}
		if buffered {
			r.logger.Debug("buffered early candidate", "room", roomID)
			return
		}
		r.deliver(callee, candidateMessage(roomID, candidate))
		return
	}

	caller, err := r.registry.Caller(roomID)
	if err != nil {
		r.logger.Debug("dropping callee candidate", "room", roomID, "err", err)
		return
	}
	r.deliver(caller, candidateMessage(roomID, candidate))
}

func (r *Relay) deliver(endpoint string, msg *Message) {
	if err := r.notifier.Notify(endpoint, msg); err != nil {
		r.logger.Debug("relay delivery dropped", "room", msg.RoomID, "endpoint", endpoint, "type", msg.Type, "err", err)
	}
}
