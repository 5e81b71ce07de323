package signaling

import (
	"errors"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/manpreetbhatti/rendezvous/backend/internal/events"
	"github.com/manpreetbhatti/rendezvous/backend/internal/room"
)

// Coordinator is the entry point for every signaling event. It validates
// requests, dispatches them to the relay or lifecycle and turns outcomes into
// acks. Callers must feed it events one at a time per room to preserve
// delivery order; the websocket hub does so from its run loop.
type Coordinator struct {
	registry  *room.Registry
	relay     *Relay
	lifecycle *Lifecycle
	notifier  Notifier
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewCoordinator(registry *room.Registry, notifier Notifier, publisher events.Publisher, logger *slog.Logger) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	c := &Coordinator{
		registry: registry,
		relay:    NewRelay(registry, notifier, logger),
		notifier: notifier,
		events:   publisher,
		logger:   logger,
		now:      time.Now,
	}
	// Shares the coordinator's clock, including later overrides.
	c.lifecycle = NewLifecycle(registry, notifier, publisher, logger, func() time.Time { return c.now() })
	return c
}

func (c *Coordinator) Registry() *room.Registry {
	return c.registry
}

// Handle processes one message from endpoint and returns the ack to send
// back, or nil when the request expects none.
func (c *Coordinator) Handle(endpoint string, msg *Message) *Message {
	var result *Result

	switch msg.Type {
	case TypeCheckRoom:
		result = &Result{Success: c.registry.Exists(msg.RoomID), RoomID: msg.RoomID}

	case TypeCreateRoom:
		result = toResult(msg.RoomID, c.CreateRoom(endpoint, msg.RoomID, msg.Offer))

	case TypeJoinRoom:
		result = toResult(msg.RoomID, c.JoinRoom(endpoint, msg.RoomID))

	case TypeUpdateOffer:
		result = toResult(msg.RoomID, c.UpdateOffer(endpoint, msg.RoomID, msg.Offer))

	case TypeAnswer:
		if err := ValidateDescription(msg.Answer, webrtc.SDPTypeAnswer); err != nil {
			c.logger.Debug("rejecting answer", "room", msg.RoomID, "endpoint", endpoint, "err", err)
			return nil
		}
		c.relay.Answer(msg.RoomID, *msg.Answer)
		return nil

	case TypeICE:
		if err := ValidateCandidate(msg.Candidate); err != nil {
			c.logger.Debug("rejecting candidate", "room", msg.RoomID, "endpoint", endpoint, "err", err)
			return nil
		}
		c.relay.Candidate(msg.RoomID, *msg.Candidate, msg.IsCaller)
		return nil

	case TypeLeaveRoom:
		c.lifecycle.Leave(msg.RoomID, msg.IsCaller)
		return nil

	default:
		c.logger.Warn("unknown message type", "type", msg.Type, "endpoint", endpoint)
		return ErrorMessage(CodeUnknownType, "unknown message type: "+msg.Type)
	}

	if msg.ID == "" {
		return nil
	}
	return &Message{Type: TypeAck, ID: msg.ID, RoomID: msg.RoomID, Result: result}
}

func (c *Coordinator) CreateRoom(endpoint, roomID string, offer *webrtc.SessionDescription) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := ValidateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}

	if err := c.registry.Create(roomID, endpoint, *offer); err != nil {
		return err
	}

	c.logger.Info("room created", "room", roomID, "endpoint", endpoint)
	c.events.Publish(events.Event{Kind: events.RoomCreated, RoomID: roomID, At: c.now()})
	return nil
}

func (c *Coordinator) JoinRoom(endpoint, roomID string) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := c.relay.Join(roomID, endpoint); err != nil {
		return err
	}

	c.events.Publish(events.Event{Kind: events.RoomJoined, RoomID: roomID, At: c.now()})
	return nil
}

func (c *Coordinator) UpdateOffer(endpoint, roomID string, offer *webrtc.SessionDescription) error {
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if err := ValidateDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	return c.lifecycle.UpdateOffer(roomID, endpoint, *offer)
}

// Disconnect runs the departure rules for an endpoint whose transport closed.
func (c *Coordinator) Disconnect(endpoint string) {
	c.lifecycle.Disconnect(endpoint)
}

// SweepStale removes rooms idle for longer than threshold and tells every
// endpoint still attached to them. Notification happens after the registry
// has released its lock.
func (c *Coordinator) SweepStale(threshold time.Duration) []string {
	evicted := c.registry.SweepStale(threshold, c.now())

	ids := make([]string, 0, len(evicted))
	for _, e := range evicted {
		for _, endpoint := range []string{e.Caller, e.Callee} {
			if endpoint == "" {
				continue
			}
			if err := c.notifier.Notify(endpoint, disconnectedMessage(e.RoomID)); err != nil {
				c.logger.Debug("stale room notification dropped", "room", e.RoomID, "endpoint", endpoint, "err", err)
			}
		}
		c.logger.Info("removed stale room", "room", e.RoomID)
		c.events.Publish(events.Event{Kind: events.RoomReaped, RoomID: e.RoomID, At: c.now()})
		ids = append(ids, e.RoomID)
	}
	return ids
}

func toResult(roomID string, err error) *Result {
	if err == nil {
		return &Result{Success: true, Code: CodeOK, RoomID: roomID}
	}
	return &Result{Success: false, Code: ErrorCode(err), Message: err.Error(), RoomID: roomID}
}

// ErrorCode maps a coordinator error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, room.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, room.ErrFull):
		return CodeFull
	case errors.Is(err, room.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrInvalidData):
		return CodeInvalidData
	default:
		return "internal"
	}
}
