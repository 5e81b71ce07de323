package signaling

import (
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/manpreetbhatti/rendezvous/backend/internal/events"
	"github.com/manpreetbhatti/rendezvous/backend/internal/room"
)

// Lifecycle applies the asymmetric departure rules: a caller leaving closes
// the room, a callee leaving reopens it for the next peer.
type Lifecycle struct {
	registry *room.Registry
	notifier Notifier
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewLifecycle stamps events with now, or time.Now when now is nil.
func NewLifecycle(registry *room.Registry, notifier Notifier, publisher events.Publisher, logger *slog.Logger, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{registry: registry, notifier: notifier, events: publisher, logger: logger, now: now}
}

// Disconnect handles a transport-level loss of endpoint. The endpoint carries
// no room id, so membership is resolved by the registry.
func (l *Lifecycle) Disconnect(endpoint string) {
	for _, d := range l.registry.Release(endpoint) {
		if d.Role == room.RoleCaller {
			l.closed(d.RoomID, d.Peer)
		} else {
			l.calleeLeft(d.RoomID, d.Peer, true)
		}
	}
}

// Leave handles an explicit leave-room request.
func (l *Lifecycle) Leave(roomID string, isCaller bool) {
	if isCaller {
		callee, err := l.registry.RemoveCaller(roomID)
		if err != nil {
			l.logger.Debug("ignoring caller leave", "room", roomID, "err", err)
			return
		}
		l.closed(roomID, callee)
		return
	}

	caller, removed, err := l.registry.RemoveCallee(roomID)
	if err != nil {
		l.logger.Debug("ignoring callee leave", "room", roomID, "err", err)
		return
	}
	l.calleeLeft(roomID, caller, removed)
}

// UpdateOffer lets the caller re-arm an open room with a new offer. A callee
// still attached at that moment is detached and told so.
func (l *Lifecycle) UpdateOffer(roomID, requester string, offer webrtc.SessionDescription) error {
	evicted, err := l.registry.UpdateOffer(roomID, requester, offer)
	if err != nil {
		return err
	}

	if evicted != "" {
		l.notify(evicted, disconnectedMessage(roomID))
	}
	l.logger.Info("room offer updated", "room", roomID, "evicted_callee", evicted != "")
	l.events.Publish(events.Event{Kind: events.RoomReoffered, RoomID: roomID, At: l.now()})
	return nil
}

func (l *Lifecycle) closed(roomID, callee string) {
	if callee != "" {
		l.notify(callee, disconnectedMessage(roomID))
	}
	l.logger.Info("room closed because caller left", "room", roomID)
	l.events.Publish(events.Event{Kind: events.RoomClosed, RoomID: roomID, At: l.now()})
}

func (l *Lifecycle) calleeLeft(roomID, caller string, removed bool) {
	if !removed {
		return
	}
	l.notify(caller, disconnectedMessage(roomID))
	l.logger.Info("callee left room", "room", roomID)
	l.events.Publish(events.Event{Kind: events.CalleeLeft, RoomID: roomID, At: l.now()})
}

// notify never fails the transition it belongs to
func (l *Lifecycle) notify(endpoint string, msg *Message) {
	if err := l.notifier.Notify(endpoint, msg); err != nil {
		l.logger.Debug("peer notification dropped", "room", msg.RoomID, "endpoint", endpoint, "err", err)
	}
}
