// Package relay is the client side of the signaling relay: a publish/subscribe
// channel scoped to one meeting that carries a presence feed and a broadcast
// signaling feed.
//
// Delivery is at most once per connected subscriber. No ordering is promised
// across message types, and presence snapshots may grow or shrink arbitrarily
// between callbacks; callers diff against their own state.
package relay

import (
	"context"
	"errors"

	"github.com/mossy-p/meshcall/internal/models"
)

// ErrRelayUnavailable is returned when publishing on a closed or
// disconnected channel.
var ErrRelayUnavailable = errors.New("relay unavailable")

// Handler receives relay callbacks. Both funcs are invoked from a relay-owned
// goroutine and must not block for long.
type Handler struct {
	OnPresence func(models.Roster)
	OnMessage  func(models.SignalMessage)
}

func (h Handler) presence(r models.Roster) {
	if h.OnPresence != nil {
		h.OnPresence(r)
	}
}

func (h Handler) message(m models.SignalMessage) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

// Subscription is returned by Subscribe. Unsubscribe is idempotent and
// retracts the subscriber's presence record.
type Subscription interface {
	Unsubscribe() error
}

// Relay is one participant's handle on a meeting channel.
type Relay interface {
	Publish(ctx context.Context, msg models.SignalMessage) error
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
	Close() error
}

// FrameKind tags frames on the websocket relay transport.
type FrameKind string

const (
	FrameKindPresence FrameKind = "presence"
	FrameKindSignal   FrameKind = "signal"
)

// Frame is the websocket wire format shared by the relay server and WSRelay.
type Frame struct {
	Kind    FrameKind             `json:"kind"`
	Roster  models.Roster         `json:"roster,omitempty"`
	Message *models.SignalMessage `json:"message,omitempty"`
}
