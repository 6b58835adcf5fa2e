package relay

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/mossy-p/meshcall/internal/models"
)

const hubQueueSize = 256

// Hub is an in-process relay shared by participants living in the same
// process. Each subscriber has its own buffered queue; when it is full the
// event is dropped, matching the at-most-once contract of the networked
// relays.
type Hub struct {
	mu       sync.Mutex
	meetings map[string]*hubMeeting
	log      logr.Logger
}

type hubMeeting struct {
	roster models.Roster
	subs   map[*hubSub]struct{}
}

type hubSub struct {
	relay  *MemoryRelay
	events chan func()
	done   chan struct{}
	once   sync.Once
}

func NewHub(log logr.Logger) *Hub {
	return &Hub{
		meetings: make(map[string]*hubMeeting),
		log:      log,
	}
}

// Join returns a relay handle for self in meetingID. Presence is announced
// when the handle subscribes.
func (h *Hub) Join(meetingID string, self models.PresenceRecord) *MemoryRelay {
	if self.JoinedAt.IsZero() {
		self.JoinedAt = time.Now()
	}
	return &MemoryRelay{hub: h, meetingID: meetingID, self: self}
}

// Roster returns the current presence records of a meeting.
func (h *Hub) Roster(meetingID string) models.Roster {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.meetings[meetingID]
	if !ok {
		return models.Roster{}
	}
	return m.roster.Clone()
}

func (h *Hub) meeting(id string) *hubMeeting {
	m, ok := h.meetings[id]
	if !ok {
		m = &hubMeeting{
			roster: make(models.Roster),
			subs:   make(map[*hubSub]struct{}),
		}
		h.meetings[id] = m
	}
	return m
}

// broadcastPresence must be called with h.mu held.
func (h *Hub) broadcastPresence(m *hubMeeting) {
	for sub := range m.subs {
		snapshot := m.roster.Clone()
		handler := sub.relay.handlerFor(sub)
		h.enqueue(sub, func() { handler.presence(snapshot) })
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(sub *hubSub, fn func()) {
	select {
	case sub.events <- fn:
	default:
		h.log.Info("Dropping relay event, subscriber queue full", "participant", sub.relay.self.ID)
	}
}

// MemoryRelay is a participant's handle on a Hub meeting.
type MemoryRelay struct {
	hub       *Hub
	meetingID string
	self      models.PresenceRecord

	mu       sync.Mutex
	closed   bool
	handlers map[*hubSub]Handler
}

func (r *MemoryRelay) handlerFor(sub *hubSub) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[sub]
}

func (r *MemoryRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Publish delivers msg to every subscriber of the meeting, including the
// publisher's own subscriptions.
func (r *MemoryRelay) Publish(ctx context.Context, msg models.SignalMessage) error {
	if r.isClosed() {
		return ErrRelayUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.MeetingID = r.meetingID

	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()

	m := r.hub.meeting(r.meetingID)
	for sub := range m.subs {
		handler := sub.relay.handlerFor(sub)
		r.hub.enqueue(sub, func() { handler.message(msg) })
	}
	return nil
}

// Subscribe registers h and inserts the participant's presence record.
func (r *MemoryRelay) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &hubSub{
		relay:  r,
		events: make(chan func(), hubQueueSize),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRelayUnavailable
	}
	if r.handlers == nil {
		r.handlers = make(map[*hubSub]Handler)
	}
	r.handlers[sub] = h
	r.mu.Unlock()

	go sub.run()

	r.hub.mu.Lock()
	m := r.hub.meeting(r.meetingID)
	m.subs[sub] = struct{}{}
	m.roster[r.self.ID] = r.self
	r.hub.broadcastPresence(m)
	r.hub.mu.Unlock()

	return sub, nil
}

func (s *hubSub) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

// Unsubscribe removes the subscriber and retracts its presence record.
func (s *hubSub) Unsubscribe() error {
	s.once.Do(func() {
		r := s.relay
		r.hub.mu.Lock()
		m := r.hub.meeting(r.meetingID)
		delete(m.subs, s)
		if !r.hasOtherSubs(m, s) {
			delete(m.roster, r.self.ID)
		}
		r.hub.broadcastPresence(m)
		if len(m.subs) == 0 {
			delete(r.hub.meetings, r.meetingID)
		}
		r.hub.mu.Unlock()

		r.mu.Lock()
		delete(r.handlers, s)
		r.mu.Unlock()

		close(s.done)
	})
	return nil
}

// hasOtherSubs must be called with the hub lock held.
func (r *MemoryRelay) hasOtherSubs(m *hubMeeting, except *hubSub) bool {
	for sub := range m.subs {
		if sub != except && sub.relay == r {
			return true
		}
	}
	return false
}

// Close unsubscribes everything and makes Publish fail.
func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*hubSub, 0, len(r.handlers))
	for sub := range r.handlers {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}
