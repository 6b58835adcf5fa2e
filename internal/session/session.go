// Package session runs one participant's side of a mesh call: it joins the
// meeting's relay channel, negotiates a peer connection with every other
// participant and keeps the set of links in line with the relay's presence
// feed.
//
// All session state is owned by a single event-loop goroutine. Relay
// callbacks, connection callbacks and user commands are posted to it as
// closures, so no session state is ever touched concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/relay"
)

const (
	eventQueueSize        = 64
	sendQueueSize         = 256
	defaultPublishTimeout = 5 * time.Second
	defaultLevelInterval  = 100 * time.Millisecond
)

var (
	// ErrSessionClosed is returned by operations on a session that has ended.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownParticipant is returned when pinning an id that is not in
	// the call.
	ErrUnknownParticipant = errors.New("unknown participant")

	errAlreadyJoined = errors.New("session already joined")
	errEmptyChat     = errors.New("chat message is empty")
)

// Identity is the local participant as provided by the auth layer. IsHost
// decides whether leaving ends the meeting for everyone.
type Identity struct {
	ID          string
	DisplayName string
	IsHost      bool
}

// Config holds everything New needs. Identity.ID, Relay, Media and Factory
// are required; zero durations fall back to package defaults.
type Config struct {
	Identity  Identity
	MeetingID string
	Relay     relay.Relay
	Media     *media.Manager
	Factory   peer.Factory
	Observer  Observer
	Log       logr.Logger
	// PublishTimeout bounds a single relay publish.
	PublishTimeout time.Duration
	// LevelInterval is how often remote audio levels are reported.
	LevelInterval time.Duration
}

// Session is one participation in a call.
type Session struct {
	id             Identity
	meetingID      string
	relay          relay.Relay
	media          *media.Manager
	observer       Observer
	log            logr.Logger
	publishTimeout time.Duration
	levelInterval  time.Duration

	events   chan func()
	send     chan models.SignalMessage
	closing  chan struct{}
	done     chan struct{}
	pumpDone chan struct{}
	joined   atomic.Bool

	// Owned by the event loop.
	registry  *peer.Registry
	sub       relay.Subscription
	roster    models.Roster
	names     map[string]string
	spotlight Spotlight
	gens      map[string]uint64
	nextGen   uint64
	meters    map[string]context.CancelFunc
	acquiring bool
	closed    bool

	mu     sync.Mutex
	final  View
	reason EndReason
}

// New creates a session and starts its event loop. Call Join to enter the
// meeting and Leave to end the session.
func New(cfg Config) (*Session, error) {
	if cfg.Identity.ID == "" {
		return nil, errors.New("session: identity has no id")
	}
	if cfg.Relay == nil || cfg.Media == nil || cfg.Factory == nil {
		return nil, errors.New("session: relay, media and factory are required")
	}

	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	s := &Session{
		id:             cfg.Identity,
		meetingID:      cfg.MeetingID,
		relay:          cfg.Relay,
		media:          cfg.Media,
		observer:       cfg.Observer,
		log:            log.WithValues("participant", cfg.Identity.ID),
		publishTimeout: cfg.PublishTimeout,
		levelInterval:  cfg.LevelInterval,

		events:   make(chan func(), eventQueueSize),
		send:     make(chan models.SignalMessage, sendQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),

		roster: make(models.Roster),
		names:  make(map[string]string),
		gens:   make(map[string]uint64),
		meters: make(map[string]context.CancelFunc),
	}
	if s.publishTimeout <= 0 {
		s.publishTimeout = defaultPublishTimeout
	}
	if s.levelInterval <= 0 {
		s.levelInterval = defaultLevelInterval
	}
	s.registry = peer.NewRegistry(cfg.Factory, s.outgoingTracks, s.linkEvents, s.log)

	go s.run()
	go s.writePump()
	return s, nil
}

// Join acquires camera and microphone, subscribes to the relay and
// broadcasts Ready. Media permission failures end the session before
// anything is published. Canceling ctx after Join returns leaves the
// meeting.
func (s *Session) Join(ctx context.Context) error {
	if !s.joined.CompareAndSwap(false, true) {
		return errAlreadyJoined
	}
	if s.isClosing() {
		return ErrSessionClosed
	}

	if err := s.media.Start(ctx); err != nil {
		s.abort()
		return fmt.Errorf("join: %w", err)
	}

	sub, err := s.relay.Subscribe(ctx, relay.Handler{
		OnPresence: func(roster models.Roster) {
			s.post(func() { s.handlePresence(roster) })
		},
		OnMessage: func(msg models.SignalMessage) {
			s.post(func() { s.handleMessage(msg) })
		},
	})
	if err != nil {
		s.abort()
		return fmt.Errorf("join: %w", err)
	}

	// Ready is on the relay before Join returns, so a participant joining
	// afterwards never mistakes this one for a newcomer.
	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	err = s.relay.Publish(pubCtx, models.SignalMessage{
		Type:        models.SignalTypeReady,
		From:        s.id.ID,
		MeetingID:   s.meetingID,
		DisplayName: s.id.DisplayName,
	})
	cancel()
	if err != nil {
		_ = sub.Unsubscribe()
		s.abort()
		return fmt.Errorf("join: announce ready: %w", err)
	}

	if err := s.call(func() { s.sub = sub }); err != nil {
		_ = sub.Unsubscribe()
		return err
	}

	s.log.Info("Joined meeting", "meeting", s.meetingID, "host", s.id.IsHost)
	go s.watch(ctx)
	return nil
}

// Leave ends the session. A host's leave is broadcast as ForceEnd, which
// ends the meeting for every participant. Leaving twice is a no-op.
func (s *Session) Leave(ctx context.Context) error {
	err := s.call(func() { s.shutdown(EndLeft, s.farewell()) })
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session has ended and cleanup has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the session ended. It is only meaningful after Done.
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// SendChat broadcasts a chat line to the other participants.
func (s *Session) SendChat(text string) error {
	if text == "" {
		return errEmptyChat
	}
	return s.call(func() {
		s.enqueue(models.SignalMessage{Type: models.SignalTypeChat, Text: text, DisplayName: s.id.DisplayName})
	})
}

// Snapshot returns a copy of the session state for rendering.
func (s *Session) Snapshot() View {
	var v View
	if err := s.call(func() { v = s.buildView() }); err != nil {
		<-s.done
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.final
	}
	return v
}

func (s *Session) farewell() *models.SignalMessage {
	if s.id.IsHost {
		return &models.SignalMessage{Type: models.SignalTypeForceEnd}
	}
	return &models.SignalMessage{Type: models.SignalTypeLeave}
}

func (s *Session) run() {
	defer close(s.done)
	for fn := range s.events {
		fn()
		if s.closed {
			return
		}
	}
}

func (s *Session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// post queues fn on the event loop. It reports false once the session is
// shutting down.
func (s *Session) post(fn func()) bool {
	if s.isClosing() {
		return false
	}
	select {
	case s.events <- fn:
		return true
	case <-s.closing:
		return false
	}
}

// call runs fn on the event loop and waits for it to finish.
func (s *Session) call(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) abort() {
	_ = s.call(func() { s.shutdown(EndFailed, nil) })
}

func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.post(func() {
			s.shutdown(EndCanceled, &models.SignalMessage{Type: models.SignalTypeLeave})
		})
	case <-s.done:
	}
}

// enqueue hands msg to the write pump without blocking the loop.
func (s *Session) enqueue(msg models.SignalMessage) {
	if s.closed && msg.Type != models.SignalTypeLeave && msg.Type != models.SignalTypeForceEnd {
		return
	}
	msg.From = s.id.ID
	msg.MeetingID = s.meetingID

	select {
	case s.send <- msg:
	default:
		s.log.Info("Dropping outbound signal, queue full", "type", string(msg.Type), "to", msg.To)
	}
}

func (s *Session) writePump() {
	defer close(s.pumpDone)

	for msg := range s.send {
		ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
		err := s.relay.Publish(ctx, msg)
		cancel()
		if err != nil {
			s.log.Error(err, "Failed to publish signal", "type", string(msg.Type), "to", msg.To)
		}
	}
}

// shutdown is the single cleanup pass. It runs on the loop at most once and
// is safe whatever was acquired before it.
func (s *Session) shutdown(reason EndReason, farewell *models.SignalMessage) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.closing)

	if farewell != nil && s.sub != nil {
		s.enqueue(*farewell)
	}

	for id, cancel := range s.meters {
		cancel()
		delete(s.meters, id)
	}
	s.registry.CloseAll()
	s.gens = make(map[string]uint64)
	s.spotlight = Spotlight{}
	s.media.StopAll()

	// Drain so the farewell goes out before presence is retracted
	close(s.send)
	<-s.pumpDone

	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Error(err, "Failed to unsubscribe from relay")
		}
	}

	s.mu.Lock()
	s.final = s.buildView()
	s.reason = reason
	s.mu.Unlock()

	s.log.Info("Session ended", "reason", reason.String())
	if s.observer.OnEnded != nil {
		s.observer.OnEnded(reason)
	}
}

func (s *Session) handlePresence(roster models.Roster) {
	s.roster = roster
	for id, rec := range roster {
		if rec.DisplayName != "" {
			s.names[id] = rec.DisplayName
		}
	}

	for _, id := range s.registry.Reconcile(roster.IDs(s.id.ID)) {
		s.log.V(1).Info("Peer left presence", "peer", id)
		s.afterTeardown(id, true)
	}
	if s.spotlight.Kind == SpotlightParticipant {
		if _, ok := roster[s.spotlight.ParticipantID]; !ok {
			s.clearSpotlightFor(s.spotlight.ParticipantID)
		}
	}

	if s.observer.OnPresence != nil {
		s.observer.OnPresence(s.participants())
	}
}

func (s *Session) participants() []models.Participant {
	out := make([]models.Participant, 0, len(s.roster))
	for id := range s.roster {
		if id == s.id.ID {
			continue
		}
		out = append(out, s.participant(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) outgoingTracks() peer.Tracks {
	return peer.Tracks{Audio: s.media.OutgoingAudio(), Video: s.media.OutgoingVideo()}
}

// dropLink tears down the link for id. left says the participant is gone
// rather than being replaced by a new link.
func (s *Session) dropLink(id string, left bool) {
	if s.registry.Teardown(id) {
		s.afterTeardown(id, left)
	}
}

func (s *Session) afterTeardown(id string, left bool) {
	delete(s.gens, id)
	if cancel, ok := s.meters[id]; ok {
		cancel()
		delete(s.meters, id)
	}
	s.clearSpotlightFor(id)
	if left && s.observer.OnPeerLeft != nil {
		s.observer.OnPeerLeft(id)
	}
}

// failLink closes the link for id after a negotiation error. Other links are
// not affected.
func (s *Session) failLink(id string, err error) {
	s.log.Error(err, "Negotiation failed, closing link", "peer", id)
	s.dropLink(id, false)
}
