package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	"github.com/mossy-p/meshcall/internal/peer/peertest"
	"github.com/mossy-p/meshcall/internal/relay"
)

const (
	testMeeting = "meeting-1"
	waitFor     = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// capturer hands out silent streams and can refuse either source.
type capturer struct {
	media.SilentCapturer
	denyCamera  bool
	denyDisplay bool
}

func (c capturer) OpenCamera(ctx context.Context, cons media.Constraints) (*media.Stream, error) {
	if c.denyCamera {
		return nil, media.ErrMediaPermissionDenied
	}
	return c.SilentCapturer.OpenCamera(ctx, cons)
}

func (c capturer) OpenDisplay(ctx context.Context, cons media.Constraints) (*media.Stream, error) {
	if c.denyDisplay {
		return nil, media.ErrMediaPermissionDenied
	}
	return c.SilentCapturer.OpenDisplay(ctx, cons)
}

type recorder struct {
	mu         sync.Mutex
	spotlights []Spotlight
	shares     map[string]bool
	chats      []string
	left       []string
	streams    map[string]peer.RemoteStream
	ended      []EndReason
}

func newRecorder() *recorder {
	return &recorder{shares: make(map[string]bool), streams: make(map[string]peer.RemoteStream)}
}

func (r *recorder) observer() Observer {
	return Observer{
		OnSpotlight: func(s Spotlight) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.spotlights = append(r.spotlights, s)
		},
		OnScreenShare: func(id string, sharing bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.shares[id] = sharing
		},
		OnChat: func(_, name, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chats = append(r.chats, name+": "+text)
		},
		OnPeerLeft: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.left = append(r.left, id)
		},
		OnRemoteStream: func(id string, stream peer.RemoteStream) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams[id] = stream
		},
		OnEnded: func(reason EndReason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended = append(r.ended, reason)
		},
	}
}

func (r *recorder) sharing(id string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.shares[id]
	return v, ok
}

func (r *recorder) chatLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chats...)
}

func (r *recorder) lastSpotlight() (Spotlight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spotlights) == 0 {
		return Spotlight{}, false
	}
	return r.spotlights[len(r.spotlights)-1], true
}

func (r *recorder) leftPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.left...)
}

func (r *recorder) endings() []EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EndReason(nil), r.ended...)
}

// member is a real session wired to a fake connection factory.
type member struct {
	*Session
	id      string
	factory *peertest.Factory
	media   *media.Manager
	rec     *recorder
}

func newMember(t *testing.T, hub *relay.Hub, id string, host bool, c media.Capturer) *member {
	t.Helper()

	name := strings.ToUpper(id)
	m := &member{
		id:      id,
		factory: peertest.NewFactory(),
		media:   media.NewManager(c, media.DefaultCameraConstraints, logr.Discard()),
		rec:     newRecorder(),
	}

	s, err := New(Config{
		Identity:  Identity{ID: id, DisplayName: name, IsHost: host},
		MeetingID: testMeeting,
		Relay:     hub.Join(testMeeting, models.PresenceRecord{ID: id, DisplayName: name}),
		Media:     m.media,
		Factory:   m.factory,
		Observer:  m.rec.observer(),
		Log:       logr.Discard(),
	})
	require.NoError(t, err)
	m.Session = s

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Leave(ctx)
	})
	return m
}

func joinMember(t *testing.T, hub *relay.Hub, id string, host bool) *member {
	t.Helper()
	m := newMember(t, hub, id, host, capturer{})
	require.NoError(t, m.Join(context.Background()))
	return m
}

func (m *member) peer(id string) (PeerView, bool) {
	v, ok := m.Snapshot().Peers[id]
	return v, ok
}

func (m *member) waitState(t *testing.T, id string, states ...peer.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := m.peer(id)
		if !ok {
			return false
		}
		for _, s := range states {
			if v.State == s {
				return true
			}
		}
		return false
	}, waitFor, tick, "%s never reached %v toward %s", m.id, states, id)
}

func (m *member) waitGone(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := m.peer(id)
		return !ok
	}, waitFor, tick, "%s still linked to %s", m.id, id)
}

// settle drives every pair to Connected, reporting the answerer's
// connection as connected the way pion would.
func settle(t *testing.T, members ...*member) {
	t.Helper()
	for _, m := range members {
		for _, other := range members {
			if m == other {
				continue
			}
			m.waitState(t, other.id, peer.StateAnswered, peer.StateConnected)
			if v, _ := m.peer(other.id); v.State == peer.StateAnswered {
				m.factory.Last(other.id).EmitState(webrtc.PeerConnectionStateConnected)
			}
			m.waitState(t, other.id, peer.StateConnected)
		}
	}
}

// puppet is a bare relay participant that sends raw signals and records
// what it receives.
type puppet struct {
	id    string
	relay *relay.MemoryRelay
	sub   relay.Subscription

	mu   sync.Mutex
	msgs []models.SignalMessage
}

func newPuppet(t *testing.T, hub *relay.Hub, id string) *puppet {
	t.Helper()

	p := &puppet{id: id, relay: hub.Join(testMeeting, models.PresenceRecord{ID: id, DisplayName: strings.ToUpper(id)})}
	sub, err := p.relay.Subscribe(context.Background(), relay.Handler{
		OnMessage: func(msg models.SignalMessage) {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.msgs = append(p.msgs, msg)
		},
	})
	require.NoError(t, err)
	p.sub = sub
	t.Cleanup(func() { _ = p.relay.Close() })
	return p
}

func (p *puppet) send(t *testing.T, msg models.SignalMessage) {
	t.Helper()
	msg.From = p.id
	require.NoError(t, p.relay.Publish(context.Background(), msg))
}

func (p *puppet) ready(t *testing.T) {
	p.send(t, models.SignalMessage{Type: models.SignalTypeReady})
}

func (p *puppet) offer(t *testing.T, to, sdp string) {
	p.send(t, models.SignalMessage{
		Type: models.SignalTypeOffer,
		To:   to,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp},
	})
}

func (p *puppet) answer(t *testing.T, to, sdp string) {
	p.send(t, models.SignalMessage{
		Type: models.SignalTypeAnswer,
		To:   to,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp},
	})
}

func (p *puppet) candidate(t *testing.T, to, candidate string) {
	p.send(t, models.SignalMessage{
		Type:      models.SignalTypeCandidate,
		To:        to,
		Candidate: &webrtc.ICECandidateInit{Candidate: candidate},
	})
}

// barrier sends a chat and waits until m has seen it, so every signal the
// puppet sent before it has been handled.
func (p *puppet) barrier(t *testing.T, m *member) {
	t.Helper()
	token := "barrier-" + time.Now().Format(time.RFC3339Nano)
	p.send(t, models.SignalMessage{Type: models.SignalTypeChat, Text: token})
	require.Eventually(t, func() bool {
		for _, line := range m.rec.chatLines() {
			if strings.HasSuffix(line, token) {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

// received returns the messages of type typ addressed to the puppet or
// broadcast.
func (p *puppet) received(typ models.SignalType) []models.SignalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []models.SignalMessage
	for _, msg := range p.msgs {
		if msg.Type == typ && msg.From != p.id && msg.AddressedTo(p.id) {
			out = append(out, msg)
		}
	}
	return out
}

// seen returns every message of type typ sent by someone else, whoever it
// was addressed to.
func (p *puppet) seen(typ models.SignalType) []models.SignalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []models.SignalMessage
	for _, msg := range p.msgs {
		if msg.Type == typ && msg.From != p.id {
			out = append(out, msg)
		}
	}
	return out
}

func timeout() <-chan time.Time {
	return time.After(waitFor)
}

func (p *puppet) waitReceived(t *testing.T, typ models.SignalType, n int) []models.SignalMessage {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.received(typ)) >= n
	}, waitFor, tick, "%s never got %d %s", p.id, n, typ)
	return p.received(typ)
}

func candidateNames(cs []webrtc.ICECandidateInit) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Candidate)
	}
	return out
}
