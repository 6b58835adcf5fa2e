// Package peertest provides an in-memory peer.Factory for exercising the
// negotiation protocol without a network.
package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshcall/internal/peer"
)

// MalformedSDP makes SetRemoteDescription fail when used as a description.
const MalformedSDP = "malformed"

var (
	errClosed       = errors.New("connection closed")
	errNoRemote     = errors.New("remote description not set")
	errMalformedSDP = errors.New("malformed session description")
	errNoVideoSlot  = errors.New("no video slot")
)

// Factory records every connection it creates, keyed by participant id.
type Factory struct {
	mu    sync.Mutex
	conns map[string][]*Conn
	// Fail makes NewConnection return this error for the given id.
	Fail map[string]error
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[string][]*Conn), Fail: make(map[string]error)}
}

func (f *Factory) NewConnection(participantID string, tracks peer.Tracks, events peer.Events) (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.Fail[participantID]; err != nil {
		return nil, err
	}
	c := &Conn{
		PeerID: participantID,
		Events: events,
		audio:  tracks.Audio,
		video:  tracks.Video,
		seq:    len(f.conns[participantID]),
	}
	f.conns[participantID] = append(f.conns[participantID], c)
	return c, nil
}

// Conns returns every connection created for id, oldest first.
func (f *Factory) Conns(id string) []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns[id]...)
}

// Last returns the newest connection for id, or nil.
func (f *Factory) Last(id string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[id]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// All returns every connection the factory created.
func (f *Factory) All() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conn
	for _, conns := range f.conns {
		out = append(out, conns...)
	}
	return out
}

// Conn is a fake peer.Connection. It produces descriptions whose SDP names
// the peer and the connection generation, and enforces that candidates are
// only added after a remote description.
type Conn struct {
	PeerID string
	Events peer.Events

	mu         sync.Mutex
	seq        int
	audio      webrtc.TrackLocal
	video      webrtc.TrackLocal
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	offers     int
	replaced   int
	closed     bool
}

func (c *Conn) describe(kind webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: kind, SDP: fmt.Sprintf("%s:%s:%d", kind, c.PeerID, c.seq)}
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errClosed
	}
	c.offers++
	return c.describe(webrtc.SDPTypeOffer), nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errClosed
	}
	if c.remote == nil {
		return webrtc.SessionDescription{}, errNoRemote
	}
	return c.describe(webrtc.SDPTypeAnswer), nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	c.local = &desc
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if strings.HasPrefix(desc.SDP, MalformedSDP) {
		return errMalformedSDP
	}
	c.remote = &desc
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	if c.remote == nil {
		return errNoRemote
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return errNoVideoSlot
	}
	c.video = track
	c.replaced++
	return nil
}

func (c *Conn) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video
}

func (c *Conn) AudioTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Candidates returns the applied remote candidates in order.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Replacements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaced
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// EmitCandidate fires the local candidate callback.
func (c *Conn) EmitCandidate(candidate string) {
	if c.Events.OnCandidate != nil {
		c.Events.OnCandidate(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// EmitState fires the connection state callback.
func (c *Conn) EmitState(state webrtc.PeerConnectionState) {
	if c.Events.OnStateChange != nil {
		c.Events.OnStateChange(state)
	}
}

// EmitTrack fires the remote track callback.
func (c *Conn) EmitTrack(track peer.RemoteTrack) {
	if c.Events.OnTrack != nil {
		c.Events.OnTrack(track, 0)
	}
}

// Track is a fake peer.RemoteTrack.
type Track struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return t.Stream }
func (t Track) Kind() webrtc.RTPCodecType { return t.Type }
