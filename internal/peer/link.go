// Package peer models one negotiated media connection per remote participant
// and the registry that owns them.
package peer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNegotiationFailure wraps any failure to produce or apply a
	// description or candidate. It closes only the affected link.
	ErrNegotiationFailure = errors.New("negotiation failure")
	// ErrPeerUnreachable is reported when no candidate pair succeeds.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrInvalidTransition is returned for a state change the negotiation
	// protocol does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the negotiation state of a Link.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Closed is reachable from everywhere and is not listed.
var transitions = map[State][]State{
	StateNew:           {StateOfferSent, StateOfferReceived},
	StateOfferSent:     {StateConnected},
	StateOfferReceived: {StateAnswered},
	StateAnswered:      {StateConnected},
}

func canTransition(from, to State) bool {
	if to == StateClosed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RemoteStream holds the inbound tracks of a link. Either may be nil until
// the track arrives.
type RemoteStream struct {
	Audio RemoteTrack
	Video RemoteTrack
}

// Empty reports whether no inbound track has arrived yet.
func (r RemoteStream) Empty() bool {
	return r.Audio == nil && r.Video == nil
}

// Link is the negotiation with one remote participant. It is owned by the
// session's event loop and is not safe for concurrent use.
type Link struct {
	ParticipantID       string
	Conn                Connection
	RemoteStream        RemoteStream
	RemoteScreenSharing bool
	// Unreachable is set when the connection reported failed. The link stays
	// in its last negotiation state.
	Unreachable bool

	state         State
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
}

func newLink(id string, conn Connection) *Link {
	return &Link{ParticipantID: id, Conn: conn, state: StateNew}
}

func (l *Link) State() State {
	return l.state
}

// Transition moves the link to state to.
func (l *Link) Transition(to State) error {
	if !canTransition(l.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, to)
	}
	l.state = to
	return nil
}

// RemoteDescriptionSet reports whether candidates are applied directly.
func (l *Link) RemoteDescriptionSet() bool {
	return l.remoteDescSet
}

// Pending returns the number of buffered candidates.
func (l *Link) Pending() int {
	return len(l.pending)
}

// TakePending removes and returns the buffered candidates.
func (l *Link) TakePending() []webrtc.ICECandidateInit {
	pending := l.pending
	l.pending = nil
	return pending
}

// AddCandidate applies c, or buffers it until the remote description is set.
func (l *Link) AddCandidate(c webrtc.ICECandidateInit) error {
	if l.state == StateClosed {
		return nil
	}
	if !l.remoteDescSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.Conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiationFailure, err)
	}
	return nil
}

// SetRemoteDescription applies desc and then flushes buffered candidates in
// the order they were received.
func (l *Link) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.Conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiationFailure, desc.Type, err)
	}
	l.remoteDescSet = true

	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.Conn.AddICECandidate(c); err != nil {
			return fmt.Errorf("%w: add buffered candidate: %v", ErrNegotiationFailure, err)
		}
	}
	return nil
}

// close releases the connection. Local tracks are left running.
func (l *Link) close() error {
	l.state = StateClosed
	l.pending = nil
	l.RemoteStream = RemoteStream{}
	l.RemoteScreenSharing = false
	if l.Conn == nil {
		return nil
	}
	return l.Conn.Close()
}
