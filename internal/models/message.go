package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of mesh signaling message
type SignalType string

const (
	SignalTypeReady        SignalType = "ready"
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeCandidate    SignalType = "candidate"
	SignalTypeScreenToggle SignalType = "screen-toggle"
	SignalTypeChat         SignalType = "chat"
	SignalTypeLeave        SignalType = "leave"
	SignalTypeForceEnd     SignalType = "force-end"
	SignalTypeError        SignalType = "error"
)

// LocalID is the participant id used to refer to the local participant in
// view-level selections.
const LocalID = "local"

var ErrInvalidMessage = errors.New("invalid signal message")

// SignalMessage is the envelope carried over the relay's signaling feed.
// A message with To set is meant for that participant only.
type SignalMessage struct {
	Type        SignalType                 `json:"type"`
	From        string                     `json:"from,omitempty"`
	To          string                     `json:"to,omitempty"`
	MeetingID   string                     `json:"meetingId,omitempty"`
	DisplayName string                     `json:"displayName,omitempty"`
	SDP         *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Sharing     bool                       `json:"sharing,omitempty"`
	Text        string                     `json:"text,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// AddressedTo reports whether participantID should act on msg.
func (m SignalMessage) AddressedTo(participantID string) bool {
	return m.To == "" || m.To == participantID
}

// Validate checks that the fields required by the message type are present.
func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidMessage, m.Type)
		}
		if m.To == "" {
			return fmt.Errorf("%w: %s without recipient", ErrInvalidMessage, m.Type)
		}
	case SignalTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrInvalidMessage)
		}
		if m.To == "" {
			return fmt.Errorf("%w: candidate without recipient", ErrInvalidMessage)
		}
	case SignalTypeReady, SignalTypeScreenToggle, SignalTypeChat, SignalTypeLeave, SignalTypeForceEnd, SignalTypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Participant is one member of a call as seen by a session.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsLocal     bool   `json:"isLocal"`
}

// PresenceRecord is a room-membership record on the relay's presence feed.
type PresenceRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	JoinedAt    time.Time `json:"joinedAt"`
	// LastSeen is refreshed by every heartbeat; a record older than the
	// relay's presence TTL belongs to a participant that went away silently.
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Roster maps participant ids to their presence record.
type Roster map[string]PresenceRecord

// IDs returns the set of participant ids in the roster, excluding exclude.
func (r Roster) IDs(exclude string) map[string]struct{} {
	ids := make(map[string]struct{}, len(r))
	for id := range r {
		if id == exclude {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids
}

// Clone returns a copy that can be handed to another goroutine.
func (r Roster) Clone() Roster {
	out := make(Roster, len(r))
	for id, rec := range r {
		out[id] = rec
	}
	return out
}
