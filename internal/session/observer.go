package session

import (
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
)

// EndReason says why a session ended.
type EndReason int

const (
	EndLeft EndReason = iota
	EndForced
	EndCanceled
	EndFailed
)

func (r EndReason) String() string {
	switch r {
	case EndLeft:
		return "left"
	case EndForced:
		return "ended by host"
	case EndCanceled:
		return "canceled"
	case EndFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer receives updates for the rendering layer. Callbacks run on the
// session's event loop, so they must return quickly and must not call back
// into the Session synchronously. Nil callbacks are skipped.
type Observer struct {
	OnPresence     func(participants []models.Participant)
	OnRemoteStream func(participantID string, stream peer.RemoteStream)
	OnPeerState    func(participantID string, state peer.State, unreachable bool)
	OnScreenShare  func(participantID string, sharing bool)
	OnLocalSource  func(source media.Source)
	OnSpotlight    func(spotlight Spotlight)
	OnChat         func(from, displayName, text string)
	OnPeerLeft     func(participantID string)
	OnEnded        func(reason EndReason)
	// OnAudioLevel is called from a sampling goroutine per remote audio
	// track. When it is set the session reads the inbound audio RTP itself,
	// so the rendering layer must not read those tracks.
	OnAudioLevel func(participantID string, level float64)
}

// PeerView is the rendering-layer view of one remote participant.
type PeerView struct {
	Participant   models.Participant
	State         peer.State
	Stream        peer.RemoteStream
	ScreenSharing bool
	Unreachable   bool
}

// View is a point-in-time copy of the session state.
type View struct {
	Local     models.Participant
	Source    media.Source
	Spotlight Spotlight
	Peers     map[string]PeerView
	Ended     bool
}

func (s *Session) buildView() View {
	v := View{
		Local:     models.Participant{ID: s.id.ID, DisplayName: s.id.DisplayName, IsLocal: true},
		Source:    s.media.Active(),
		Spotlight: s.spotlight,
		Peers:     make(map[string]PeerView, s.registry.Len()),
		Ended:     s.closed,
	}
	s.registry.Each(func(l *peer.Link) {
		v.Peers[l.ParticipantID] = PeerView{
			Participant:   s.participant(l.ParticipantID),
			State:         l.State(),
			Stream:        l.RemoteStream,
			ScreenSharing: l.RemoteScreenSharing,
			Unreachable:   l.Unreachable,
		}
	})
	return v
}

func (s *Session) participant(id string) models.Participant {
	name := s.names[id]
	if rec, ok := s.roster[id]; ok && rec.DisplayName != "" {
		name = rec.DisplayName
	}
	return models.Participant{ID: id, DisplayName: name}
}

func (s *Session) notifyPeerState(l *peer.Link) {
	if s.observer.OnPeerState != nil {
		s.observer.OnPeerState(l.ParticipantID, l.State(), l.Unreachable)
	}
}
