package session

import (
	"fmt"

	"github.com/mossy-p/meshcall/internal/models"
)

// SpotlightKind says what a Spotlight points at.
type SpotlightKind int

const (
	SpotlightNone SpotlightKind = iota
	SpotlightLocal
	SpotlightParticipant
)

// Spotlight is the participant pinned for enlarged display, if any.
type Spotlight struct {
	Kind          SpotlightKind
	ParticipantID string
}

func (s Spotlight) String() string {
	switch s.Kind {
	case SpotlightLocal:
		return models.LocalID
	case SpotlightParticipant:
		return s.ParticipantID
	default:
		return "none"
	}
}

// Refers reports whether the selection points at participant id.
func (s Spotlight) Refers(id string) bool {
	return s.Kind == SpotlightParticipant && s.ParticipantID == id
}

// Toggle returns the selection after pinning id: the same id clears the
// selection and any other id replaces it. models.LocalID pins the local
// participant.
func (s Spotlight) Toggle(id string) Spotlight {
	next := Spotlight{Kind: SpotlightParticipant, ParticipantID: id}
	if id == models.LocalID {
		next = Spotlight{Kind: SpotlightLocal}
	}
	if next == s {
		return Spotlight{}
	}
	return next
}

// Pin toggles the spotlight on participant id. Pinning an id that is neither
// linked nor present in the roster fails.
func (s *Session) Pin(id string) (Spotlight, error) {
	var (
		result Spotlight
		err    error
	)
	callErr := s.call(func() {
		if id != models.LocalID && !s.knows(id) {
			err = fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
			result = s.spotlight
			return
		}
		s.setSpotlight(s.spotlight.Toggle(id))
		result = s.spotlight
	})
	if callErr != nil {
		return Spotlight{}, callErr
	}
	return result, err
}

func (s *Session) knows(id string) bool {
	if _, ok := s.registry.Get(id); ok {
		return true
	}
	_, ok := s.roster[id]
	return ok && id != s.id.ID
}

func (s *Session) setSpotlight(next Spotlight) {
	if next == s.spotlight {
		return
	}
	s.spotlight = next
	if s.observer.OnSpotlight != nil {
		s.observer.OnSpotlight(next)
	}
}

// clearSpotlightFor drops the selection if it points at id.
func (s *Session) clearSpotlightFor(id string) {
	if s.spotlight.Refers(id) {
		s.setSpotlight(Spotlight{})
	}
}
