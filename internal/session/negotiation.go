package session

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
)

func (s *Session) handleMessage(msg models.SignalMessage) {
	// Echoes of our own broadcasts and messages for someone else
	if msg.From == "" || msg.From == s.id.ID || !msg.AddressedTo(s.id.ID) {
		return
	}
	if err := msg.Validate(); err != nil {
		s.log.Info("Dropping invalid signal", "from", msg.From, "error", err.Error())
		return
	}
	if msg.DisplayName != "" {
		s.names[msg.From] = msg.DisplayName
	}

	switch msg.Type {
	case models.SignalTypeReady:
		s.onReady(msg.From)
	case models.SignalTypeOffer:
		s.onOffer(msg.From, *msg.SDP)
	case models.SignalTypeAnswer:
		s.onAnswer(msg.From, *msg.SDP)
	case models.SignalTypeCandidate:
		s.onRemoteCandidate(msg.From, *msg.Candidate)
	case models.SignalTypeScreenToggle:
		s.onScreenToggle(msg.From, msg.Sharing)
	case models.SignalTypeChat:
		if s.observer.OnChat != nil {
			s.observer.OnChat(msg.From, s.participant(msg.From).DisplayName, msg.Text)
		}
	case models.SignalTypeLeave:
		s.log.Info("Peer left", "peer", msg.From)
		s.dropLink(msg.From, true)
		s.clearSpotlightFor(msg.From)
	case models.SignalTypeForceEnd:
		s.log.Info("Meeting ended by host", "host", msg.From)
		s.shutdown(EndForced, nil)
	case models.SignalTypeError:
		s.log.Info("Relay reported an error", "error", msg.Error)
	}
}

// onReady offers to a participant that just joined. Every member already in
// the call offers to the newcomer, and the newcomer only answers.
func (s *Session) onReady(from string) {
	if l, ok := s.registry.Get(from); ok && l.State() != peer.StateNew {
		s.log.V(1).Info("Peer rejoined, replacing link", "peer", from, "state", l.State().String())
		s.dropLink(from, false)
	}

	l, _, err := s.registry.EnsureLink(from)
	if err != nil {
		s.log.Error(err, "Failed to create link", "peer", from)
		return
	}

	offer, err := l.Conn.CreateOffer()
	if err != nil {
		s.failLink(from, fmt.Errorf("%w: create offer: %v", peer.ErrNegotiationFailure, err))
		return
	}
	if err := l.Conn.SetLocalDescription(offer); err != nil {
		s.failLink(from, fmt.Errorf("%w: set local offer: %v", peer.ErrNegotiationFailure, err))
		return
	}
	if err := l.Transition(peer.StateOfferSent); err != nil {
		s.failLink(from, err)
		return
	}

	s.enqueue(models.SignalMessage{Type: models.SignalTypeOffer, To: from, SDP: &offer})
	s.notifyPeerState(l)
}

func (s *Session) onOffer(from string, sdp webrtc.SessionDescription) {
	if l, ok := s.registry.Get(from); ok {
		switch {
		case l.State() == peer.StateOfferSent && s.id.ID < from:
			// Both sides offered. The lower id keeps its offer.
			s.log.V(1).Info("Ignoring colliding offer", "peer", from)
			return
		case l.State() != peer.StateNew:
			// Candidates buffered before any remote description belong to
			// the offer being applied now.
			var carry []webrtc.ICECandidateInit
			if !l.RemoteDescriptionSet() {
				carry = l.TakePending()
			}
			s.dropLink(from, false)
			for _, c := range carry {
				s.registry.BufferEarly(from, c)
			}
		}
	}

	l, _, err := s.registry.EnsureLink(from)
	if err != nil {
		s.log.Error(err, "Failed to create link", "peer", from)
		return
	}
	if err := l.Transition(peer.StateOfferReceived); err != nil {
		s.failLink(from, err)
		return
	}
	if err := l.SetRemoteDescription(sdp); err != nil {
		s.failLink(from, err)
		return
	}

	answer, err := l.Conn.CreateAnswer()
	if err != nil {
		s.failLink(from, fmt.Errorf("%w: create answer: %v", peer.ErrNegotiationFailure, err))
		return
	}
	if err := l.Conn.SetLocalDescription(answer); err != nil {
		s.failLink(from, fmt.Errorf("%w: set local answer: %v", peer.ErrNegotiationFailure, err))
		return
	}
	if err := l.Transition(peer.StateAnswered); err != nil {
		s.failLink(from, err)
		return
	}

	s.enqueue(models.SignalMessage{Type: models.SignalTypeAnswer, To: from, SDP: &answer})
	s.notifyPeerState(l)
}

func (s *Session) onAnswer(from string, sdp webrtc.SessionDescription) {
	l, ok := s.registry.Get(from)
	if !ok || l.State() != peer.StateOfferSent {
		state := "none"
		if ok {
			state = l.State().String()
		}
		s.log.V(1).Info("Ignoring unexpected answer", "peer", from, "state", state)
		return
	}

	if err := l.SetRemoteDescription(sdp); err != nil {
		s.failLink(from, err)
		return
	}
	if err := l.Transition(peer.StateConnected); err != nil {
		s.failLink(from, err)
		return
	}
	s.notifyPeerState(l)
}

func (s *Session) onRemoteCandidate(from string, c webrtc.ICECandidateInit) {
	l, ok := s.registry.Get(from)
	if !ok {
		if !s.registry.BufferEarly(from, c) {
			s.log.Info("Dropping early candidate, queue full", "peer", from)
		}
		return
	}
	if err := l.AddCandidate(c); err != nil {
		s.failLink(from, err)
	}
}

func (s *Session) onScreenToggle(from string, sharing bool) {
	l, ok := s.registry.Get(from)
	if !ok {
		return
	}
	l.RemoteScreenSharing = sharing
	if s.observer.OnScreenShare != nil {
		s.observer.OnScreenShare(from, sharing)
	}
}

// linkEvents builds the connection callbacks for a new link to id. Each
// callback carries the link generation so events from a replaced
// connection are discarded.
func (s *Session) linkEvents(id string) peer.Events {
	s.nextGen++
	gen := s.nextGen
	s.gens[id] = gen

	return peer.Events{
		OnCandidate: func(c webrtc.ICECandidateInit) {
			s.post(func() { s.onLocalCandidate(id, gen, c) })
		},
		OnTrack: func(track peer.RemoteTrack, audioLevelExt uint8) {
			s.post(func() { s.onTrack(id, gen, track, audioLevelExt) })
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			s.post(func() { s.onConnectionState(id, gen, state) })
		},
	}
}

func (s *Session) current(id string, gen uint64) (*peer.Link, bool) {
	if s.gens[id] != gen {
		return nil, false
	}
	return s.registry.Get(id)
}

func (s *Session) onLocalCandidate(id string, gen uint64, c webrtc.ICECandidateInit) {
	if _, ok := s.current(id, gen); !ok {
		return
	}
	s.enqueue(models.SignalMessage{Type: models.SignalTypeCandidate, To: id, Candidate: &c})
}

func (s *Session) onConnectionState(id string, gen uint64, state webrtc.PeerConnectionState) {
	l, ok := s.current(id, gen)
	if !ok {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.Unreachable = false
		if l.State() == peer.StateAnswered {
			_ = l.Transition(peer.StateConnected)
		}
	case webrtc.PeerConnectionStateFailed:
		// The link stays where it is; the rendering layer shows it as failed
		l.Unreachable = true
		s.log.Info("Peer unreachable", "peer", id, "state", l.State().String(), "error", peer.ErrPeerUnreachable.Error())
	default:
		return
	}
	s.notifyPeerState(l)
}

func (s *Session) onTrack(id string, gen uint64, track peer.RemoteTrack, audioLevelExt uint8) {
	l, ok := s.current(id, gen)
	if !ok {
		return
	}

	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		l.RemoteStream.Audio = track
		s.startMeter(id, track, audioLevelExt)
	case webrtc.RTPCodecTypeVideo:
		l.RemoteStream.Video = track
	default:
		return
	}

	if s.observer.OnRemoteStream != nil {
		s.observer.OnRemoteStream(id, l.RemoteStream)
	}
}

func (s *Session) startMeter(id string, track peer.RemoteTrack, extID uint8) {
	report := s.observer.OnAudioLevel
	reader, ok := track.(media.RTPReader)
	if report == nil || !ok || extID == 0 {
		return
	}
	if cancel, ok := s.meters[id]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.meters[id] = cancel

	meter := media.NewLevelMeter(extID)
	go func() {
		_ = meter.Consume(ctx, reader)
	}()
	go meter.Sample(ctx, s.levelInterval, func(level float64) {
		report(id, level)
	})
}
