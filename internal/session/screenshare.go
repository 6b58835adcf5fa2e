package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
)

// ErrShareInProgress is returned while a display capture is being acquired.
var ErrShareInProgress = errors.New("screen share acquisition in progress")

// ToggleScreenShare switches the outgoing video between camera and screen on
// every link without renegotiating. Turning sharing on waits for the display
// capture while the event loop keeps handling signals; if it fails the
// camera stays active and the error wraps media.ErrMediaPermissionDenied.
func (s *Session) ToggleScreenShare(ctx context.Context) error {
	var sharing, busy bool
	err := s.call(func() {
		sharing = s.media.Active() == media.SourceScreen
		busy = s.acquiring
		if !sharing && !busy {
			s.acquiring = true
		}
	})
	switch {
	case err != nil:
		return err
	case busy:
		return ErrShareInProgress
	case sharing:
		return s.call(s.stopSharing)
	}

	screen, acquireErr := s.media.AcquireScreen(ctx)
	err = s.call(func() {
		s.acquiring = false
		if acquireErr == nil {
			s.startSharing(screen)
		}
	})
	if err != nil {
		if screen != nil {
			screen.Stop()
		}
		return err
	}
	if acquireErr != nil {
		s.log.Info("Screen share not started", "error", acquireErr.Error())
		return fmt.Errorf("toggle screen share: %w", acquireErr)
	}
	return nil
}

func (s *Session) startSharing(screen *media.Stream) {
	s.media.ActivateScreen(screen)
	s.replaceVideo(screen.Video)
	s.enqueue(models.SignalMessage{Type: models.SignalTypeScreenToggle, Sharing: true})
	s.notifySource()
	s.log.Info("Screen share started", "links", s.registry.Len())

	// Stopping the capture outside the session reverts to the camera
	go func() {
		select {
		case <-screen.Ended():
			s.post(func() {
				if s.media.Screen() == screen {
					s.log.Info("Screen capture ended")
					s.stopSharing()
				}
			})
		case <-s.closing:
		}
	}()
}

func (s *Session) stopSharing() {
	screen, err := s.media.RevertToCamera()
	if err != nil {
		return
	}
	s.replaceVideo(s.media.OutgoingVideo())
	s.enqueue(models.SignalMessage{Type: models.SignalTypeScreenToggle, Sharing: false})
	screen.Stop()
	s.notifySource()
	s.log.Info("Screen share stopped")
}

// replaceVideo swaps the video sender track on every open link. A link that
// fails the swap is closed so it cannot keep sending the old track.
func (s *Session) replaceVideo(track webrtc.TrackLocal) {
	var failed []string
	s.registry.Each(func(l *peer.Link) {
		if err := l.Conn.ReplaceVideoTrack(track); err != nil {
			s.log.Error(err, "Failed to replace video track", "peer", l.ParticipantID)
			failed = append(failed, l.ParticipantID)
		}
	})
	for _, id := range failed {
		s.dropLink(id, false)
	}
}

func (s *Session) notifySource() {
	if s.observer.OnLocalSource != nil {
		s.observer.OnLocalSource(s.media.Active())
	}
}
