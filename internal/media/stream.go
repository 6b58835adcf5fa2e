package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ErrMediaPermissionDenied is returned when a capture source cannot be opened.
var ErrMediaPermissionDenied = errors.New("media permission denied")

// Source names the outgoing video source.
type Source int

const (
	SourceCamera Source = iota
	SourceScreen
)

func (s Source) String() string {
	switch s {
	case SourceCamera:
		return "camera"
	case SourceScreen:
		return "screen"
	default:
		return "unknown"
	}
}

// Constraints are capture hints; capturers may ignore them.
type Constraints struct {
	Width  int
	Height int
	Audio  bool
}

// DefaultCameraConstraints asks for 1280x720 video with audio.
var DefaultCameraConstraints = Constraints{Width: 1280, Height: 720, Audio: true}

// Capturer opens local capture streams.
type Capturer interface {
	OpenCamera(ctx context.Context, c Constraints) (*Stream, error)
	OpenDisplay(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is a captured audio/video pair owned by the Manager. Peer
// connections only hold references to its tracks.
type Stream struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	videoMuted atomic.Bool
	ended      chan struct{}
	once       sync.Once
	release    func()
}

// NewStream wraps tracks; release is invoked once when the stream stops.
func NewStream(audio, video webrtc.TrackLocal, release func()) *Stream {
	return &Stream{
		Audio:   audio,
		Video:   video,
		ended:   make(chan struct{}),
		release: release,
	}
}

// Stop ends the stream. Safe to call repeatedly and from any goroutine.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		close(s.ended)
	})
}

// Ended is closed once the stream stops, whether by Stop or because the
// capture source went away.
func (s *Stream) Ended() <-chan struct{} {
	return s.ended
}

func (s *Stream) Live() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.ended:
		return false
	default:
		return true
	}
}

// MuteVideo keeps the stream alive but stops emitting video samples.
func (s *Stream) MuteVideo(muted bool) {
	s.videoMuted.Store(muted)
}

func (s *Stream) VideoMuted() bool {
	return s.videoMuted.Load()
}

// Tracks returns the non-nil tracks of the stream.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}
