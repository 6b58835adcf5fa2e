package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
)

var errScreenNotActive = errors.New("screen share not active")

// Manager owns the local camera/microphone stream and the optional screen
// stream, and tracks which one feeds the outgoing video slot.
type Manager struct {
	capturer    Capturer
	constraints Constraints
	log         logr.Logger

	mu     sync.Mutex
	camera *Stream
	screen *Stream
	active Source
}

func NewManager(capturer Capturer, constraints Constraints, log logr.Logger) *Manager {
	return &Manager{
		capturer:    capturer,
		constraints: constraints,
		log:         log,
	}
}

// Start acquires camera and microphone. Calling it again once the camera
// is live is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.camera.Live() {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	stream, err := m.capturer.OpenCamera(ctx, m.constraints)
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}

	m.mu.Lock()
	m.camera = stream
	m.active = SourceCamera
	m.mu.Unlock()

	m.log.V(1).Info("Camera acquired", "width", m.constraints.Width, "height", m.constraints.Height)
	return nil
}

func (m *Manager) Camera() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera
}

func (m *Manager) Screen() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

func (m *Manager) Active() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// OutgoingVideo is the track every peer link should be sending.
func (m *Manager) OutgoingVideo() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == SourceScreen && m.screen != nil {
		return m.screen.Video
	}
	if m.camera != nil {
		return m.camera.Video
	}
	return nil
}

// OutgoingAudio is the microphone track; screen audio is not mixed in.
func (m *Manager) OutgoingAudio() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.camera != nil {
		return m.camera.Audio
	}
	return nil
}

// AcquireScreen opens a display capture without activating it. It may block
// on the capturer for as long as the user takes to pick a source.
func (m *Manager) AcquireScreen(ctx context.Context) (*Stream, error) {
	stream, err := m.capturer.OpenDisplay(ctx, Constraints{Audio: true})
	if err != nil {
		return nil, fmt.Errorf("open display: %w", err)
	}
	if stream.Video == nil {
		stream.Stop()
		return nil, fmt.Errorf("%w: display stream has no video", ErrMediaPermissionDenied)
	}
	return stream, nil
}

// ActivateScreen makes s the outgoing video source. The camera stays open
// with its video muted so it can be restored without a new permission grant.
func (m *Manager) ActivateScreen(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.screen = s
	m.active = SourceScreen
	if m.camera != nil {
		m.camera.MuteVideo(true)
	}
}

// RevertToCamera restores the camera as the outgoing source and returns the
// screen stream, which the caller stops once no link references it.
func (m *Manager) RevertToCamera() (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != SourceScreen {
		return nil, errScreenNotActive
	}
	screen := m.screen
	m.screen = nil
	m.active = SourceCamera
	if m.camera != nil {
		m.camera.MuteVideo(false)
	}
	return screen, nil
}

// StopAll stops every local stream. Idempotent, and safe before Start.
func (m *Manager) StopAll() {
	m.mu.Lock()
	camera, screen := m.camera, m.screen
	m.screen = nil
	m.active = SourceCamera
	m.mu.Unlock()

	screen.Stop()
	camera.Stop()
}

// LiveStreams counts the local streams that are still capturing.
func (m *Manager) LiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	if m.camera.Live() {
		n++
	}
	if m.screen.Live() {
		n++
	}
	return n
}
