package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

// FileCapturer plays IVF (VP8) and Ogg (Opus) files as capture sources.
// The camera loops forever; the display stream ends when its file does,
// which looks to the session like the user stopping the share.
type FileCapturer struct {
	CameraVideo  string
	CameraAudio  string
	DisplayVideo string
	Log          logr.Logger
}

func (c *FileCapturer) OpenCamera(ctx context.Context, cons Constraints) (*Stream, error) {
	if err := checkReadable(c.CameraVideo); err != nil {
		return nil, err
	}
	if cons.Audio && c.CameraAudio != "" {
		if err := checkReadable(c.CameraAudio); err != nil {
			return nil, err
		}
	}

	video, err := newVideoTrack("camera")
	if err != nil {
		return nil, err
	}

	var audio *webrtc.TrackLocalStaticSample
	if cons.Audio {
		if audio, err = newAudioTrack("camera"); err != nil {
			return nil, err
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	stream := NewStream(nil, video, cancel)
	if audio != nil {
		stream.Audio = audio
	}

	go c.runPump("camera video", func() error {
		return pumpIVF(pumpCtx, c.CameraVideo, video, stream.VideoMuted, true)
	})
	if audio != nil && c.CameraAudio != "" {
		go c.runPump("camera audio", func() error {
			return pumpOgg(pumpCtx, c.CameraAudio, audio, true)
		})
	}
	return stream, nil
}

func (c *FileCapturer) OpenDisplay(ctx context.Context, _ Constraints) (*Stream, error) {
	if err := checkReadable(c.DisplayVideo); err != nil {
		return nil, err
	}

	video, err := newVideoTrack("screen")
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	stream := NewStream(nil, video, cancel)

	go func() {
		c.runPump("display video", func() error {
			return pumpIVF(pumpCtx, c.DisplayVideo, video, func() bool { return false }, false)
		})
		// Running out of frames is the file equivalent of the user
		// pressing "stop sharing".
		stream.Stop()
	}()
	return stream, nil
}

func (c *FileCapturer) runPump(name string, pump func() error) {
	if err := pump(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		c.Log.Error(err, "Media pump stopped", "source", name)
	}
}

func checkReadable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no source configured", ErrMediaPermissionDenied)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMediaPermissionDenied, path, err)
	}
	return nil
}

func newVideoTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}
	return track, nil
}

func newAudioTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return track, nil
}

// pumpIVF writes IVF frames to track at the file's frame rate. Frames are
// read but not written while muted reports true.
func pumpIVF(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, muted func() bool, loop bool) error {
	for {
		err := playIVF(ctx, path, track, muted)
		if !loop || !errors.Is(err, io.EOF) {
			return err
		}
	}
}

func playIVF(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, muted func() bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}

	frameDuration := time.Second / 30
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameDuration = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return err
		}
		if muted() {
			continue
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("write video sample: %w", err)
		}
	}
}

func pumpOgg(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample, loop bool) error {
	for {
		err := playOgg(ctx, path, track)
		if !loop || !errors.Is(err, io.EOF) {
			return err
		}
	}
}

func playOgg(ctx context.Context, path string, track *webrtc.TrackLocalStaticSample) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return fmt.Errorf("write audio sample: %w", err)
		}
	}
}

// SilentCapturer hands out tracks that never carry samples. Participants
// without capture hardware use it to join receive-only while still
// negotiating send slots.
type SilentCapturer struct{}

func (SilentCapturer) OpenCamera(ctx context.Context, cons Constraints) (*Stream, error) {
	video, err := newVideoTrack("camera")
	if err != nil {
		return nil, err
	}
	stream := NewStream(nil, video, nil)
	if cons.Audio {
		audio, err := newAudioTrack("camera")
		if err != nil {
			return nil, err
		}
		stream.Audio = audio
	}
	return stream, nil
}

func (SilentCapturer) OpenDisplay(ctx context.Context, _ Constraints) (*Stream, error) {
	video, err := newVideoTrack("screen")
	if err != nil {
		return nil, err
	}
	return NewStream(nil, video, nil), nil
}
