package peer

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	pionlog "github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshcall/internal/media"
)

// Connection is the negotiation endpoint behind one Link.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// ReplaceVideoTrack swaps the outgoing video without renegotiating.
	ReplaceVideoTrack(webrtc.TrackLocal) error
	VideoTrack() webrtc.TrackLocal
	// Close releases the connection. It never stops the local tracks.
	Close() error
}

// Tracks are the outgoing tracks attached to a new connection.
type Tracks struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

// RemoteTrack is the part of *webrtc.TrackRemote the session looks at.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Events are connection callbacks. They fire on pion goroutines.
type Events struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnTrack       func(track RemoteTrack, audioLevelExt uint8)
	OnStateChange func(webrtc.PeerConnectionState)
}

// Factory creates connections for new links.
type Factory interface {
	NewConnection(participantID string, tracks Tracks, events Events) (Connection, error)
}

// APIOptions configures the pion API shared by every connection of a session.
type APIOptions struct {
	LoggerFactory pionlog.LoggerFactory
	// Configure is applied to the setting engine last, e.g. to attach a
	// virtual network in tests.
	Configure func(*webrtc.SettingEngine)
}

// NewAPI builds a pion API with the default codecs, the audio level header
// extension, default interceptors and periodic keyframe requests.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: media.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	i.Add(pli)

	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Configure != nil {
		opts.Configure(&se)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// PionFactory creates pion peer connections.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    logr.Logger
}

func NewPionFactory(api *webrtc.API, config webrtc.Configuration, log logr.Logger) *PionFactory {
	return &PionFactory{api: api, config: config, log: log}
}

func (f *PionFactory) NewConnection(participantID string, tracks Tracks, events Events) (Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	c := &pionConnection{pc: pc}

	if err := c.attach(webrtc.RTPCodecTypeAudio, tracks.Audio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := c.attach(webrtc.RTPCodecTypeVideo, tracks.Video); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || events.OnCandidate == nil {
			return
		}
		events.OnCandidate(candidate.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f.log.V(1).Info("Remote track", "peer", participantID, "kind", track.Kind().String(), "track", track.ID())
		if events.OnTrack != nil {
			events.OnTrack(track, audioLevelExtension(receiver))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		f.log.V(1).Info("Connection state", "peer", participantID, "state", state.String())
		if events.OnStateChange != nil {
			events.OnStateChange(state)
		}
	})

	return c, nil
}

func audioLevelExtension(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == media.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

type pionConnection struct {
	pc    *webrtc.PeerConnection
	video *webrtc.RTPSender
}

// attach adds track, or a receive-only transceiver when there is no track.
func (c *pionConnection) attach(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	if track == nil {
		_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		return nil
	}

	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	if kind == webrtc.RTPCodecTypeVideo {
		c.video = sender
	}

	// Read incoming RTCP so interceptors can process NACKs and reports
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

var errNoVideoSender = errors.New("connection has no video sender")

func (c *pionConnection) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	if c.video == nil {
		return errNoVideoSender
	}
	return c.video.ReplaceTrack(track)
}

func (c *pionConnection) VideoTrack() webrtc.TrackLocal {
	if c.video == nil {
		return nil
	}
	return c.video.Track()
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}
