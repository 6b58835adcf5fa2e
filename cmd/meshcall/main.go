// Command meshcall joins a meeting as one participant of a mesh call. Its
// camera and screen are IVF/Ogg files (or silence), and it is driven by
// commands on stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/logging"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/peer"
	redisstore "github.com/mossy-p/meshcall/internal/redis"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/mossy-p/meshcall/internal/session"
)

type options struct {
	meeting string
	token   string
	id      string
	name    string
	host    bool
	mode    string
}

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogFormat, cfg.LogLevel).WithName("meshcall")

	var opts options
	flag.StringVar(&opts.meeting, "meeting", "", "meeting id or code")
	flag.StringVar(&opts.token, "token", "", "participant token (ws relay)")
	flag.StringVar(&opts.id, "id", "", "participant id (redis relay)")
	flag.StringVar(&opts.name, "name", "", "display name")
	flag.BoolVar(&opts.host, "host", false, "join as host (redis relay)")
	flag.StringVar(&opts.mode, "relay", cfg.Relay.Mode, "relay transport: redis or ws")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.Error(err, "meshcall failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log logr.Logger) error {
	identity, meetingID, rel, cleanup, err := connectRelay(ctx, cfg, opts, log)
	if err != nil {
		return err
	}
	defer cleanup()

	api, err := peer.NewAPI(peer.APIOptions{LoggerFactory: logging.PionFactory(cfg.PionLogLevel)})
	if err != nil {
		return err
	}

	manager := media.NewManager(newCapturer(cfg, log), media.Constraints{
		Width:  cfg.Media.Width,
		Height: cfg.Media.Height,
		Audio:  true,
	}, log.WithName("media"))

	s, err := session.New(session.Config{
		Identity:  identity,
		MeetingID: meetingID,
		Relay:     rel,
		Media:     manager,
		Factory:   peer.NewPionFactory(api, webrtc.Configuration{ICEServers: cfg.ICEServers}, log.WithName("peer")),
		Observer:  printer(os.Stdout),
		Log:       log.WithName("session"),
	})
	if err != nil {
		return err
	}

	if err := s.Join(context.Background()); err != nil {
		return err
	}
	fmt.Printf("joined %s as %s (type 'help' for commands)\n", meetingID, identity.ID)

	commands := readCommands(os.Stdin)
	for {
		select {
		case <-s.Done():
			fmt.Printf("call ended: %s\n", s.Reason())
			return nil
		case <-ctx.Done():
			return leave(s)
		case line, ok := <-commands:
			if !ok {
				return leave(s)
			}
			if quit := execute(ctx, s, line, os.Stdout); quit {
				return leave(s)
			}
		}
	}
}

func leave(s *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Leave(ctx); err != nil && !errors.Is(err, session.ErrSessionClosed) {
		return err
	}
	return nil
}

// connectRelay resolves the local identity and opens the configured relay.
func connectRelay(ctx context.Context, cfg *config.Config, opts options, log logr.Logger) (session.Identity, string, relay.Relay, func(), error) {
	noop := func() {}

	switch opts.mode {
	case "ws":
		if opts.token == "" {
			return session.Identity{}, "", nil, noop, errors.New("-token is required with the ws relay")
		}
		claims, err := middleware.PeekClaims(opts.token)
		if err != nil {
			return session.Identity{}, "", nil, noop, err
		}
		identity := session.Identity{ID: claims.UserID, DisplayName: claims.DisplayName, IsHost: claims.IsHost}
		if opts.name != "" {
			identity.DisplayName = opts.name
		}
		meetingID := claims.MeetingID
		if opts.meeting != "" {
			meetingID = opts.meeting
		}
		rel := relay.NewWSRelay(cfg.Relay.URL, meetingID, opts.token, log.WithName("relay"))
		return identity, meetingID, rel, func() { _ = rel.Close() }, nil

	case "redis":
		if opts.id == "" || opts.meeting == "" {
			return session.Identity{}, "", nil, noop, errors.New("-id and -meeting are required with the redis relay")
		}
		client, err := redisstore.Connect(ctx, cfg.Redis)
		if err != nil {
			return session.Identity{}, "", nil, noop, err
		}
		cleanup := func() { _ = client.Close() }

		meeting, err := redisstore.NewMeetingStore(client).Admit(ctx, opts.meeting, opts.id)
		if err != nil {
			cleanup()
			return session.Identity{}, "", nil, noop, fmt.Errorf("join %s: %w", opts.meeting, err)
		}

		name := opts.name
		if name == "" {
			name = opts.id
		}
		identity := session.Identity{ID: opts.id, DisplayName: name, IsHost: opts.host || meeting.HostID == opts.id}
		rel := relay.NewRedisRelay(client, meeting.ID, models.PresenceRecord{ID: opts.id, DisplayName: name},
			relay.WithPresenceTTL(time.Duration(cfg.Relay.PresenceTTLSecs)*time.Second),
			relay.WithLogger(log.WithName("relay")))
		return identity, meeting.ID, rel, func() {
			_ = rel.Close()
			cleanup()
		}, nil

	default:
		return session.Identity{}, "", nil, noop, fmt.Errorf("unknown relay mode %q", opts.mode)
	}
}

func newCapturer(cfg *config.Config, log logr.Logger) media.Capturer {
	if cfg.Media.CameraVideo == "" {
		log.Info("No camera file configured, sending silence")
		return media.SilentCapturer{}
	}
	return &media.FileCapturer{
		CameraVideo:  cfg.Media.CameraVideo,
		CameraAudio:  cfg.Media.CameraAudio,
		DisplayVideo: cfg.Media.DisplayVideo,
		Log:          log.WithName("capture"),
	}
}
