package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/meshcall/internal/models"
)

const (
	wsHandshakeTimeout = 5 * time.Second
	wsWriteWait        = 10 * time.Second
)

// WSRelay reaches the relay server's websocket bridge. The server owns the
// presence record for the connection; subscribing dials, unsubscribing hangs up.
type WSRelay struct {
	baseURL   string
	meetingID string
	token     string
	log       logr.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	sub    *wsSub
	closed bool
}

func NewWSRelay(baseURL, meetingID, token string, log logr.Logger) *WSRelay {
	return &WSRelay{
		baseURL:   baseURL,
		meetingID: meetingID,
		token:     token,
		log:       log,
	}
}

func (r *WSRelay) endpoint() (string, error) {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", r.baseURL, err)
	}
	u.Path = "/ws/signal/" + url.PathEscape(r.meetingID)
	q := u.Query()
	q.Set("token", r.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *WSRelay) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRelayUnavailable
	}
	if r.sub != nil {
		return nil, fmt.Errorf("relay already subscribed")
	}

	endpoint, err := r.endpoint()
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = wsHandshakeTimeout

	conn, resp, err := dialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: websocket dial error: %v (status: %s)", ErrRelayUnavailable, err, resp.Status)
		}
		return nil, fmt.Errorf("%w: websocket dial error: %v", ErrRelayUnavailable, err)
	}

	r.conn = conn
	r.sub = &wsSub{relay: r, handler: h, done: make(chan struct{})}
	go r.sub.readLoop(conn)

	return r.sub, nil
}

func (r *WSRelay) Publish(ctx context.Context, msg models.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.conn == nil {
		return ErrRelayUnavailable
	}

	payload, err := json.Marshal(Frame{Kind: FrameKindSignal, Message: &msg})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.conn.SetWriteDeadline(deadline)
	if err := r.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// hangup closes the connection if it is still the current one.
func (r *WSRelay) hangup(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != conn {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	r.conn = nil
	r.sub = nil
}

func (r *WSRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	sub := r.sub
	r.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

type wsSub struct {
	relay   *WSRelay
	handler Handler
	done    chan struct{}
	once    sync.Once
}

func (s *wsSub) readLoop(conn *websocket.Conn) {
	defer close(s.done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.relay.log.Error(err, "Relay websocket read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.relay.log.Info("Failed to parse relay frame", "error", err.Error())
			continue
		}

		switch frame.Kind {
		case FrameKindPresence:
			s.handler.presence(frame.Roster)
		case FrameKindSignal:
			if frame.Message != nil {
				s.handler.message(*frame.Message)
			}
		default:
			s.relay.log.Info("Unknown relay frame kind", "kind", frame.Kind)
		}
	}
}

func (s *wsSub) Unsubscribe() error {
	s.once.Do(func() {
		s.relay.mu.Lock()
		conn := s.relay.conn
		s.relay.mu.Unlock()
		if conn != nil {
			s.relay.hangup(conn)
			<-s.done
		}
	})
	return nil
}
