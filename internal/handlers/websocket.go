package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/juju/ratelimit"

	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	publishTimeout = 5 * time.Second
	maxFrameSize   = 64 * 1024

	// relaySender is the From of errors the bridge reports to its client
	relaySender = "relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by the CORS middleware
		return true
	},
}

// Client is one participant connected to the websocket bridge. Its
// presence and signals go through a Redis relay of its own.
type Client struct {
	ID        string
	MeetingID string
	IsHost    bool
	Conn      *websocket.Conn
	Send      chan []byte

	relay   *relay.RedisRelay
	limiter *ratelimit.Bucket
	log     logr.Logger
}

// HandleSignal upgrades a participant holding a meeting token and bridges
// its websocket onto the meeting's Redis relay.
func (h *Handler) HandleSignal(c *gin.Context) {
	identifier := c.Param("meetingId")

	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}

	claims, err := middleware.ParseToken(h.jwtSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	meeting, err := h.meetings.Admit(c.Request.Context(), identifier, claims.UserID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if claims.MeetingID != meeting.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Token is not valid for this meeting"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error(err, "Failed to upgrade connection")
		return
	}

	log := h.log.WithValues("meeting", meeting.ID, "participant", claims.UserID)
	client := &Client{
		ID:        claims.UserID,
		MeetingID: meeting.ID,
		IsHost:    meeting.HostID == claims.UserID,
		Conn:      conn,
		Send:      make(chan []byte, 256),
		relay: relay.NewRedisRelay(h.client, meeting.ID, models.PresenceRecord{
			ID:          claims.UserID,
			DisplayName: claims.DisplayName,
		}, relay.WithPresenceTTL(h.presenceTTL), relay.WithLogger(log)),
		log: log,
	}
	if h.signalRate > 0 && h.signalBurst > 0 {
		client.limiter = ratelimit.NewBucketWithRate(h.signalRate, h.signalBurst)
	}

	go client.writePump()

	sub, err := client.relay.Subscribe(c.Request.Context(), relay.Handler{
		OnPresence: client.forwardPresence,
		OnMessage:  client.forwardSignal,
	})
	if err != nil {
		log.Error(err, "Failed to join relay")
		close(client.Send)
		return
	}

	log.Info("Participant connected", "host", client.IsHost)
	client.readPump()

	// No callbacks run once Unsubscribe returns, so Send can be closed
	if err := sub.Unsubscribe(); err != nil {
		log.Error(err, "Failed to leave relay")
	}
	_ = client.relay.Close()
	close(client.Send)
	log.Info("Participant disconnected")
}

func (c *Client) forwardPresence(roster models.Roster) {
	c.sendFrame(relay.Frame{Kind: relay.FrameKindPresence, Roster: roster})
}

// forwardSignal passes on what the participant should act on. Its own
// echoes and messages addressed to others are not sent.
func (c *Client) forwardSignal(msg models.SignalMessage) {
	if msg.From == c.ID || !msg.AddressedTo(c.ID) {
		return
	}
	c.sendFrame(relay.Frame{Kind: relay.FrameKindSignal, Message: &msg})
}

func (c *Client) reject(reason string) {
	c.sendFrame(relay.Frame{Kind: relay.FrameKindSignal, Message: &models.SignalMessage{
		Type:      models.SignalTypeError,
		From:      relaySender,
		To:        c.ID,
		MeetingID: c.MeetingID,
		Error:     reason,
	}})
}

func (c *Client) sendFrame(frame relay.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error(err, "Failed to marshal frame")
		return
	}

	select {
	case c.Send <- data:
	default:
		c.log.Info("Dropping frame, buffer full", "kind", frame.Kind)
	}
}

func (c *Client) readPump() {
	defer c.Conn.Close()

	c.Conn.SetReadLimit(maxFrameSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error(err, "WebSocket error")
			}
			return
		}

		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Kind != relay.FrameKindSignal || frame.Message == nil {
			c.log.Info("Dropping malformed frame")
			continue
		}

		if c.limiter != nil && c.limiter.TakeAvailable(1) == 0 {
			c.reject("rate limit exceeded")
			continue
		}

		// The bridge is the authority on who sent a message
		msg := *frame.Message
		msg.From = c.ID
		msg.MeetingID = c.MeetingID

		if err := c.authorize(msg); err != nil {
			c.reject(err.Error())
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = c.relay.Publish(ctx, msg)
		cancel()
		if err != nil {
			c.log.Error(err, "Failed to publish signal", "type", msg.Type)
		}
	}
}

func (c *Client) authorize(msg models.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Type {
	case models.SignalTypeForceEnd:
		if !c.IsHost {
			return errors.New("only the host can end the meeting")
		}
	case models.SignalTypeError:
		return errors.New("error messages are reserved for the relay")
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Info("Failed to write message", "error", err.Error())
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
