package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/mossy-p/meshcall/internal/models"
	rediskeys "github.com/mossy-p/meshcall/internal/redis"
	"github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 30 * time.Second

// RedisRelay implements Relay on Redis: presence is a hash of records per
// meeting with change notifications on a roster channel, and signaling is a
// pub/sub channel.
type RedisRelay struct {
	client    *redis.Client
	meetingID string
	self      models.PresenceRecord
	ttl       time.Duration
	log       logr.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*redisSub]struct{}
}

// RedisOption configures a RedisRelay.
type RedisOption func(*RedisRelay)

// WithPresenceTTL sets how long a presence hash survives without heartbeats.
func WithPresenceTTL(ttl time.Duration) RedisOption {
	return func(r *RedisRelay) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithLogger(log logr.Logger) RedisOption {
	return func(r *RedisRelay) { r.log = log }
}

func NewRedisRelay(client *redis.Client, meetingID string, self models.PresenceRecord, opts ...RedisOption) *RedisRelay {
	if self.JoinedAt.IsZero() {
		self.JoinedAt = time.Now()
	}
	r := &RedisRelay{
		client:    client,
		meetingID: meetingID,
		self:      self,
		ttl:       defaultPresenceTTL,
		log:       logr.Discard(),
		subs:      make(map[*redisSub]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *RedisRelay) Publish(ctx context.Context, msg models.SignalMessage) error {
	if r.isClosed() {
		return ErrRelayUnavailable
	}
	msg.MeetingID = r.meetingID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signal message: %w", err)
	}
	if err := r.client.Publish(ctx, rediskeys.SignalChannel(r.meetingID), data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// Subscribe joins the roster and signaling channels, inserts the presence
// record and delivers an initial roster snapshot.
func (r *RedisRelay) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if r.isClosed() {
		return nil, ErrRelayUnavailable
	}

	ps := r.client.Subscribe(ctx, rediskeys.RosterChannel(r.meetingID), rediskeys.SignalChannel(r.meetingID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrRelayUnavailable, err)
	}

	if err := r.announce(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSub{
		relay:   r,
		pubsub:  ps,
		handler: h,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.run(subCtx)
	go sub.heartbeat(subCtx)

	return sub, nil
}

// record returns the local presence record stamped with the current time.
func (r *RedisRelay) record() models.PresenceRecord {
	rec := r.self
	rec.LastSeen = time.Now()
	return rec
}

func (r *RedisRelay) announce(ctx context.Context) error {
	record, err := json.Marshal(r.record())
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}

	key := rediskeys.PresenceKey(r.meetingID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, r.self.ID, record)
	pipe.Expire(ctx, key, r.ttl)
	pipe.Publish(ctx, rediskeys.RosterChannel(r.meetingID), "join:"+r.self.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: announce presence: %v", ErrRelayUnavailable, err)
	}
	return nil
}

func (r *RedisRelay) retract(ctx context.Context) error {
	pipe := r.client.Pipeline()
	pipe.HDel(ctx, rediskeys.PresenceKey(r.meetingID), r.self.ID)
	pipe.Publish(ctx, rediskeys.RosterChannel(r.meetingID), "leave:"+r.self.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Roster reads the current presence hash. Records whose heartbeat is older
// than the presence TTL are dropped from the result and removed from the hash.
func (r *RedisRelay) Roster(ctx context.Context) (models.Roster, error) {
	key := rediskeys.PresenceKey(r.meetingID)
	entries, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read roster: %v", ErrRelayUnavailable, err)
	}

	now := time.Now()
	roster := make(models.Roster, len(entries))
	var stale []string
	for id, raw := range entries {
		var rec models.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.log.Info("Skipping malformed presence record", "participant", id, "error", err.Error())
			continue
		}
		if !rec.LastSeen.IsZero() && now.Sub(rec.LastSeen) > r.ttl {
			stale = append(stale, id)
			continue
		}
		roster[id] = rec
	}

	if len(stale) > 0 {
		r.log.V(1).Info("Expiring stale presence records", "participants", stale)
		if err := r.client.HDel(ctx, key, stale...).Err(); err != nil {
			r.log.Error(err, "Failed to remove stale presence records")
		}
	}
	return roster, nil
}

func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

type redisSub struct {
	relay   *RedisRelay
	pubsub  *redis.PubSub
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *redisSub) run(ctx context.Context) {
	defer close(s.done)

	s.deliverRoster(ctx)

	rosterChannel := rediskeys.RosterChannel(s.relay.meetingID)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.pubsub.Channel():
			if !ok {
				return
			}
			if msg.Channel == rosterChannel {
				s.deliverRoster(ctx)
				continue
			}

			var signal models.SignalMessage
			if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
				s.relay.log.Info("Failed to parse signal message", "error", err.Error())
				continue
			}
			s.handler.message(signal)
		}
	}
}

func (s *redisSub) deliverRoster(ctx context.Context) {
	roster, err := s.relay.Roster(ctx)
	if err != nil {
		s.relay.log.Error(err, "Failed to read roster")
		return
	}
	s.handler.presence(roster)
}

// heartbeat keeps the presence hash alive while the subscription is open.
func (s *redisSub) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.relay.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.relay.announceQuiet(ctx); err != nil {
				s.relay.log.Error(err, "Failed to refresh presence")
			}
		}
	}
}

// announceQuiet refreshes the presence record without notifying the roster.
func (r *RedisRelay) announceQuiet(ctx context.Context) error {
	record, err := json.Marshal(r.record())
	if err != nil {
		return err
	}
	key := rediskeys.PresenceKey(r.meetingID)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, r.self.ID, record)
	pipe.Expire(ctx, key, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := s.relay.retract(ctx); rerr != nil {
			err = fmt.Errorf("retract presence: %w", rerr)
		}

		if cerr := s.pubsub.Close(); cerr != nil && err == nil {
			err = cerr
		}
		<-s.done

		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
	})
	return err
}
