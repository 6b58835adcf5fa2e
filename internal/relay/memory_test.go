package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects relay callbacks for assertions.
type recorder struct {
	mu       sync.Mutex
	rosters  []models.Roster
	messages []models.SignalMessage
}

func (r *recorder) handler() Handler {
	return Handler{
		OnPresence: func(roster models.Roster) {
			r.mu.Lock()
			r.rosters = append(r.rosters, roster)
			r.mu.Unlock()
		},
		OnMessage: func(msg models.SignalMessage) {
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) lastRoster() models.Roster {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rosters) == 0 {
		return nil
	}
	return r.rosters[len(r.rosters)-1]
}

func (r *recorder) received() []models.SignalMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SignalMessage(nil), r.messages...)
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestHub_PresenceFollowsSubscriptions(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(logr.Discard())

	a := hub.Join("m1", models.PresenceRecord{ID: "a", DisplayName: "Alice"})
	b := hub.Join("m1", models.PresenceRecord{ID: "b", DisplayName: "Bob"})

	var recA recorder
	_, err := a.Subscribe(ctx, recA.handler())
	require.NoError(t, err)

	subB, err := b.Subscribe(ctx, (&recorder{}).handler())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(recA.lastRoster()) == 2 }, waitFor, tick)
	assert.Equal(t, "Bob", recA.lastRoster()["b"].DisplayName)

	require.NoError(t, subB.Unsubscribe())
	require.NoError(t, subB.Unsubscribe())

	require.Eventually(t, func() bool {
		roster := recA.lastRoster()
		_, hasB := roster["b"]
		return len(roster) == 1 && !hasB
	}, waitFor, tick)
	assert.Len(t, hub.Roster("m1"), 1)
}

func TestHub_PublishReachesEveryoneIncludingSender(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(logr.Discard())

	a := hub.Join("m1", models.PresenceRecord{ID: "a"})
	b := hub.Join("m1", models.PresenceRecord{ID: "b"})
	other := hub.Join("m2", models.PresenceRecord{ID: "c"})

	var recA, recB, recC recorder
	_, err := a.Subscribe(ctx, recA.handler())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, recB.handler())
	require.NoError(t, err)
	_, err = other.Subscribe(ctx, recC.handler())
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, models.SignalMessage{Type: models.SignalTypeReady, From: "a"}))

	require.Eventually(t, func() bool {
		return len(recA.received()) == 1 && len(recB.received()) == 1
	}, waitFor, tick)
	assert.Equal(t, "m1", recB.received()[0].MeetingID)
	assert.Empty(t, recC.received())
}

func TestHub_PublishAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(logr.Discard())

	a := hub.Join("m1", models.PresenceRecord{ID: "a"})
	_, err := a.Subscribe(ctx, Handler{})
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err = a.Publish(ctx, models.SignalMessage{Type: models.SignalTypeReady, From: "a"})
	assert.True(t, errors.Is(err, ErrRelayUnavailable))

	_, err = a.Subscribe(ctx, Handler{})
	assert.True(t, errors.Is(err, ErrRelayUnavailable))
	assert.Empty(t, hub.Roster("m1"))
}
