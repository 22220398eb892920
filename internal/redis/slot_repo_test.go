package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edirooss/portbroker/internal/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSlotKey(t *testing.T) {
	assert.Equal(t, "portbroker:slot:3500", slotKey(3500))
}

func TestSlotStateJSONOmitsToken(t *testing.T) {
	created := time.Unix(1700000000, 0)
	s := broker.Session{Token: "secret-token", Port: 3502, CreatedAt: created, ExpiresAt: created.Add(time.Hour)}

	b, err := json.Marshal(allocatedState(s))
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":3502,"state":"allocated","since":1700000000,"expires_at":1700003600}`, string(b))
	assert.NotContains(t, string(b), "secret-token")

	b, err = json.Marshal(freeState(s, broker.ReleaseExpired, created.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"port":3502,"state":"free","reason":"expired","since":1700007200}`, string(b))
}

func TestHooksEnqueueInOrder(t *testing.T) {
	r := NewSlotRepository(zaptest.NewLogger(t), nil)
	h := r.Hooks()

	s := broker.Session{Port: 3500, CreatedAt: time.Now()}
	h.OnAcquire(s)
	h.OnRelease(s, broker.ReleaseExplicit)

	first := <-r.updates
	second := <-r.updates
	assert.Equal(t, StateAllocated, first.State)
	assert.Equal(t, StateFree, second.State)
	assert.Equal(t, "explicit", second.Reason)
}

func TestStaleUpdatesAreSkipped(t *testing.T) {
	ctx := context.Background()
	engine, err := broker.New(zaptest.NewLogger(t), broker.Options{PoolStart: 3500, PoolSize: 1})
	require.NoError(t, err)

	r := NewSlotRepository(zaptest.NewLogger(t), nil)
	assert.False(t, r.stale(SlotState{Port: 3500, State: StateFree}), "without a source every update is written")

	r.Watch(engine)

	old, err := engine.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, engine.Release(ctx, old.Token))
	cur, err := engine.Acquire(ctx)
	require.NoError(t, err)

	// the old session's release arriving after the new acquire must not mark the port free
	assert.False(t, r.stale(allocatedState(cur)))
	assert.True(t, r.stale(freeState(old, broker.ReleaseExplicit, time.Now())))

	require.NoError(t, engine.Release(ctx, cur.Token))
	assert.True(t, r.stale(allocatedState(cur)))
	assert.False(t, r.stale(freeState(cur, broker.ReleaseExplicit, time.Now())))

	assert.True(t, r.stale(SlotState{Port: 9999, State: StateFree}), "ports outside the pool are never written")
}
