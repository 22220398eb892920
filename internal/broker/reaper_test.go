package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReaperWait(t *testing.T) {
	e, err := New(zaptest.NewLogger(t), Options{PoolStart: 3500, PoolSize: 2, SessionTTL: 10 * time.Second})
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	r := NewReaper(zaptest.NewLogger(t), e, time.Minute)

	assert.Equal(t, time.Minute, r.wait(), "idle pool polls at interval")

	_, err = e.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, r.wait())

	now = now.Add(15 * time.Second)
	assert.Equal(t, time.Duration(0), r.wait(), "overdue deadline fires immediately")
	assert.Equal(t, 1, r.reapOnce(context.Background()))
	assert.Equal(t, 0, e.Stats().InUse)
}

func TestReaperRun(t *testing.T) {
	backend := newRecordingBackend()
	e, err := New(zaptest.NewLogger(t), Options{
		PoolStart:  3500,
		PoolSize:   1,
		SessionTTL: 20 * time.Millisecond,
		Backend:    backend,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReaper(zaptest.NewLogger(t), e, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	s, err := e.Acquire(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.Stats().InUse == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, backend.isRunning(s.Port))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}
