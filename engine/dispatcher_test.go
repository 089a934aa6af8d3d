package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berserk3142-max/fraud-risk-engine/logging"
)

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1, time.Second, logging.Discard())
	release := make(chan struct{})
	started := make(chan struct{})

	require.True(t, d.Submit("block", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.True(t, d.Submit("queued", func(ctx context.Context) error { return nil }))

	for i := 0; i < 20; i++ {
		assert.False(t, d.Submit("overflow", func(ctx context.Context) error { return nil }))
	}
	assert.Equal(t, int64(20), d.Dropped())

	close(release)
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, d.Submit("late", func(ctx context.Context) error { return nil }))
	assert.Equal(t, int64(21), d.Dropped())
}

func TestDispatcherSurvivesFailingTasks(t *testing.T) {
	d := NewDispatcher(2, 16, time.Second, logging.Discard())
	var ran atomic.Int32

	d.Submit("panics", func(ctx context.Context) error { panic("boom") })
	d.Submit("fails", func(ctx context.Context) error { return errors.New("db down") })
	for i := 0; i < 5; i++ {
		d.Submit("ok", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(5), ran.Load())
}

func TestDispatcherCloseHonoursDeadline(t *testing.T) {
	d := NewDispatcher(1, 1, time.Minute, logging.Discard())
	release := make(chan struct{})
	defer close(release)
	d.Submit("slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)
}
