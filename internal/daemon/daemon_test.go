package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leeineian/cadenza/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStartAndShutdown(t *testing.T) {
	r := NewRegistry(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran, stopped, skipped atomic.Int32
	stop := make(chan struct{})
	r.RegisterDaemon("loop", func(context.Context) (bool, func(), func()) {
		return true, func() {
			ran.Add(1)
			<-stop
		}, func() {
			stopped.Add(1)
			close(stop)
		}
	})
	r.RegisterDaemon("disabled", func(context.Context) (bool, func(), func()) {
		return false, func() { skipped.Add(1) }, nil
	})

	r.StartDaemons(ctx)
	r.StartDaemons(ctx)
	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.ShutdownDaemons(context.Background()))
	assert.Equal(t, int32(1), stopped.Load())
	assert.Zero(t, skipped.Load())
}

func TestSafeGoRecoversPanics(t *testing.T) {
	r := NewRegistry(logger.Discard())
	r.SafeGo("boom", func() { panic("boom") })
	require.NoError(t, r.ShutdownDaemons(context.Background()))
}

func TestShutdownHonorsContext(t *testing.T) {
	r := NewRegistry(logger.Discard())
	release := make(chan struct{})
	r.RegisterDaemon("stubborn", func(context.Context) (bool, func(), func()) {
		return true, func() { <-release }, nil
	})
	r.StartDaemons(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.ShutdownDaemons(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, r.ShutdownDaemons(context.Background()))
}
