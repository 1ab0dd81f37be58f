package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetBreakerStateIsOneHot(t *testing.T) {
	SetBreakerState("ytmusic", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("ytmusic", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(breakerState.WithLabelValues("ytmusic", "closed")))

	SetBreakerState("ytmusic", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(breakerState.WithLabelValues("ytmusic", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("ytmusic", "closed")))
}

func TestRecordSweepIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(sweepEntries.WithLabelValues("broken"))
	RecordSweep("broken", 0)
	RecordSweep("broken", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(sweepEntries.WithLabelValues("broken")))
}
