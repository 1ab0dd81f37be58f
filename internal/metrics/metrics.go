package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadenza_downloads_active",
		Help: "Downloads currently holding a scheduler slot",
	})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_downloads_total",
		Help: "Finished download attempts by result",
	}, []string{"result"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadenza_provider_breaker_state",
		Help: "Provider breaker state (the active state is 1, others 0)",
	}, []string{"provider", "state"})

	providerBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_provider_blocked_total",
		Help: "Times a provider was disabled after an auth or rate-limit response",
	}, []string{"provider"})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_resolutions_total",
		Help: "Resolutions by the tier that answered",
	}, []string{"tier"})

	sweepEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_sweep_entries_total",
		Help: "Cache entries visited by the integrity sweep by outcome",
	}, []string{"result"})

	playbackSource = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadenza_playback_source_total",
		Help: "Playback starts by chosen source",
	}, []string{"source"})

	playbackSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadenza_playback_skips_total",
		Help: "Items abandoned after exhausting their retries",
	})
)

var breakerStates = []string{"closed", "open"}

func SetDownloadsActive(n int) { downloadsActive.Set(float64(n)) }

func RecordDownload(result string) { downloadsTotal.WithLabelValues(result).Inc() }

// SetBreakerState records the active breaker state for a provider.
func SetBreakerState(provider, state string) {
	for _, s := range breakerStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		breakerState.WithLabelValues(provider, s).Set(value)
	}
}

func RecordProviderBlocked(provider string) { providerBlocked.WithLabelValues(provider).Inc() }

func RecordResolution(tier string) { resolutions.WithLabelValues(tier).Inc() }

func RecordSweep(result string, n int) {
	if n > 0 {
		sweepEntries.WithLabelValues(result).Add(float64(n))
	}
}

func RecordPlaybackSource(source string) { playbackSource.WithLabelValues(source).Inc() }

func RecordSkip() { playbackSkips.Inc() }

// Serve exposes the default registry on addr until ctx ends.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
