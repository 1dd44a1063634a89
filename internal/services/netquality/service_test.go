package netquality

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stridefit/coachlink/internal/domain"
)

func record(s *Service, latencyMS int, success bool) {
	s.RecordSample(domain.NetworkSample{
		Latency:   time.Duration(latencyMS) * time.Millisecond,
		Success:   success,
		Timestamp: time.Now(),
	})
}

func TestSingleFailureInWindowIsPoorNotOffline(t *testing.T) {
	s := NewService(nil, time.Minute)

	record(s, 120, true)
	record(s, 150, true)
	record(s, 0, false)
	record(s, 180, true)
	record(s, 140, true)

	assert.Equal(t, domain.HealthPoor, s.Status().Health,
		"a lone failure degrades quality but is not a dead link")
}

func TestTwoConsecutiveFailuresMeanOffline(t *testing.T) {
	s := NewService(nil, time.Minute)

	record(s, 120, true)
	record(s, 0, false)
	record(s, 0, false)

	assert.Equal(t, domain.HealthOffline, s.Status().Health)
}

func TestFastSuccessesMeanGood(t *testing.T) {
	s := NewService(nil, time.Minute)

	record(s, 120, true)
	record(s, 90, true)
	record(s, 110, true)

	assert.Equal(t, domain.HealthGood, s.Status().Health)
}

func TestSlowProbesDowngradeToPoorWithoutFailures(t *testing.T) {
	s := NewService(nil, time.Minute)

	record(s, 900, true)
	record(s, 1200, true)
	record(s, 850, true)

	assert.Equal(t, domain.HealthPoor, s.Status().Health)
}

func TestTooFewSamplesKeepPreviousClassification(t *testing.T) {
	s := NewService(nil, time.Minute)

	record(s, 120, true)
	assert.Equal(t, domain.HealthUnknown, s.Status().Health,
		"one sample is not enough evidence to classify")
}

func TestRecoveryFromOfflineNeedsFastSuccesses(t *testing.T) {
	s := NewService(nil, time.Minute)

	record(s, 0, false)
	record(s, 0, false)
	require.Equal(t, domain.HealthOffline, s.Status().Health)

	// Failures still inside the 5-sample window hold the level at poor.
	record(s, 100, true)
	record(s, 110, true)
	assert.Equal(t, domain.HealthPoor, s.Status().Health)

	record(s, 120, true)
	record(s, 90, true)
	record(s, 100, true)
	assert.Equal(t, domain.HealthGood, s.Status().Health)
}

func TestRingIsBounded(t *testing.T) {
	s := NewService(nil, time.Minute)

	for i := 0; i < 25; i++ {
		record(s, 100, true)
	}
	assert.Len(t, s.Status().Samples, 10)
}

func TestHealthEventOnlyFiresOnChange(t *testing.T) {
	s := NewService(nil, time.Minute)

	var healthEvents []domain.Health
	s.OnHealthChange(func(h domain.Health) {
		healthEvents = append(healthEvents, h)
	})
	var samples int
	s.OnSample(func(domain.NetworkSample) {
		samples++
	})

	record(s, 100, true)
	record(s, 110, true)
	record(s, 90, true)
	record(s, 95, true)
	record(s, 105, true)

	assert.Equal(t, 5, samples, "every probe emits a sample event")
	assert.Equal(t, []domain.Health{domain.HealthGood}, healthEvents,
		"health only fires when the classification moves")
}

func TestSetConnectedFalseClearsRingAndGoesOffline(t *testing.T) {
	s := NewService(nil, time.Minute)

	record(s, 900, true)
	record(s, 1000, true)
	record(s, 950, true)
	require.Equal(t, domain.HealthPoor, s.Status().Health)

	var offline bool
	s.OnConnectivity(func(online bool) {
		offline = !online
	})

	s.SetConnected(false)
	status := s.Status()
	assert.Equal(t, domain.HealthOffline, status.Health)
	assert.Empty(t, status.Samples, "stale samples must not bias the next classification")
	assert.True(t, offline)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewService(nil, time.Minute)

	var calls int
	unsub := s.OnSample(func(domain.NetworkSample) {
		calls++
	})
	record(s, 100, true)
	unsub()
	record(s, 100, true)

	assert.Equal(t, 1, calls)
}

func TestHTTPProberMeasuresRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	probe := HTTPProber(srv.URL, time.Second)
	latency, err := probe(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))

	srv.Close()
	_, err = probe(context.Background())
	assert.Error(t, err)
}

func TestProbeLoopRecordsSamples(t *testing.T) {
	var probes int32
	prober := func(ctx context.Context) (time.Duration, error) {
		atomic.AddInt32(&probes, 1)
		return 50 * time.Millisecond, nil
	}
	s := NewService(prober, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(s.Status().Samples) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&probes), int32(3))
}

func TestProbeLoopStops(t *testing.T) {
	prober := func(ctx context.Context) (time.Duration, error) {
		return 0, errors.New("unreachable")
	}
	s := NewService(prober, 20*time.Millisecond)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(s.Status().Samples) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	time.Sleep(50 * time.Millisecond) // let an in-flight probe land

	count := len(s.Status().Samples)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, len(s.Status().Samples), "no samples after Stop")
}
