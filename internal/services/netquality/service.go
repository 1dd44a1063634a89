package netquality

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/domain"
)

const (
	ringCapacity = 10

	offlineWindow = 2
	healthWindow  = 5

	poorLatency = 800 * time.Millisecond
	goodLatency = 300 * time.Millisecond
	goodMinimum = 3
	slowMinimum = 3
)

// Prober measures one round trip to the coach service.
type Prober func(ctx context.Context) (time.Duration, error)

// Status is the snapshot consumers read for initial render; afterwards they
// subscribe.
type Status struct {
	Health  domain.Health
	Samples []domain.NetworkSample
}

// Service probes link quality on an interval, keeps a bounded ring of recent
// samples and classifies them into health levels. The classification is
// hysteretic: it needs a minimum sample count and looks at windows, not the
// latest probe, so a single slow ping cannot flap the level.
type Service struct {
	mu      sync.Mutex
	samples []domain.NetworkSample
	health  domain.Health

	prober   Prober
	interval time.Duration
	stop     chan struct{}

	handlersMu     sync.RWMutex
	nextID         int
	onSample       map[int]func(domain.NetworkSample)
	onHealth       map[int]func(domain.Health)
	onConnectivity map[int]func(online bool)
}

func NewService(prober Prober, interval time.Duration) *Service {
	return &Service{
		health:         domain.HealthUnknown,
		prober:         prober,
		interval:       interval,
		onSample:       make(map[int]func(domain.NetworkSample)),
		onHealth:       make(map[int]func(domain.Health)),
		onConnectivity: make(map[int]func(bool)),
	}
}

// HTTPProber probes an HTTP endpoint and reports the round trip time.
func HTTPProber(healthURL string, timeout time.Duration) Prober {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) (time.Duration, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		resp, err := client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			return elapsed, err
		}
		resp.Body.Close()
		return elapsed, nil
	}
}

// Start launches the probe loop. Stop ends it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil || s.prober == nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				latency, err := s.prober(ctx)
				s.RecordSample(domain.NetworkSample{
					Latency:   latency,
					Success:   err == nil,
					Timestamp: time.Now(),
				})
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the probe loop. Recorded state is kept.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
}

// RecordSample appends a probe result and recomputes health, emitting a
// change event only when the classification actually moved.
func (s *Service) RecordSample(sample domain.NetworkSample) {
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	if len(s.samples) > ringCapacity {
		s.samples = s.samples[len(s.samples)-ringCapacity:]
	}
	previous := s.health
	s.health = classify(s.samples, s.health)
	changed := s.health != previous
	health := s.health
	s.mu.Unlock()

	s.emitSample(sample)
	if changed {
		log.Info().
			Str("from", previous.String()).
			Str("to", health.String()).
			Msg("Network health changed")
		s.emitHealth(health)
	}
}

// SetConnected feeds OS-level connectivity transitions. Going offline
// short-circuits the classification and clears the ring so stale high-latency
// samples cannot bias the next classification once connectivity returns.
func (s *Service) SetConnected(online bool) {
	s.mu.Lock()
	changed := false
	if !online {
		s.samples = s.samples[:0]
		changed = s.health != domain.HealthOffline
		s.health = domain.HealthOffline
	}
	health := s.health
	s.mu.Unlock()

	s.emitConnectivity(online)
	if changed {
		s.emitHealth(health)
	}
}

// Status returns a snapshot of the current classification and ring.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]domain.NetworkSample, len(s.samples))
	copy(samples, s.samples)
	return Status{Health: s.health, Samples: samples}
}

// classify derives health from the most recent samples. Rules, in order of
// precedence: both of the last 2 failed means offline; any failure or 3+ slow
// probes among the last 5 means poor; 3+ fast successes among the last 5
// means good; otherwise the previous classification stands.
func classify(samples []domain.NetworkSample, current domain.Health) domain.Health {
	if len(samples) < offlineWindow {
		return current
	}

	last2 := samples[len(samples)-offlineWindow:]
	if !last2[0].Success && !last2[1].Success {
		return domain.HealthOffline
	}

	window := samples
	if len(window) > healthWindow {
		window = window[len(window)-healthWindow:]
	}

	failures, slow, fast := 0, 0, 0
	for _, sample := range window {
		if !sample.Success {
			failures++
		}
		if sample.Latency > poorLatency {
			slow++
		}
		if sample.Success && sample.Latency < goodLatency {
			fast++
		}
	}

	if failures > 0 || slow >= slowMinimum {
		return domain.HealthPoor
	}
	if fast >= goodMinimum {
		return domain.HealthGood
	}
	return current
}

// OnSample subscribes to raw per-ping results.
func (s *Service) OnSample(fn func(domain.NetworkSample)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onSample[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onSample, id)
	}
}

// OnHealthChange subscribes to classification changes.
func (s *Service) OnHealthChange(fn func(domain.Health)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onHealth[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onHealth, id)
	}
}

// OnConnectivity subscribes to OS-level connectivity transitions.
func (s *Service) OnConnectivity(fn func(online bool)) func() {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onConnectivity[id] = fn
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		delete(s.onConnectivity, id)
	}
}

func (s *Service) emitSample(sample domain.NetworkSample) {
	s.handlersMu.RLock()
	fns := make([]func(domain.NetworkSample), 0, len(s.onSample))
	for _, fn := range s.onSample {
		fns = append(fns, fn)
	}
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(sample)
	}
}

func (s *Service) emitHealth(health domain.Health) {
	s.handlersMu.RLock()
	fns := make([]func(domain.Health), 0, len(s.onHealth))
	for _, fn := range s.onHealth {
		fns = append(fns, fn)
	}
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(health)
	}
}

func (s *Service) emitConnectivity(online bool) {
	s.handlersMu.RLock()
	fns := make([]func(bool), 0, len(s.onConnectivity))
	for _, fn := range s.onConnectivity {
		fns = append(fns, fn)
	}
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(online)
	}
}
