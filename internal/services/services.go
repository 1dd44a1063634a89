package services

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/auth"
	"github.com/stridefit/coachlink/internal/config"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/infrastructure/redis"
	"github.com/stridefit/coachlink/internal/services/netquality"
	"github.com/stridefit/coachlink/internal/services/persistence"
	"github.com/stridefit/coachlink/internal/services/registry"
	"github.com/stridefit/coachlink/internal/services/session"
	"github.com/stridefit/coachlink/internal/services/store"
	"github.com/stridefit/coachlink/internal/services/stream"
	"github.com/stridefit/coachlink/internal/services/transport"
)

var servicesMu sync.Mutex

// Services holds the long-lived session layer objects. One instance is built
// at sign-in and torn down at sign-out; nothing here is a package-level
// global.
type Services struct {
	redisService   *redis.Service
	persistService *persistence.Service
	monitor        *netquality.Service
	controllers    map[domain.Kind]*session.Controller
}

// Options tunes initialization; the zero value uses environment config.
type Options struct {
	CoachURL string
	UserID   string
	// Store overrides the persistence backend, primarily for tests.
	Store persistence.Store
}

// Initialize wires redis, persistence, the network monitor and one
// transport/accumulator/store/registry/controller stack per session kind.
// Each kind owns a fully separate socket; that trades memory for never
// needing a cross-kind drain wait.
func Initialize(opts Options) *Services {
	servicesMu.Lock()
	defer servicesMu.Unlock()

	log.Info().Msg("Initializing session layer")

	coachURL := opts.CoachURL
	if coachURL == "" {
		coachURL = config.GetCoachURL()
	}

	var redisService *redis.Service
	var persistService *persistence.Service
	if opts.Store != nil {
		persistService = persistence.NewServiceWithStore(opts.Store)
	} else {
		redisService = redis.NewService()
		persistService = persistence.NewService(redisService)
	}

	tokens := func() (string, error) {
		return auth.Mint(opts.UserID)
	}

	controllers := make(map[domain.Kind]*session.Controller)
	for _, cfg := range []session.KindConfig{
		session.ChatConfig(),
		session.OnboardingConfig(),
		session.PlanningConfig(),
	} {
		t := transport.NewSession(cfg.Kind, coachURL, tokens, transport.DefaultTimeouts)
		streams := stream.NewService()
		st := store.NewService(streams)
		reg := registry.NewService(t, streams, st, config.GetDrainTimeout())
		controllers[cfg.Kind] = session.NewController(cfg, t, reg, st, persistService)
	}

	monitor := netquality.NewService(
		netquality.HTTPProber(config.GetCoachHealthURL(), 5*time.Second),
		30*time.Second,
	)

	log.Info().Msg("Session layer initialized")
	return &Services{
		redisService:   redisService,
		persistService: persistService,
		monitor:        monitor,
		controllers:    controllers,
	}
}

// Controller returns the session controller for one kind.
func (s *Services) Controller(kind domain.Kind) *session.Controller {
	return s.controllers[kind]
}

// Persistence returns the durable conversation store.
func (s *Services) Persistence() *persistence.Service {
	return s.persistService
}

// NetworkMonitor returns the link quality monitor.
func (s *Services) NetworkMonitor() *netquality.Service {
	return s.monitor
}

// Teardown disconnects every controller and releases shared resources. Tied
// to the host app's auth lifecycle.
func (s *Services) Teardown() {
	servicesMu.Lock()
	defer servicesMu.Unlock()

	for _, c := range s.controllers {
		c.Close()
	}
	s.monitor.Stop()
	if s.redisService != nil {
		if err := s.redisService.Close(); err != nil {
			log.Warn().Err(err).Msg("Redis close failed")
		}
	}
	log.Info().Msg("Session layer torn down")
}
