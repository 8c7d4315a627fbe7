// Package app drives the loop in the background: a cycle on every tick, a
// periodic temporary target sync and live reconfiguration.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcode/nightscout-aps/internal/logging"
)

// Initiators passed to the loop
const (
	InitiatorTick    = "Loop tick"
	InitiatorReload  = "Config reload"
	InitiatorStartup = "Startup"
)

// ErrAlreadyRunning is returned by Run when the service is running.
var ErrAlreadyRunning = errors.New("loop service already running")

// Invoker runs one loop cycle
type Invoker interface {
	Invoke(ctx context.Context, initiator string, tempBasalFallback bool) error
}

// SyncFunc pulls remote records changed since the given time and returns how
// many were stored.
type SyncFunc func(ctx context.Context, since time.Time) (int, error)

// Options control the schedule
type Options struct {
	Enabled      bool
	Interval     time.Duration
	SyncInterval time.Duration
	// SyncWindow is how far back the first sync reaches
	SyncWindow time.Duration
}

// Status is a snapshot of the loop health
type Status struct {
	Running           bool      `json:"running"`
	Enabled           bool      `json:"enabled"`
	LastSuccess       time.Time `json:"lastSuccess"`
	LastError         string    `json:"lastError,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastSync          time.Time `json:"lastSync"`
}

// Service schedules cycles and syncs
type Service struct {
	loop   Invoker
	sync   SyncFunc
	logger *zap.Logger
	now    func() time.Time

	trigger    chan string
	resetCycle chan struct{}
	resetSync  chan struct{}

	mu                sync.RWMutex
	opts              Options
	running           bool
	lastSuccessTime   time.Time
	lastErr           error
	consecutiveErrors int
	lastSync          time.Time
}

// New creates a service. syncer may be nil.
func New(loop Invoker, syncer SyncFunc, opts Options, logger *zap.Logger) *Service {
	return &Service{
		loop:       loop,
		sync:       syncer,
		opts:       opts.withDefaults(Options{Interval: 5 * time.Minute, SyncWindow: 24 * time.Hour}),
		logger:     logging.OrNop(logger).Named("service"),
		now:        time.Now,
		trigger:    make(chan string, 1),
		resetCycle: make(chan struct{}, 1),
		resetSync:  make(chan struct{}, 1),
	}
}

func (o Options) withDefaults(def Options) Options {
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.SyncWindow <= 0 {
		o.SyncWindow = def.SyncWindow
	}
	return o
}

// Run blocks until ctx is done
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.cycleLoop(ctx) })
	if s.sync != nil {
		g.Go(func() error { return s.syncLoop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Trigger asks for a cycle now. It never blocks; a pending trigger absorbs
// the new one.
func (s *Service) Trigger(initiator string) {
	select {
	case s.trigger <- initiator:
	default:
	}
}

// Reconfigure swaps the schedule. A running service picks up the new
// intervals immediately.
func (s *Service) Reconfigure(opts Options) {
	s.mu.Lock()
	s.opts = opts.withDefaults(s.opts)
	s.mu.Unlock()

	for _, ch := range []chan struct{}{s.resetCycle, s.resetSync} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Status returns the loop health
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Running:           s.running,
		Enabled:           s.opts.Enabled,
		LastSuccess:       s.lastSuccessTime,
		ConsecutiveErrors: s.consecutiveErrors,
		LastSync:          s.lastSync,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Service) options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

func (s *Service) cycleLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.options().Interval)
	defer ticker.Stop()

	s.runCycle(ctx, InitiatorStartup)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx, InitiatorTick)
		case initiator := <-s.trigger:
			s.runCycle(ctx, initiator)
		case <-s.resetCycle:
			ticker.Reset(s.options().Interval)
			s.runCycle(ctx, InitiatorReload)
		}
	}
}

func (s *Service) runCycle(ctx context.Context, initiator string) {
	if !s.options().Enabled {
		s.logger.Debug("loop disabled, skipping cycle", zap.String("initiator", initiator))
		return
	}

	err := s.loop.Invoke(ctx, initiator, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.consecutiveErrors++
		s.lastErr = err
		s.logger.Warn("cycle failed",
			zap.String("initiator", initiator),
			zap.Int("attempt", s.consecutiveErrors),
			zap.Error(err))
		return
	}
	s.consecutiveErrors = 0
	s.lastErr = nil
	s.lastSuccessTime = s.now()
}

func (s *Service) syncLoop(ctx context.Context) error {
	for {
		if err := s.syncUntilReset(ctx); err != nil {
			return err
		}
	}
}

// syncUntilReset syncs on the current interval until Reconfigure is called.
// A zero interval only waits.
func (s *Service) syncUntilReset(ctx context.Context) error {
	var tick <-chan time.Time
	if interval := s.options().SyncInterval; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
		s.runSync(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.resetSync:
			return nil
		case <-tick:
			s.runSync(ctx)
		}
	}
}

func (s *Service) runSync(ctx context.Context) {
	s.mu.RLock()
	since := s.lastSync
	window := s.opts.SyncWindow
	s.mu.RUnlock()

	started := s.now()
	if since.IsZero() {
		since = started.Add(-window)
	}
	n, err := s.sync(ctx, since)
	if err != nil {
		s.logger.Warn("temp target sync failed", zap.Error(err))
		return
	}
	s.logger.Debug("temp targets synced", zap.Int("stored", n))

	s.mu.Lock()
	s.lastSync = started
	s.mu.Unlock()
}
