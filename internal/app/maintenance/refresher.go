package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opencampus/registrar/internal/registry"
	"github.com/opencampus/registrar/pkg/logger"
)

const defaultSweepSpec = "@every 5m"

// Refresher runs the periodic registry sweep that drops unverified accounts
// whose codes lapsed and prunes expired login tokens.
type Refresher struct {
	svc      *registry.Service
	cron     *cron.Cron
	schedule string
	log      *zap.Logger
}

// Option customises the Refresher.
type Option func(*Refresher)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(r *Refresher) {
		if c != nil {
			r.cron = c
		}
	}
}

// WithSchedule overrides the cron expression for the registry sweep.
func WithSchedule(spec string) Option {
	return func(r *Refresher) {
		if spec != "" {
			r.schedule = spec
		}
	}
}

// NewRefresher constructs a Refresher with sensible defaults.
func NewRefresher(svc *registry.Service, opts ...Option) *Refresher {
	refresher := &Refresher{
		svc:      svc,
		schedule: defaultSweepSpec,
		log:      logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(refresher)
	}

	if refresher.cron == nil {
		refresher.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return refresher
}

// Start registers the sweep job with the cron scheduler and launches it.
func (r *Refresher) Start() error {
	if r.svc == nil {
		return nil
	}

	if _, err := r.cron.AddFunc(r.schedule, func() {
		r.svc.RefreshAll()
		r.log.Debug("registry sweep completed")
	}); err != nil {
		return err
	}

	r.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running sweep to complete.
func (r *Refresher) Stop() context.Context {
	if r.cron == nil {
		return context.Background()
	}
	return r.cron.Stop()
}

// RunOnce executes the sweep immediately. Primarily used in tests and during
// graceful shutdown.
func (r *Refresher) RunOnce() {
	if r.svc == nil {
		return
	}
	r.svc.RefreshAll()
}
