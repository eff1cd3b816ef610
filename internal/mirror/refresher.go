package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chat-relay/internal/observability"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Refreshable is anything that needs its state re-asserted on a schedule.
type Refreshable interface {
	Refresh(ctx context.Context) error
}

// Refresher runs Refresh on a cron schedule until stopped.
type Refresher struct {
	cron    *cron.Cron
	target  Refreshable
	timeout time.Duration
	logger  *zap.Logger
}

// NewRefresher parses schedule and registers target on it. Call Start to begin.
func NewRefresher(schedule string, target Refreshable, timeout time.Duration, logger *zap.Logger) (*Refresher, error) {
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", schedule, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Refresher{
		cron:    cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		target:  target,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("schedule refresh: %w", err)
	}
	return r, nil
}

func (r *Refresher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.target.Refresh(ctx); err != nil {
		observability.IncMirrorError("refresh")
		r.logger.Warn("presence refresh failed", zap.Error(err))
	}
}

func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running tick or ctx, whichever ends first.
func (r *Refresher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
