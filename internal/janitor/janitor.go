// Package janitor purges staged rows left behind by promoted jobs. Staged
// data is only a working copy once promotion commits it to the graph, so
// rows older than the retention window are safe to drop.
package janitor

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/showrunnerhq/backlot/config"
)

// StoreAPI is the store surface the janitor needs.
type StoreAPI interface {
	ListPromotedJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	PurgeStaged(ctx context.Context, jobID string) error
}

// Janitor runs staged-data purges on a cron schedule.
type Janitor struct {
	logger    *log.Logger
	store     StoreAPI
	schedule  *cronexpr.Expression
	maxAge    time.Duration
	batchSize int
}

// New parses the retention schedule and constructs a janitor.
func New(logger *log.Logger, st StoreAPI, cfg config.RetentionConfig) (*Janitor, error) {
	if logger == nil {
		logger = log.Default()
	}
	expr, err := cronexpr.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &Janitor{
		logger:    logger,
		store:     st,
		schedule:  expr,
		maxAge:    maxAge,
		batchSize: 100,
	}, nil
}

// Run sleeps until each scheduled tick and sweeps, until the context is
// cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next := j.schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Printf("[JANITOR] sweep: %v", err)
		}
	}
}

// Sweep purges staged rows for promoted jobs older than the retention
// window and returns how many jobs were cleaned.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-j.maxAge)
	cleaned := 0
	for {
		jobs, err := j.store.ListPromotedJobsBefore(ctx, cutoff, j.batchSize)
		if err != nil {
			return cleaned, err
		}
		if len(jobs) == 0 {
			break
		}
		for _, jobID := range jobs {
			if err := j.store.PurgeStaged(ctx, jobID); err != nil {
				return cleaned, err
			}
			cleaned++
		}
		if len(jobs) < j.batchSize {
			break
		}
	}
	if cleaned > 0 {
		j.logger.Printf("[JANITOR] purged staged data for %d jobs older than %s", cleaned, j.maxAge)
	}
	return cleaned, nil
}
