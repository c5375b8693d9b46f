package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Publish job stages
const (
	StageQueued     = "queued"
	StageProcessing = "processing"
	StageSuccess    = "success"
	StageFailed     = "failed"
)

// PublishAPI is the part of the mapping API the poller needs
type PublishAPI interface {
	PublishTileset(ctx context.Context, tilesetID string) (string, error)
	JobStage(ctx context.Context, tilesetID, jobID string) (string, error)
}

// StatusPoller waits for a publish job to finish, republishing when the job fails
type StatusPoller struct {
	api        PublishAPI
	interval   time.Duration
	timeout    time.Duration
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewStatusPoller creates a poller using the service settings
func NewStatusPoller(api PublishAPI, cfg ServiceConfig) *StatusPoller {
	return &StatusPoller{
		api:        api,
		interval:   cfg.PollInterval,
		timeout:    cfg.PollTimeout,
		maxRetries: cfg.MaxPublishRetries,
		sleep:      sleepContext,
	}
}

// WaitForPublish polls the job until it succeeds. A failed job is republished
// until the retry count exceeds maxRetries. The whole wait is bounded by the
// poll timeout.
func (p *StatusPoller) WaitForPublish(ctx context.Context, tilesetID, jobID string) (bool, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	logger := slog.With("tileset_id", tilesetID)
	retries := 0

	for {
		stage, err := p.api.JobStage(ctx, tilesetID, jobID)
		if err != nil {
			return false, fmt.Errorf("failed to get status of tileset: %w", err)
		}

		switch stage {
		case StageQueued, StageProcessing:
			logger.Debug("publish job in progress", "job_id", jobID, "stage", stage)
			if err := p.sleep(ctx, p.interval); err != nil {
				return false, fmt.Errorf("stopped waiting for publish job %s: %w", jobID, err)
			}

		case StageFailed:
			retries++
			if retries > p.maxRetries {
				return false, fmt.Errorf("%w: tileset %s, job %s, after %d retries", ErrPublishFailed, tilesetID, jobID, p.maxRetries)
			}

			logger.Warn("publish job failed, republishing", "job_id", jobID, "retry", retries)
			publishRetries.Inc()

			jobID, err = p.api.PublishTileset(ctx, tilesetID)
			if err != nil {
				return false, err
			}

		case StageSuccess:
			logger.Info("tileset published", "job_id", jobID, "retries", retries)
			return true, nil

		default:
			return false, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
		}
	}
}
