package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const cleanupTimeout = 2 * time.Minute

// RenderService orchestrates the upload → publish → render → cleanup pipeline
type RenderService struct {
	client *MapboxClient
	poller *StatusPoller
	db     *Database
	s3     *S3Client
	config *Config
}

// NewRenderService creates a new render service. db and s3 may be nil.
func NewRenderService(client *MapboxClient, poller *StatusPoller, db *Database, s3 *S3Client, config *Config) *RenderService {
	return &RenderService{
		client: client,
		poller: poller,
		db:     db,
		s3:     s3,
		config: config,
	}
}

// ProcessFile loads one sample file and renders it
func (s *RenderService) ProcessFile(ctx context.Context, path string, opts *JobOptions) (*RenderResult, error) {
	samples, err := LoadSamples(path)
	if err != nil {
		return nil, err
	}
	return s.ProcessSamples(ctx, "", filepath.Base(path), samples, opts)
}

// ProcessSamples runs the whole pipeline for one set of samples. An empty
// runID gets a fresh one. Cleanup failures after the image was written are
// reported in RenderResult.CleanupErr and do not fail the run.
func (s *RenderService) ProcessSamples(ctx context.Context, runID, name string, samples []CoordinateSample, opts *JobOptions) (*RenderResult, error) {
	if opts == nil {
		opts = &JobOptions{}
	}
	if runID == "" {
		runID = uuid.New().String()
	}

	logger := slog.With("run_id", runID, "file", name)
	res := &RenderResult{RunID: runID, File: name}

	if s.db != nil {
		now := time.Now()
		job := &RenderJob{ID: runID, File: name, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
		if err := s.db.CreateJob(ctx, job); err != nil {
			logger.Warn("failed to record job", "error", err)
		}
	}

	// Phase 1: Prepare coordinates
	points := CollectCoordinates(FilterCoordinates(samples))
	res.Points = len(points)
	if len(points) < 2 {
		return res, s.fail(ctx, logger, res, opts, fmt.Errorf("%w: got %d", ErrInsufficientCoordinates, len(points)))
	}

	bound, err := CalculateBoundingBox(points)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}
	res.Bound = bound

	logger.Info("coordinates prepared",
		"samples", len(samples),
		"points", len(points),
		"dropped", len(samples)-len(points),
		"bbox", FormatBoundingBox(bound),
		"length_km", RouteLengthMeters(points)/1000,
	)

	geoJSON, err := EncodeLineStringFeature(points)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}

	// Phase 2: Upload tileset source
	s.setStatus(ctx, logger, runID, StatusUploading, opts)
	res.SourceID, err = s.client.UploadTilesetSource(ctx, geoJSON)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}
	s.recordResources(ctx, logger, res)

	// Phase 3: Create tileset
	s.setStatus(ctx, logger, runID, StatusCreating, opts)
	res.TilesetID, err = s.client.CreateTileset(ctx, res.SourceID, bound)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}
	s.recordResources(ctx, logger, res)
	logger = logger.With("tileset_id", res.TilesetID)

	// Phase 4: Publish and wait
	s.setStatus(ctx, logger, runID, StatusPublishing, opts)
	res.MapboxJobID, err = s.client.PublishTileset(ctx, res.TilesetID)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}
	s.recordResources(ctx, logger, res)

	s.setStatus(ctx, logger, runID, StatusPolling, opts)
	published, err := s.poller.WaitForPublish(ctx, res.TilesetID, res.MapboxJobID)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}
	if !published {
		return res, s.fail(ctx, logger, res, opts, fmt.Errorf("%w: tileset %s", ErrPublishFailed, res.TilesetID))
	}

	// Phase 5: Confirm the tileset is listed
	res.Center, err = s.client.TilesetCenter(ctx, res.TilesetID)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}
	if !res.Center.Found() {
		return res, s.fail(ctx, logger, res, opts, fmt.Errorf("%w: %s not listed", ErrLookup, s.client.TilesetRef(res.TilesetID)))
	}
	if res.Center.Zoom == nil {
		_, zoom := CenterAndZoom(bound)
		res.Center.Zoom = &zoom
		logger.Debug("tileset center has no zoom, derived from bbox", "zoom", zoom)
	}
	logger.Info("tileset center", "lon", *res.Center.Lon, "lat", *res.Center.Lat, "zoom", *res.Center.Zoom)

	// Phase 6: Render and save
	s.setStatus(ctx, logger, runID, StatusRendering, opts)
	image, err := s.client.StaticImage(ctx, res.TilesetID, bound)
	if err != nil {
		return res, s.fail(ctx, logger, res, opts, err)
	}

	res.ImagePath = s.config.ImagePath(res.TilesetID)
	if err := os.MkdirAll(filepath.Dir(res.ImagePath), 0755); err != nil {
		return res, s.fail(ctx, logger, res, opts, fmt.Errorf("failed to create output directory: %w", err))
	}
	if err := os.WriteFile(res.ImagePath, image, 0644); err != nil {
		return res, s.fail(ctx, logger, res, opts, fmt.Errorf("failed to write image: %w", err))
	}
	logger.Info("image saved", "path", res.ImagePath, "size_bytes", len(image))

	if s.s3 != nil && !opts.SkipUpload {
		key := s.s3.ObjectKey(filepath.Base(res.ImagePath))
		if err := s.s3.UploadImage(ctx, key, image); err != nil {
			logger.Warn("failed to mirror image to S3", "error", err)
		} else {
			res.ImageKey = key
		}
	}

	// Phase 7: Cleanup
	if opts.NoCleanup {
		logger.Info("skipping cleanup, remote tileset and source preserved", "source_id", res.SourceID)
		s.complete(ctx, logger, res, false)
		s.notify(opts, StatusCompleted, res.ImagePath)
		rendersTotal.WithLabelValues(outcomeCompleted).Inc()
		return res, nil
	}

	s.setStatus(ctx, logger, runID, StatusCleaning, opts)
	if err := s.cleanup(ctx, res.TilesetID, res.SourceID); err != nil {
		res.CleanupErr = err
		logger.Warn("image saved but cleanup failed, remote resources left behind", "error", err)
		if s.db != nil {
			if err := s.db.MarkJobOrphaned(ctx, runID, res.ImagePath, res.ImageKey, res.CleanupErr.Error()); err != nil {
				logger.Warn("failed to mark job orphaned", "error", err)
			}
		}
		s.notify(opts, StatusOrphaned, res.CleanupErr.Error())
		rendersTotal.WithLabelValues(outcomeOrphaned).Inc()
		return res, nil
	}

	s.complete(ctx, logger, res, true)
	s.notify(opts, StatusCompleted, res.ImagePath)
	rendersTotal.WithLabelValues(outcomeCompleted).Inc()
	logger.Info("render complete")
	return res, nil
}

// CleanupRemote deletes the tileset and then the source. Both deletes are
// attempted; empty ids are skipped. A resource that is already gone counts
// as deleted, so a partially cleaned run can be retried.
func (s *RenderService) CleanupRemote(ctx context.Context, tilesetID, sourceID string) error {
	return s.cleanup(ctx, tilesetID, sourceID)
}

func (s *RenderService) cleanup(ctx context.Context, tilesetID, sourceID string) error {
	var err error
	if tilesetID != "" {
		err = multierr.Append(err, ignoreNotFound(s.client.DeleteTileset(ctx, tilesetID)))
	}
	if sourceID != "" {
		err = multierr.Append(err, ignoreNotFound(s.client.DeleteTilesetSource(ctx, sourceID)))
	}
	return err
}

func ignoreNotFound(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// fail records the error and, unless disabled, removes whatever was created remotely
func (s *RenderService) fail(ctx context.Context, logger *slog.Logger, res *RenderResult, opts *JobOptions, err error) error {
	logger.Error("render failed", "error", err)
	rendersTotal.WithLabelValues(outcomeFailed).Inc()

	if s.db != nil {
		if dbErr := s.db.UpdateJobError(ctx, res.RunID, err.Error()); dbErr != nil {
			logger.Warn("failed to record job error", "error", dbErr)
		}
	}
	s.notify(opts, StatusFailed, err.Error())

	if opts.NoCleanup || (res.SourceID == "" && res.TilesetID == "") {
		return err
	}

	// The run context may already be cancelled; cleanup gets its own deadline.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if cleanupErr := s.cleanup(cleanupCtx, res.TilesetID, res.SourceID); cleanupErr != nil {
		logger.Warn("failed to remove remote resources after error", "error", cleanupErr,
			"source_id", res.SourceID, "tileset_id", res.TilesetID)
		return err
	}

	if s.db != nil {
		if dbErr := s.db.MarkJobCleanedUp(cleanupCtx, res.RunID); dbErr != nil {
			logger.Warn("failed to mark job cleaned up", "error", dbErr)
		}
	}
	return err
}

func (s *RenderService) complete(ctx context.Context, logger *slog.Logger, res *RenderResult, cleanedUp bool) {
	if s.db == nil {
		return
	}
	if err := s.db.CompleteJob(ctx, res.RunID, res.ImagePath, res.ImageKey, cleanedUp); err != nil {
		logger.Warn("failed to mark job complete", "error", err)
	}
}

func (s *RenderService) setStatus(ctx context.Context, logger *slog.Logger, runID, status string, opts *JobOptions) {
	logger.Debug("render step", "status", status)
	if s.db != nil {
		if err := s.db.UpdateJobStatus(ctx, runID, status); err != nil {
			logger.Warn("failed to update job status", "error", err)
		}
	}
	s.notify(opts, status, "")
}

func (s *RenderService) recordResources(ctx context.Context, logger *slog.Logger, res *RenderResult) {
	if s.db == nil {
		return
	}
	if err := s.db.UpdateJobResources(ctx, res.RunID, res.SourceID, res.TilesetID, res.MapboxJobID); err != nil {
		logger.Warn("failed to record remote resources", "error", err)
	}
}

func (s *RenderService) notify(opts *JobOptions, status, message string) {
	if opts.OnStatus != nil {
		opts.OnStatus(status, message)
	}
}

// BatchResult summarizes a batch run
type BatchResult struct {
	Succeeded []*RenderResult
	Failed    map[string]error
}

// RunBatch renders every file with at most workers files in flight. A failed
// file is logged and the batch moves on.
func (s *RenderService) RunBatch(ctx context.Context, files []string, workers int, opts *JobOptions) *BatchResult {
	if workers < 1 {
		workers = 1
	}

	result := &BatchResult{Failed: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(workers)

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			for _, rest := range files[i:] {
				result.Failed[rest] = fmt.Errorf("skipped: %w", err)
			}
			mu.Unlock()
			break
		}

		g.Go(func() error {
			logger := slog.With("file", filepath.Base(file))
			logger.Info("processing file")

			res, err := s.ProcessFile(ctx, file, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("file failed, continuing with the next one", "error", err)
				result.Failed[file] = err
				return nil
			}
			result.Succeeded = append(result.Succeeded, res)
			return nil
		})
	}

	g.Wait()
	return result
}
