package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Database wraps the render ledger
type Database struct {
	conn *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(cfg DatabaseConfig) (*Database, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("database connected successfully")

	return &Database{conn: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.conn.Close()
}

// EnsureSchema creates the ledger table when it does not exist yet
func (d *Database) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS "RenderJob" (
			id              TEXT PRIMARY KEY,
			file            TEXT NOT NULL,
			status          TEXT NOT NULL,
			"sourceId"      TEXT,
			"tilesetId"     TEXT,
			"jobId"         TEXT,
			"imagePath"     TEXT,
			"imageKey"      TEXT,
			"cleanedUp"     BOOLEAN NOT NULL DEFAULT FALSE,
			"errorMessage"  TEXT,
			"createdAt"     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			"updatedAt"     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			"completedAt"   TIMESTAMPTZ
		)
	`
	if _, err := d.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create RenderJob table: %w", err)
	}
	return nil
}

// CreateJob inserts a new pending job
func (d *Database) CreateJob(ctx context.Context, job *RenderJob) error {
	query := `
		INSERT INTO "RenderJob" (id, file, status, "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := d.conn.ExecContext(ctx, query, job.ID, job.File, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// UpdateJobStatus updates the status of a job
func (d *Database) UpdateJobStatus(ctx context.Context, jobID, status string) error {
	query := `UPDATE "RenderJob" SET status = $1, "updatedAt" = NOW() WHERE id = $2`

	result, err := d.conn.ExecContext(ctx, query, status, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}

	return nil
}

// UpdateJobResources records the remote ids created so far. Empty ids are left untouched.
func (d *Database) UpdateJobResources(ctx context.Context, jobID, sourceID, tilesetID, mapboxJobID string) error {
	query := `
		UPDATE "RenderJob"
		SET "sourceId" = COALESCE(NULLIF($1, ''), "sourceId"),
		    "tilesetId" = COALESCE(NULLIF($2, ''), "tilesetId"),
		    "jobId" = COALESCE(NULLIF($3, ''), "jobId"),
		    "updatedAt" = NOW()
		WHERE id = $4
	`
	if _, err := d.conn.ExecContext(ctx, query, sourceID, tilesetID, mapboxJobID, jobID); err != nil {
		return fmt.Errorf("failed to update job resources: %w", err)
	}
	return nil
}

// UpdateJobError marks a job as failed
func (d *Database) UpdateJobError(ctx context.Context, jobID, errorMsg string) error {
	query := `
		UPDATE "RenderJob"
		SET status = 'failed', "errorMessage" = $1, "updatedAt" = NOW()
		WHERE id = $2
	`
	if _, err := d.conn.ExecContext(ctx, query, errorMsg, jobID); err != nil {
		return fmt.Errorf("failed to update job error: %w", err)
	}
	return nil
}

// CompleteJob marks a job as completed with its image location
func (d *Database) CompleteJob(ctx context.Context, jobID, imagePath, imageKey string, cleanedUp bool) error {
	query := `
		UPDATE "RenderJob"
		SET
			status = 'completed',
			"imagePath" = $1,
			"imageKey" = NULLIF($2, ''),
			"cleanedUp" = $3,
			"completedAt" = NOW(),
			"updatedAt" = NOW()
		WHERE id = $4
	`

	result, err := d.conn.ExecContext(ctx, query, imagePath, imageKey, cleanedUp, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}

	return nil
}

// MarkJobOrphaned records that the image exists but remote resources were left behind
func (d *Database) MarkJobOrphaned(ctx context.Context, jobID, imagePath, imageKey, errorMsg string) error {
	query := `
		UPDATE "RenderJob"
		SET
			status = 'orphaned',
			"imagePath" = NULLIF($1, ''),
			"imageKey" = NULLIF($2, ''),
			"errorMessage" = $3,
			"completedAt" = NOW(),
			"updatedAt" = NOW()
		WHERE id = $4
	`
	if _, err := d.conn.ExecContext(ctx, query, imagePath, imageKey, errorMsg, jobID); err != nil {
		return fmt.Errorf("failed to mark job orphaned: %w", err)
	}
	return nil
}

// MarkJobCleanedUp records that the job's remote resources are gone
func (d *Database) MarkJobCleanedUp(ctx context.Context, jobID string) error {
	query := `
		UPDATE "RenderJob"
		SET "cleanedUp" = TRUE,
		    status = CASE WHEN status = 'orphaned' THEN 'completed' ELSE status END,
		    "updatedAt" = NOW()
		WHERE id = $1
	`
	if _, err := d.conn.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to mark job cleaned up: %w", err)
	}
	return nil
}

const renderJobColumns = `
	id, file, status, "sourceId", "tilesetId", "jobId", "imagePath", "imageKey",
	"errorMessage", "createdAt", "updatedAt", "completedAt"
`

func scanRenderJob(row interface{ Scan(...any) error }) (*RenderJob, error) {
	job := &RenderJob{}
	err := row.Scan(
		&job.ID, &job.File, &job.Status,
		&job.SourceID, &job.TilesetID, &job.MapboxJobID,
		&job.ImagePath, &job.ImageKey, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	return job, err
}

// GetJobByID retrieves a specific job by ID
func (d *Database) GetJobByID(ctx context.Context, jobID string) (*RenderJob, error) {
	query := `SELECT ` + renderJobColumns + ` FROM "RenderJob" WHERE id = $1`

	job, err := scanRenderJob(d.conn.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	return job, nil
}

// ListJobs returns the most recent jobs first
func (d *Database) ListJobs(ctx context.Context, limit int) ([]*RenderJob, error) {
	query := `SELECT ` + renderJobColumns + ` FROM "RenderJob" ORDER BY "createdAt" DESC LIMIT $1`
	return d.queryJobs(ctx, query, limit)
}

// GetOrphanedJobs returns jobs whose tileset or source may still exist remotely
func (d *Database) GetOrphanedJobs(ctx context.Context, limit int) ([]*RenderJob, error) {
	query := `SELECT ` + renderJobColumns + `
		FROM "RenderJob"
		WHERE "cleanedUp" = FALSE
		  AND status IN ('orphaned', 'failed')
		  AND ("sourceId" IS NOT NULL OR "tilesetId" IS NOT NULL)
		ORDER BY "createdAt"
		LIMIT $1`
	return d.queryJobs(ctx, query, limit)
}

func (d *Database) queryJobs(ctx context.Context, query string, args ...any) ([]*RenderJob, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*RenderJob
	for rows.Next() {
		job, err := scanRenderJob(rows)
		if err != nil {
			slog.Error("failed to scan job row", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}
