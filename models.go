package main

import (
	"time"

	"github.com/paulmach/orb"
)

// CoordinateSample is one recorded position as stored in the sample documents.
// A sample with both values exactly 0 means the position was not captured.
type CoordinateSample struct {
	LongitudeInDegree float64 `json:"LongitudeInDegree"`
	LatitudeInDegree  float64 `json:"LatitudeInDegree"`
}

// RenderJob is a row of the render ledger
type RenderJob struct {
	ID           string
	File         string
	Status       string // "pending", "uploading", "creating", "publishing", "polling", "rendering", "cleaning", "completed", "orphaned", "failed"
	SourceID     *string
	TilesetID    *string
	MapboxJobID  *string
	ImagePath    *string
	ImageKey     *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Render job statuses
const (
	StatusPending    = "pending"
	StatusUploading  = "uploading"
	StatusCreating   = "creating"
	StatusPublishing = "publishing"
	StatusPolling    = "polling"
	StatusRendering  = "rendering"
	StatusCleaning   = "cleaning"
	StatusCompleted  = "completed"
	StatusOrphaned   = "orphaned"
	StatusFailed     = "failed"
)

// TilesetCenter is the center reported by the tileset listing.
// All fields are nil when the tileset was not found.
type TilesetCenter struct {
	Lon  *float64
	Lat  *float64
	Zoom *int
}

// Found reports whether the listing returned a usable position
func (c TilesetCenter) Found() bool {
	return c.Lon != nil && c.Lat != nil
}

// RenderResult describes what a single file produced
type RenderResult struct {
	RunID       string
	File        string
	Points      int
	Bound       orb.Bound
	SourceID    string
	TilesetID   string
	MapboxJobID string
	Center      TilesetCenter
	ImagePath   string
	ImageKey    string // empty when the image was not mirrored to S3

	// CleanupErr is set when the image was produced but deleting the
	// remote tileset or source failed.
	CleanupErr error
}

// JobOptions represents per-run switches
type JobOptions struct {
	SkipUpload bool // don't mirror rendered images to S3
	NoCleanup  bool // leave remote tilesets and sources in place

	// OnStatus, when set, is called on every pipeline step
	OnStatus func(status, message string)
}
