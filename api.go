package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxRenderBodyBytes = 32 << 20

// APIServer handles HTTP requests for route renders
type APIServer struct {
	service     *RenderService
	db          *Database
	jobQueue    chan *renderRequest
	activeJobs  map[string]*JobStatus
	jobsMutex   sync.RWMutex
	subscribers map[string][]chan JobStatusUpdate
	subsMutex   sync.RWMutex
}

type renderRequest struct {
	id      string
	name    string
	samples []CoordinateSample
}

// JobStatus tracks the current status of a job
type JobStatus struct {
	ID        string
	Name      string
	Status    string
	Result    *RenderResult
	Error     error
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStatusUpdate represents a status update for streaming
type JobStatusUpdate struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RenderResponse represents the response to a render request
type RenderResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// JobStatusResponse represents the response to a status request
type JobStatusResponse struct {
	JobID        string  `json:"jobId"`
	File         string  `json:"file"`
	Status       string  `json:"status"`
	SourceID     *string `json:"sourceId,omitempty"`
	TilesetID    *string `json:"tilesetId,omitempty"`
	MapboxJobID  *string `json:"mapboxJobId,omitempty"`
	ImagePath    *string `json:"imagePath,omitempty"`
	ImageKey     *string `json:"imageKey,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	UpdatedAt    string  `json:"updatedAt"`
}

// NewAPIServer creates a new API server. db may be nil.
func NewAPIServer(service *RenderService, db *Database) *APIServer {
	return &APIServer{
		service:     service,
		db:          db,
		jobQueue:    make(chan *renderRequest, 100),
		activeJobs:  make(map[string]*JobStatus),
		subscribers: make(map[string][]chan JobStatusUpdate),
	}
}

// Handler returns the API routes
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/render", s.handleRender)
	mux.HandleFunc("/api/jobs/", s.handleJobStatus)
	mux.HandleFunc("/api/jobs", s.handleListJobs)
	mux.HandleFunc("/api/stream/", s.handleJobStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start runs the job processor and serves until ctx is cancelled
func (s *APIServer) Start(ctx context.Context, port int) error {
	go s.processJobs(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("starting API server", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// handleRender handles POST /api/render with a JSON array of samples
func (s *APIServer) handleRender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var samples []CoordinateSample
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRenderBodyBytes)).Decode(&samples); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if len(samples) == 0 {
		http.Error(w, "At least one sample is required", http.StatusBadRequest)
		return
	}

	jobID := uuid.New().String()
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "api-" + jobID[:8]
	}

	now := time.Now()
	s.jobsMutex.Lock()
	s.activeJobs[jobID] = &JobStatus{
		ID:        jobID,
		Name:      name,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobsMutex.Unlock()

	select {
	case s.jobQueue <- &renderRequest{id: jobID, name: name, samples: samples}:
		slog.Info("job queued", "job_id", jobID, "name", name, "samples", len(samples))
	default:
		s.jobsMutex.Lock()
		delete(s.activeJobs, jobID)
		s.jobsMutex.Unlock()
		http.Error(w, "Job queue is full", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(RenderResponse{
		JobID:   jobID,
		Message: "Job queued successfully",
	})
}

// handleJobStatus handles GET /api/jobs/{jobId}
func (s *APIServer) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Path[len("/api/jobs/"):]
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	s.jobsMutex.RLock()
	status, exists := s.activeJobs[jobID]
	var resp JobStatusResponse
	if exists {
		resp = status.response()
	}
	s.jobsMutex.RUnlock()

	if !exists {
		if s.db == nil {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		job, err := s.db.GetJobByID(r.Context(), jobID)
		if err != nil {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		resp = jobResponse(job)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleListJobs handles GET /api/jobs
func (s *APIServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobs := []JobStatusResponse{}

	if s.db != nil {
		rows, err := s.db.ListJobs(r.Context(), 100)
		if err != nil {
			slog.Error("failed to list jobs", "error", err)
			http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
			return
		}
		for _, job := range rows {
			jobs = append(jobs, jobResponse(job))
		}
	} else {
		s.jobsMutex.RLock()
		for _, status := range s.activeJobs {
			jobs = append(jobs, status.response())
		}
		s.jobsMutex.RUnlock()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// handleJobStream handles GET /api/stream/{jobId} for Server-Sent Events
func (s *APIServer) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := r.URL.Path[len("/api/stream/"):]
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the status so a transition in between is not lost.
	updateChan := s.subscribe(jobID)
	defer s.unsubscribe(jobID, updateChan)

	s.jobsMutex.RLock()
	status, exists := s.activeJobs[jobID]
	var current string
	if exists {
		current = status.Status
	}
	s.jobsMutex.RUnlock()

	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	writeEvent(w, JobStatusUpdate{
		JobID:     jobID,
		Status:    current,
		Message:   "Connected to job stream",
		UpdatedAt: time.Now(),
	})
	flusher.Flush()
	if isTerminal(current) {
		return
	}

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case update := <-updateChan:
			writeEvent(w, update)
			flusher.Flush()
			if isTerminal(update.Status) {
				return
			}
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleHealth handles GET /health
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// processJobs renders queued requests one at a time
func (s *APIServer) processJobs(ctx context.Context) {
	for {
		select {
		case req := <-s.jobQueue:
			s.processJob(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (s *APIServer) processJob(ctx context.Context, req *renderRequest) {
	slog.Info("processing job", "job_id", req.id, "name", req.name)

	opts := &JobOptions{
		OnStatus: func(status, message string) {
			s.updateJobStatus(req.id, status, message)
		},
	}

	res, err := s.service.ProcessSamples(ctx, req.id, req.name, req.samples, opts)

	s.jobsMutex.Lock()
	if status, exists := s.activeJobs[req.id]; exists {
		status.Result = res
		status.Error = err
		status.UpdatedAt = time.Now()
	}
	s.jobsMutex.Unlock()

	if err != nil {
		slog.Error("job failed", "job_id", req.id, "error", err)
		return
	}
	slog.Info("job completed", "job_id", req.id, "image", res.ImagePath)
}

// updateJobStatus records a pipeline step and notifies subscribers
func (s *APIServer) updateJobStatus(jobID, status, message string) {
	s.jobsMutex.Lock()
	if job, exists := s.activeJobs[jobID]; exists {
		job.Status = status
		job.UpdatedAt = time.Now()
	}
	s.jobsMutex.Unlock()

	update := JobStatusUpdate{
		JobID:     jobID,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now(),
	}
	if status == StatusFailed || status == StatusOrphaned {
		update.Error = message
	}

	s.subsMutex.RLock()
	defer s.subsMutex.RUnlock()
	for _, ch := range s.subscribers[jobID] {
		select {
		case ch <- update:
		default:
			// Channel full, skip
		}
	}
}

func (s *APIServer) subscribe(jobID string) chan JobStatusUpdate {
	ch := make(chan JobStatusUpdate, 10)
	s.subsMutex.Lock()
	s.subscribers[jobID] = append(s.subscribers[jobID], ch)
	s.subsMutex.Unlock()
	return ch
}

func (s *APIServer) unsubscribe(jobID string, ch chan JobStatusUpdate) {
	s.subsMutex.Lock()
	defer s.subsMutex.Unlock()

	subs := s.subscribers[jobID]
	for i, c := range subs {
		if c == ch {
			s.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subscribers[jobID]) == 0 {
		delete(s.subscribers, jobID)
	}
}

func (j *JobStatus) response() JobStatusResponse {
	resp := JobStatusResponse{
		JobID:     j.ID,
		File:      j.Name,
		Status:    j.Status,
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
	if j.Result != nil {
		resp.SourceID = optional(j.Result.SourceID)
		resp.TilesetID = optional(j.Result.TilesetID)
		resp.MapboxJobID = optional(j.Result.MapboxJobID)
		resp.ImagePath = optional(j.Result.ImagePath)
		resp.ImageKey = optional(j.Result.ImageKey)
	}
	if j.Error != nil {
		msg := j.Error.Error()
		resp.ErrorMessage = &msg
	}
	return resp
}

func jobResponse(job *RenderJob) JobStatusResponse {
	return JobStatusResponse{
		JobID:        job.ID,
		File:         job.File,
		Status:       job.Status,
		SourceID:     job.SourceID,
		TilesetID:    job.TilesetID,
		MapboxJobID:  job.MapboxJobID,
		ImagePath:    job.ImagePath,
		ImageKey:     job.ImageKey,
		ErrorMessage: job.ErrorMessage,
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusOrphaned
}

func writeEvent(w http.ResponseWriter, update JobStatusUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
