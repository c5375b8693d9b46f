package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

// fakeMapbox scripts the tilesets and static images endpoints and records the call order
type fakeMapbox struct {
	mu    sync.Mutex
	calls []string

	stages      []string
	statusCalls int
	center      string // JSON array, empty means not listed

	staticStatus        int
	deleteTilesetStatus int
	deleteSourceStatus  int

	sourceID     string
	tilesetID    string // most recently created
	tilesets     []string
	recipeSource string
}

func newFakeMapbox() *fakeMapbox {
	return &fakeMapbox{
		stages:              []string{StageProcessing, StageSuccess},
		center:              `[-122.4,37.8,12]`,
		staticStatus:        http.StatusOK,
		deleteTilesetStatus: http.StatusOK,
		deleteSourceStatus:  http.StatusNoContent,
	}
}

func (f *fakeMapbox) setDeleteStatuses(tileset, source int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteTilesetStatus = tileset
	f.deleteSourceStatus = source
}

func (f *fakeMapbox) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMapbox) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMapbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path

	switch {
	case strings.HasPrefix(p, "/styles/v1/user/style/static/"):
		f.record("static")
		w.WriteHeader(f.staticStatus)
		if f.staticStatus == http.StatusOK {
			w.Write(testJPEG)
		}

	case strings.HasPrefix(p, "/tilesets/v1/sources/user/"):
		id := strings.TrimPrefix(p, "/tilesets/v1/sources/user/")
		if r.Method == http.MethodDelete {
			f.record("delete-source")
			f.mu.Lock()
			status := f.deleteSourceStatus
			f.mu.Unlock()
			w.WriteHeader(status)
			return
		}
		f.record("upload")
		f.mu.Lock()
		f.sourceID = id
		f.mu.Unlock()
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{"files":1}`))

	case p == "/tilesets/v1/user":
		f.record("list")
		f.mu.Lock()
		entries := []string{`{"id":"user.other","center":[0,0,1]}`}
		if f.center != "" {
			for _, id := range f.tilesets {
				entries = append(entries, fmt.Sprintf(`{"id":"user.%s","center":%s}`, id, f.center))
			}
		}
		f.mu.Unlock()
		w.Write([]byte("[" + strings.Join(entries, ",") + "]"))

	case strings.HasPrefix(p, "/tilesets/v1/user."):
		rest := strings.TrimPrefix(p, "/tilesets/v1/user.")
		switch {
		case strings.HasSuffix(rest, "/publish"):
			f.record("publish")
			w.Write([]byte(`{"message":"Processing","jobId":"job1"}`))
		case strings.Contains(rest, "/jobs/"):
			f.record("status")
			f.mu.Lock()
			stage := f.stages[min(f.statusCalls, len(f.stages)-1)]
			f.statusCalls++
			f.mu.Unlock()
			fmt.Fprintf(w, `{"id":"job1","stage":%q}`, stage)
		case r.Method == http.MethodDelete:
			f.record("delete-tileset")
			f.mu.Lock()
			status := f.deleteTilesetStatus
			f.mu.Unlock()
			w.WriteHeader(status)
		default:
			f.record("create")
			var req CreateTilesetRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.tilesetID = rest
			f.tilesets = append(f.tilesets, rest)
			f.recipeSource = req.Recipe.Layers.RouteSource.Source
			f.mu.Unlock()
			w.Write([]byte(`{"message":"created"}`))
		}

	default:
		http.NotFound(w, r)
	}
}

func newTestService(t *testing.T, fake *fakeMapbox) (*RenderService, *Config) {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &Config{
		Mapbox:    testMapboxConfig(srv.URL),
		RateLimit: RateLimitConfig{PublishRequests: 2, DefaultRequests: 100, Window: 5 * time.Second},
		Paths:     PathsConfig{OutputDir: filepath.Join(t.TempDir(), "images"), ImageSuffix: "route"},
		Service: ServiceConfig{
			Workers:           1,
			PollInterval:      5 * time.Second,
			PollTimeout:       time.Minute,
			MaxPublishRetries: 3,
		},
	}

	// republishing more than twice would wait on the publish budget
	limiters := NewEndpointLimiters(RateLimitConfig{PublishRequests: 10, DefaultRequests: 100, Window: 5 * time.Second})
	client := NewMapboxClient(cfg.Mapbox, srv.Client(), limiters, NewSeededIDGenerator(1))

	poller := NewStatusPoller(client, cfg.Service)
	poller.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	return NewRenderService(client, poller, nil, nil, cfg), cfg
}

func routeSamples() []CoordinateSample {
	return []CoordinateSample{
		{LongitudeInDegree: -122.50, LatitudeInDegree: 37.70},
		{LongitudeInDegree: 0, LatitudeInDegree: 0},
		{LongitudeInDegree: -122.40, LatitudeInDegree: 37.80},
		{LongitudeInDegree: -122.30, LatitudeInDegree: 37.90},
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (s *statusRecorder) options() *JobOptions {
	return &JobOptions{OnStatus: func(status, message string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.statuses = append(s.statuses, status)
	}}
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected call order\n got: %v\nwant: %v", got, want)
	}
}

func TestProcessSamples_FullPipeline(t *testing.T) {
	fake := newFakeMapbox()
	service, cfg := newTestService(t, fake)
	rec := &statusRecorder{}

	res, err := service.ProcessSamples(context.Background(), "run-1", "route.json", routeSamples(), rec.options())
	if err != nil {
		t.Fatal(err)
	}

	assertCalls(t, fake.Calls(),
		"upload", "create", "publish", "status", "status", "list", "static", "delete-tileset", "delete-source")

	if res.RunID != "run-1" || res.File != "route.json" {
		t.Errorf("unexpected run identity %+v", res)
	}
	if res.Points != 3 {
		t.Errorf("expected 3 points after filtering, got %d", res.Points)
	}
	if res.SourceID != fake.sourceID {
		t.Errorf("source id %q does not match uploaded %q", res.SourceID, fake.sourceID)
	}
	if res.TilesetID != fake.tilesetID {
		t.Errorf("tileset id %q does not match created %q", res.TilesetID, fake.tilesetID)
	}
	if fake.recipeSource != "mapbox://tileset-source/user/"+res.SourceID {
		t.Errorf("recipe does not reference the uploaded source: %s", fake.recipeSource)
	}
	if res.MapboxJobID != "job1" {
		t.Errorf("expected job1, got %s", res.MapboxJobID)
	}
	if res.CleanupErr != nil {
		t.Errorf("unexpected cleanup error %v", res.CleanupErr)
	}
	if *res.Center.Zoom != 12 {
		t.Errorf("expected listed zoom 12, got %d", *res.Center.Zoom)
	}

	wantPath := filepath.Join(cfg.Paths.OutputDir, res.TilesetID+"-route.jpg")
	if res.ImagePath != wantPath {
		t.Errorf("expected image at %s, got %s", wantPath, res.ImagePath)
	}
	data, err := os.ReadFile(res.ImagePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(testJPEG) {
		t.Errorf("image bytes not written verbatim")
	}

	want := []string{StatusUploading, StatusCreating, StatusPublishing, StatusPolling, StatusRendering, StatusCleaning, StatusCompleted}
	if strings.Join(rec.statuses, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected statuses %v", rec.statuses)
	}
}

func TestProcessSamples_CleanupFailureKeepsImage(t *testing.T) {
	fake := newFakeMapbox()
	fake.deleteTilesetStatus = http.StatusInternalServerError
	fake.deleteSourceStatus = http.StatusOK // only 204 counts
	service, _ := newTestService(t, fake)
	rec := &statusRecorder{}

	res, err := service.ProcessSamples(context.Background(), "", "route.json", routeSamples(), rec.options())
	if err != nil {
		t.Fatalf("cleanup failures must not fail the run: %v", err)
	}

	if res.CleanupErr == nil {
		t.Fatal("expected CleanupErr")
	}
	if !errors.Is(res.CleanupErr, ErrDelete) {
		t.Errorf("expected ErrDelete, got %v", res.CleanupErr)
	}
	if !strings.Contains(res.CleanupErr.Error(), res.TilesetID) || !strings.Contains(res.CleanupErr.Error(), res.SourceID) {
		t.Errorf("both deletes should be reported: %v", res.CleanupErr)
	}
	if _, err := os.Stat(res.ImagePath); err != nil {
		t.Errorf("image should exist: %v", err)
	}
	if res.RunID == "" {
		t.Error("expected a generated run id")
	}

	calls := fake.Calls()
	assertCalls(t, calls[len(calls)-2:], "delete-tileset", "delete-source")
	if last := rec.statuses[len(rec.statuses)-1]; last != StatusOrphaned {
		t.Errorf("expected final status orphaned, got %s", last)
	}
}

func TestProcessSamples_InsufficientCoordinates(t *testing.T) {
	tests := []struct {
		name    string
		samples []CoordinateSample
	}{
		{"empty", nil},
		{"all zero", []CoordinateSample{{}, {}, {}}},
		{"single point", []CoordinateSample{{LongitudeInDegree: 1, LatitudeInDegree: 2}, {}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeMapbox()
			service, _ := newTestService(t, fake)

			_, err := service.ProcessSamples(context.Background(), "", "x.json", tt.samples, nil)
			if !errors.Is(err, ErrInsufficientCoordinates) {
				t.Errorf("expected ErrInsufficientCoordinates, got %v", err)
			}
			if calls := fake.Calls(); len(calls) != 0 {
				t.Errorf("expected no remote calls, got %v", calls)
			}
		})
	}
}

func TestProcessSamples_PublishFailureCleansUp(t *testing.T) {
	fake := newFakeMapbox()
	fake.stages = []string{StageFailed}
	service, _ := newTestService(t, fake)

	res, err := service.ProcessSamples(context.Background(), "", "route.json", routeSamples(), nil)
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	if res.ImagePath != "" {
		t.Errorf("no image expected, got %s", res.ImagePath)
	}

	calls := fake.Calls()
	publishes := 0
	for _, c := range calls {
		if c == "publish" {
			publishes++
		}
		if c == "static" || c == "list" {
			t.Errorf("unexpected %s call after publish failure", c)
		}
	}
	if publishes != 4 {
		t.Errorf("expected the initial publish plus 3 retries, got %d", publishes)
	}
	assertCalls(t, calls[len(calls)-2:], "delete-tileset", "delete-source")
}

func TestProcessSamples_TilesetNotListed(t *testing.T) {
	fake := newFakeMapbox()
	fake.center = ""
	service, _ := newTestService(t, fake)

	_, err := service.ProcessSamples(context.Background(), "", "route.json", routeSamples(), nil)
	if !errors.Is(err, ErrLookup) {
		t.Fatalf("expected ErrLookup, got %v", err)
	}

	calls := fake.Calls()
	for _, c := range calls {
		if c == "static" {
			t.Error("static image must not be requested for an unlisted tileset")
		}
	}
	assertCalls(t, calls[len(calls)-2:], "delete-tileset", "delete-source")
}

func TestProcessSamples_DerivesMissingZoom(t *testing.T) {
	fake := newFakeMapbox()
	fake.center = `[-122.4,37.8]`
	service, _ := newTestService(t, fake)

	res, err := service.ProcessSamples(context.Background(), "", "route.json", routeSamples(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Center.Zoom == nil {
		t.Fatal("expected a derived zoom")
	}
	_, want := CenterAndZoom(res.Bound)
	if *res.Center.Zoom != want {
		t.Errorf("expected zoom %d, got %d", want, *res.Center.Zoom)
	}
}

func TestProcessSamples_StaticImageFailure(t *testing.T) {
	fake := newFakeMapbox()
	fake.staticStatus = http.StatusForbidden
	service, cfg := newTestService(t, fake)

	_, err := service.ProcessSamples(context.Background(), "", "route.json", routeSamples(), nil)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}

	entries, _ := os.ReadDir(cfg.Paths.OutputDir)
	if len(entries) != 0 {
		t.Errorf("no image should be written, found %d files", len(entries))
	}
	calls := fake.Calls()
	assertCalls(t, calls[len(calls)-2:], "delete-tileset", "delete-source")
}

func TestProcessSamples_NoCleanup(t *testing.T) {
	fake := newFakeMapbox()
	service, _ := newTestService(t, fake)

	res, err := service.ProcessSamples(context.Background(), "", "route.json", routeSamples(), &JobOptions{NoCleanup: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range fake.Calls() {
		if strings.HasPrefix(c, "delete") {
			t.Errorf("unexpected %s with NoCleanup", c)
		}
	}
	if _, err := os.Stat(res.ImagePath); err != nil {
		t.Errorf("image should exist: %v", err)
	}
}

func writeSampleFile(t *testing.T, dir, name string, samples []CoordinateSample) string {
	t.Helper()
	data, err := json.Marshal(samples)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunBatch_ContinuesAfterFailure(t *testing.T) {
	fake := newFakeMapbox()
	service, _ := newTestService(t, fake)
	dir := t.TempDir()

	first := writeSampleFile(t, dir, "a.json", routeSamples())
	broken := filepath.Join(dir, "b.json")
	if err := os.WriteFile(broken, []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}
	tooShort := writeSampleFile(t, dir, "c.json", []CoordinateSample{{LongitudeInDegree: 1, LatitudeInDegree: 1}})
	last := writeSampleFile(t, dir, "d.json", routeSamples())

	result := service.RunBatch(context.Background(), []string{first, broken, tooShort, last}, 1, nil)

	if len(result.Succeeded) != 2 {
		t.Errorf("expected 2 succeeded, got %d", len(result.Succeeded))
	}
	if len(result.Failed) != 2 {
		t.Fatalf("expected 2 failed, got %v", result.Failed)
	}
	if _, ok := result.Failed[broken]; !ok {
		t.Errorf("expected %s to fail", broken)
	}
	if !errors.Is(result.Failed[tooShort], ErrInsufficientCoordinates) {
		t.Errorf("expected ErrInsufficientCoordinates for %s, got %v", tooShort, result.Failed[tooShort])
	}
	if result.Succeeded[0].ImagePath == result.Succeeded[1].ImagePath {
		t.Error("each file should get its own tileset and image")
	}
}

func TestRunBatch_Concurrent(t *testing.T) {
	fake := newFakeMapbox()
	service, _ := newTestService(t, fake)
	dir := t.TempDir()

	var files []string
	for i := 0; i < 4; i++ {
		files = append(files, writeSampleFile(t, dir, fmt.Sprintf("%d.json", i), routeSamples()))
	}

	result := service.RunBatch(context.Background(), files, 3, &JobOptions{NoCleanup: true})
	if len(result.Succeeded) != 4 || len(result.Failed) != 0 {
		t.Errorf("expected 4 succeeded, got %d succeeded and %v failed", len(result.Succeeded), result.Failed)
	}
}

func TestRunBatch_CancelledSkipsRemaining(t *testing.T) {
	fake := newFakeMapbox()
	service, _ := newTestService(t, fake)
	dir := t.TempDir()

	files := []string{
		writeSampleFile(t, dir, "a.json", routeSamples()),
		writeSampleFile(t, dir, "b.json", routeSamples()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := service.RunBatch(ctx, files, 1, nil)
	if len(result.Failed) != 2 {
		t.Fatalf("expected both files skipped, got %v", result.Failed)
	}
	for _, f := range files {
		if !errors.Is(result.Failed[f], context.Canceled) {
			t.Errorf("%s: expected context.Canceled, got %v", f, result.Failed[f])
		}
	}
	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("expected no remote calls, got %v", calls)
	}
}

func TestCleanupRemote_RetryAfterPartialDelete(t *testing.T) {
	fake := newFakeMapbox()
	service, _ := newTestService(t, fake)
	ctx := context.Background()

	// tileset goes away, source delete fails
	fake.setDeleteStatuses(http.StatusOK, http.StatusInternalServerError)
	err := service.CleanupRemote(ctx, "ts1", "src1")
	if !errors.Is(err, ErrDelete) || !strings.Contains(err.Error(), "src1") {
		t.Fatalf("expected source delete error, got %v", err)
	}

	// the tileset is already gone on the retry
	fake.setDeleteStatuses(http.StatusNotFound, http.StatusNoContent)
	if err := service.CleanupRemote(ctx, "ts1", "src1"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	// both are gone
	fake.setDeleteStatuses(http.StatusNotFound, http.StatusNotFound)
	if err := service.CleanupRemote(ctx, "ts1", "src1"); err != nil {
		t.Errorf("expected already deleted resources to be ignored, got %v", err)
	}

	assertCalls(t, fake.Calls(),
		"delete-tileset", "delete-source",
		"delete-tileset", "delete-source",
		"delete-tileset", "delete-source",
	)
}

func TestCleanupRemote_OtherErrorsStillFail(t *testing.T) {
	fake := newFakeMapbox()
	service, _ := newTestService(t, fake)

	fake.setDeleteStatuses(http.StatusForbidden, http.StatusNoContent)
	err := service.CleanupRemote(context.Background(), "ts1", "src1")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 status error, got %v", err)
	}
}
