package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	// Parse flags
	configPath := flag.String("config", ".env", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	help := flag.Bool("help", false, "Show help message")
	flag.Parse()

	// Show help if requested or no arguments provided
	args := flag.Args()
	if *help || len(args) == 0 {
		showHelp()
		os.Exit(0)
	}

	command := args[0]

	// Text logging until the config tells us otherwise
	setupLogging(*debug, os.Getenv("LOG_FORMAT"))

	switch command {
	case "render":
		cmdRender(args[1:], *configPath, *debug)
	case "serve":
		cmdServe(args[1:], *configPath, *debug)
	case "cleanup":
		cmdCleanup(args[1:], *configPath, *debug)
	case "verify":
		cmdVerify(args[1:], *configPath, *debug)
	default:
		slog.Error("unknown command", "command", command)
		showHelp()
		os.Exit(1)
	}
}

// setupLogging installs the default slog logger. format is "text" or "json".
func setupLogging(debug bool, format string) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig(configPath string, debug bool) *Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(debug, cfg.Service.LogFormat)
	return cfg
}

// signalContext returns a context cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// openDatabase connects to the render ledger. The ledger is optional.
func openDatabase(ctx context.Context, cfg *Config) *Database {
	db, err := NewDatabase(cfg.Database)
	if err != nil {
		slog.Warn("failed to connect to database (continuing without job tracking)", "error", err)
		return nil
	}
	if err := db.EnsureSchema(ctx); err != nil {
		slog.Warn("failed to prepare job table (continuing without job tracking)", "error", err)
		db.Close()
		return nil
	}
	return db
}

// openS3 creates the image mirror client when credentials are configured
func openS3(cfg *Config, skip bool) *S3Client {
	if skip || !cfg.S3.Enabled() {
		slog.Info("S3 mirror disabled")
		return nil
	}
	s3Client, err := NewS3Client(cfg.S3)
	if err != nil {
		slog.Warn("failed to initialize S3 client (continuing without image mirror)", "error", err)
		return nil
	}
	return s3Client
}

// newRenderService wires the mapping API client, limiter and poller
func newRenderService(cfg *Config, db *Database, s3Client *S3Client) *RenderService {
	limiters := NewEndpointLimiters(cfg.RateLimit)
	client := NewMapboxClient(cfg.Mapbox, NewHTTPClient(cfg.Service.RequestTimeout), limiters, NewRandomIDGenerator())
	poller := NewStatusPoller(client, cfg.Service)
	return NewRenderService(client, poller, db, s3Client, cfg)
}

// cmdRender renders every sample file given, or every file in INPUT_DIR
func cmdRender(args []string, configPath string, debug bool) {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	workers := fs.Int("workers", 0, "Number of files rendered concurrently (default WORKERS)")
	skipUpload := fs.Bool("skip-upload", false, "Don't mirror rendered images to S3")
	noCleanup := fs.Bool("no-cleanup", false, "Leave remote tilesets and sources in place")
	fs.Parse(reorderFlagsFirst(args))

	cfg := loadConfig(configPath, debug)

	files := fs.Args()
	if len(files) == 0 {
		var err error
		files, err = ListInputFiles(cfg.Paths.InputDir)
		if err != nil {
			slog.Error("failed to list input files", "error", err, "dir", cfg.Paths.InputDir)
			os.Exit(1)
		}
	}
	if len(files) == 0 {
		slog.Error("no input files found", "dir", cfg.Paths.InputDir)
		os.Exit(1)
	}

	numWorkers := *workers
	if numWorkers < 1 {
		numWorkers = cfg.Service.Workers
	}

	ctx, cancel := signalContext()
	defer cancel()

	db := openDatabase(ctx, cfg)
	if db != nil {
		defer db.Close()
	}
	s3Client := openS3(cfg, *skipUpload)

	service := newRenderService(cfg, db, s3Client)

	slog.Info("starting batch render",
		"files", len(files),
		"workers", numWorkers,
		"output_dir", cfg.Paths.OutputDir,
		"skip_upload", *skipUpload,
		"no_cleanup", *noCleanup,
	)

	result := service.RunBatch(ctx, files, numWorkers, &JobOptions{
		SkipUpload: *skipUpload,
		NoCleanup:  *noCleanup,
	})

	orphaned := 0
	for _, res := range result.Succeeded {
		if res.CleanupErr != nil {
			orphaned++
		}
	}

	slog.Info("batch render completed",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"orphaned", orphaned,
	)

	if len(result.Failed) > 0 {
		for file, err := range result.Failed {
			slog.Error("failed file", "file", file, "error", err)
		}
		os.Exit(1)
	}
}

// cmdServe starts the REST API server
func cmdServe(args []string, configPath string, debug bool) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 8080, "Port to listen on")
	fs.Parse(args)

	cfg := loadConfig(configPath, debug)

	ctx, cancel := signalContext()
	defer cancel()

	db := openDatabase(ctx, cfg)
	if db != nil {
		defer db.Close()
	}
	s3Client := openS3(cfg, false)

	apiServer := NewAPIServer(newRenderService(cfg, db, s3Client), db)
	if err := apiServer.Start(ctx, *port); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// cmdCleanup removes remote tilesets and sources the ledger recorded as left behind
func cmdCleanup(args []string, configPath string, debug bool) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	limit := fs.Int("limit", 100, "Maximum number of jobs to clean up")
	fs.Parse(args)

	cfg := loadConfig(configPath, debug)

	ctx, cancel := signalContext()
	defer cancel()

	db, err := NewDatabase(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database (required for cleanup)", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	jobs, err := db.GetOrphanedJobs(ctx, *limit)
	if err != nil {
		slog.Error("failed to query orphaned jobs", "error", err)
		os.Exit(1)
	}
	if len(jobs) == 0 {
		slog.Info("no orphaned remote resources")
		return
	}

	service := newRenderService(cfg, db, nil)

	var failed int
	for _, job := range jobs {
		logger := slog.With("job_id", job.ID, "file", job.File)
		tilesetID, sourceID := deref(job.TilesetID), deref(job.SourceID)

		if err := service.CleanupRemote(ctx, tilesetID, sourceID); err != nil {
			logger.Error("cleanup failed", "error", err, "tileset_id", tilesetID, "source_id", sourceID)
			failed++
			continue
		}
		if err := db.MarkJobCleanedUp(ctx, job.ID); err != nil {
			logger.Warn("failed to mark job cleaned up", "error", err)
		}
		logger.Info("remote resources removed", "tileset_id", tilesetID, "source_id", sourceID)
	}

	slog.Info("cleanup completed", "jobs", len(jobs), "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// cmdVerify checks rendered images and, optionally, their S3 copies
func cmdVerify(args []string, configPath string, debug bool) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	checkS3 := fs.Bool("s3", false, "Also check that every image exists in the bucket")
	fs.Parse(reorderFlagsFirst(args))

	cfg := loadConfig(configPath, debug)

	dir := cfg.Paths.OutputDir
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}

	report, err := VerifyImageDirectory(dir)
	if err != nil {
		slog.Error("verification failed", "error", err)
		os.Exit(1)
	}

	if *checkS3 {
		if !cfg.S3.Enabled() {
			slog.Error("S3 credentials are not configured")
			os.Exit(1)
		}
		s3Client, err := NewS3Client(cfg.S3)
		if err != nil {
			slog.Error("failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		if err := VerifyUploads(context.Background(), s3Client, report); err != nil {
			slog.Error("upload verification failed", "error", err)
			os.Exit(1)
		}
	}

	report.Print()

	if !report.OK {
		os.Exit(1)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// reorderFlagsFirst moves flag arguments before positional arguments so Go's
// flag package parses them correctly. Go's flag stops at the first non-flag arg.
// Boolean flags must use the "-flag" or "-flag=value" form.
func reorderFlagsFirst(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags = append(flags, args[i])
			// "-workers 4" form: the next arg is the value
			if args[i] == "-workers" || args[i] == "--workers" {
				if i+1 < len(args) {
					i++
					flags = append(flags, args[i])
				}
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}

func showHelp() {
	help := `Route Renderer - Render recorded routes to static map images via Mapbox tilesets

Usage:
  route-renderer [global options] <command> [command options] [arguments]

Global Options:
  -config string        Path to .env configuration file (default ".env", .env.local wins)
  -debug                Enable debug logging
  -help                 Show this help message

Commands:
  render                Render sample files to images
  serve                 Start the REST API server
  cleanup               Delete remote tilesets and sources left behind by earlier runs
  verify                Verify rendered images (and their S3 copies)

Render Command:
  Usage: route-renderer render [options] [files...]

  Arguments:
    [files...]            Sample files (.json, .kml, .kmz). Defaults to every file in INPUT_DIR

  Options:
    -workers int          Number of files rendered concurrently (default WORKERS, 1)
    -skip-upload          Don't mirror rendered images to S3
    -no-cleanup           Leave the remote tileset and source in place

  Description:
    For each file: drop (0,0) samples, compute the bounding box, upload the
    route as a tileset source, create and publish a tileset, wait for the
    publish job, look up the tileset center, fetch a static image of the
    bounding box and write it to OUTPUT_DIR/{tilesetId}-{IMAGE_SUFFIX}.jpg.
    The remote tileset and source are deleted afterwards. A failed file is
    logged and the batch continues.

Serve Command:
  Usage: route-renderer serve [options]

  Options:
    -port int             Port to listen on (default 8080)

  API Endpoints:
    POST   /api/render?name=...   - Render a JSON array of samples
    GET    /api/jobs              - List jobs
    GET    /api/jobs/{jobId}      - Get status of a specific job
    GET    /api/stream/{jobId}    - Stream real-time job updates (SSE)
    GET    /health                - Health check endpoint
    GET    /metrics               - Prometheus metrics

Cleanup Command:
  Usage: route-renderer cleanup [-limit N]

  Description:
    Requires the database. Deletes tilesets and sources of jobs recorded as
    orphaned or failed and marks them cleaned up.

Verify Command:
  Usage: route-renderer verify [-s3] [dir]

  Description:
    Checks every .jpg in OUTPUT_DIR (or dir) is a non-empty JPEG/PNG.
    With -s3, also checks each image exists in the bucket.
    Exits 0 if verification passes, 1 if issues are found.

Examples:
  # Render every file in ./json
  ./route-renderer render

  # Render two files with 2 workers, keep the images local
  ./route-renderer render -workers 2 -skip-upload json/a.json json/b.kml

  # Debug mode with JSON logs
  LOG_FORMAT=json ./route-renderer -debug render json/a.json

  # Remove remote resources left behind by interrupted runs
  ./route-renderer cleanup
`
	fmt.Print(help)
}
