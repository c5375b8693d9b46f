package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the service configuration
type Config struct {
	Mapbox    MapboxConfig
	RateLimit RateLimitConfig
	Database  DatabaseConfig
	S3        S3Config
	Paths     PathsConfig
	Service   ServiceConfig
}

// MapboxConfig represents the mapping API account and render settings
type MapboxConfig struct {
	AccessToken        string
	Username           string
	StyleID            string
	TilesetsURL        string // must end with "/"
	StylesURL          string // must end with "/"
	TilesetName        string
	TilesetDescription string
	LineColor          string
}

// RateLimitConfig represents the per-endpoint request budgets
type RateLimitConfig struct {
	PublishRequests int // publish is throttled much harder than the rest
	DefaultRequests int
	Window          time.Duration
}

// DatabaseConfig represents database connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// S3Config represents S3/R2 connection settings
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
	BucketPath      string // e.g., "renders"
}

// Enabled reports whether enough settings are present to mirror images
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// PathsConfig represents file system paths
type PathsConfig struct {
	InputDir    string // Where sample files are read from
	OutputDir   string // Where rendered images are written
	ImageSuffix string // {tilesetId}-{suffix}.jpg
}

// ServiceConfig represents service-level settings
type ServiceConfig struct {
	Workers           int
	PollInterval      time.Duration
	PollTimeout       time.Duration
	MaxPublishRetries int
	RequestTimeout    time.Duration
	LogFormat         string
}

// LoadConfig loads configuration from a .env file and the process environment.
// Environment variables win over values from the file.
func LoadConfig(envPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Prefer .env.local over .env
	localEnvPath := strings.TrimSuffix(envPath, ".env") + ".env.local"
	if _, err := os.Stat(localEnvPath); err == nil {
		if err := readEnvFile(v, localEnvPath); err != nil {
			return nil, fmt.Errorf("failed to load local env file: %w", err)
		}
	} else if _, err := os.Stat(envPath); err == nil {
		if err := readEnvFile(v, envPath); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	v.AutomaticEnv()

	cfg := &Config{
		Mapbox: MapboxConfig{
			AccessToken:        v.GetString("MAPBOX_ACCESS_TOKEN"),
			Username:           v.GetString("MAPBOX_USERNAME"),
			StyleID:            v.GetString("MAPBOX_STYLE_ID"),
			TilesetsURL:        withTrailingSlash(v.GetString("MAPBOX_TILESETS_URL")),
			StylesURL:          withTrailingSlash(v.GetString("MAPBOX_STYLES_URL")),
			TilesetName:        v.GetString("TILESET_NAME"),
			TilesetDescription: v.GetString("TILESET_DESCRIPTION"),
			LineColor:          v.GetString("LINE_COLOR"),
		},
		RateLimit: RateLimitConfig{
			PublishRequests: v.GetInt("PUBLISH_RATE_LIMIT"),
			DefaultRequests: v.GetInt("DEFAULT_RATE_LIMIT"),
			Window:          time.Duration(v.GetInt("RATE_LIMIT_WINDOW_SECONDS")) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		S3: S3Config{
			Endpoint:        v.GetString("S3_ENDPOINT"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			Region:          v.GetString("S3_REGION"),
			Bucket:          v.GetString("S3_BUCKET"),
			BucketPath:      v.GetString("S3_BUCKET_PATH"),
		},
		Paths: PathsConfig{
			InputDir:    v.GetString("INPUT_DIR"),
			OutputDir:   v.GetString("OUTPUT_DIR"),
			ImageSuffix: v.GetString("IMAGE_SUFFIX"),
		},
		Service: ServiceConfig{
			Workers:           v.GetInt("WORKERS"),
			PollInterval:      time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
			PollTimeout:       time.Duration(v.GetInt("POLL_TIMEOUT_MINUTES")) * time.Minute,
			MaxPublishRetries: v.GetInt("MAX_PUBLISH_RETRIES"),
			RequestTimeout:    time.Duration(v.GetInt("REQUEST_TIMEOUT_SECONDS")) * time.Second,
			LogFormat:         v.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MAPBOX_TILESETS_URL", "https://api.mapbox.com/tilesets/v1/")
	v.SetDefault("MAPBOX_STYLES_URL", "https://api.mapbox.com/styles/v1/")
	v.SetDefault("TILESET_NAME", "Road User")
	v.SetDefault("TILESET_DESCRIPTION", "Road description")
	v.SetDefault("LINE_COLOR", "#a3e635")

	v.SetDefault("PUBLISH_RATE_LIMIT", 2)
	v.SetDefault("DEFAULT_RATE_LIMIT", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 5)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "drivefinder")
	v.SetDefault("DB_SSLMODE", "disable")

	v.SetDefault("S3_ENDPOINT", "https://s3.us-west-1.wasabisys.com")
	v.SetDefault("S3_REGION", "us-west-1")
	v.SetDefault("S3_BUCKET_PATH", "renders")

	v.SetDefault("INPUT_DIR", "./json")
	v.SetDefault("OUTPUT_DIR", "./images")
	v.SetDefault("IMAGE_SUFFIX", "route")

	v.SetDefault("WORKERS", 1)
	v.SetDefault("POLL_INTERVAL_SECONDS", 5)
	v.SetDefault("POLL_TIMEOUT_MINUTES", 30)
	v.SetDefault("MAX_PUBLISH_RETRIES", 3)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)
	v.SetDefault("LOG_FORMAT", "text")
}

func readEnvFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("env")
	return v.ReadInConfig()
}

func withTrailingSlash(u string) string {
	if u == "" || strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// Validate checks that required configuration fields are present and sane.
func (c *Config) Validate() error {
	var errs []string

	if c.Mapbox.AccessToken == "" {
		errs = append(errs, "MAPBOX_ACCESS_TOKEN is required")
	}
	if c.Mapbox.Username == "" {
		errs = append(errs, "MAPBOX_USERNAME is required")
	}
	if c.Mapbox.StyleID == "" {
		errs = append(errs, "MAPBOX_STYLE_ID is required")
	}
	if c.RateLimit.PublishRequests <= 0 || c.RateLimit.DefaultRequests <= 0 {
		errs = append(errs, "rate limits must be positive")
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, "RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if c.Service.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL_SECONDS must be positive")
	}
	if c.Service.PollTimeout <= 0 {
		errs = append(errs, "POLL_TIMEOUT_MINUTES must be positive")
	}
	if c.Service.MaxPublishRetries < 0 {
		errs = append(errs, "MAX_PUBLISH_RETRIES must not be negative")
	}
	if c.Paths.OutputDir == "" {
		errs = append(errs, "OUTPUT_DIR is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ImagePath returns where the image for a tileset is written
func (c *Config) ImagePath(tilesetID string) string {
	return filepath.Join(c.Paths.OutputDir, fmt.Sprintf("%s-%s.jpg", tilesetID, c.Paths.ImageSuffix))
}
