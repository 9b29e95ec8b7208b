// Package config loads tileabr configuration from defaults, an optional YAML
// file and TILEABR_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mikeyg42/tileabr/internal/logging"
	"github.com/mikeyg42/tileabr/internal/playback"
	"github.com/mikeyg42/tileabr/internal/qrea"
	"github.com/mikeyg42/tileabr/internal/quality"
	"github.com/mikeyg42/tileabr/internal/storage"
)

// EnvPrefix is the prefix of every environment override. A double underscore
// separates nesting levels: TILEABR_GOVERNOR__COOLDOWN=2s.
const EnvPrefix = "TILEABR_"

// DefaultFile is read when no path is given and it exists.
const DefaultFile = "tileabr.yaml"

// Config holds all application configuration
type Config struct {
	Server   ServerConfig    `koanf:"server" json:"server"`
	Session  SessionConfig   `koanf:"session" json:"session"`
	Quality  QualityConfig   `koanf:"quality" json:"quality"`
	Governor GovernorConfig  `koanf:"governor" json:"governor"`
	Sync     playback.Config `koanf:"sync" json:"sync"`
	QREA     QREAConfig      `koanf:"qrea" json:"qrea"`
	Trace    TraceConfig     `koanf:"trace" json:"trace"`
	Storage  StorageConfig   `koanf:"storage" json:"storage"`
	Metrics  MetricsConfig   `koanf:"metrics" json:"metrics"`
	Log      logging.Config  `koanf:"log" json:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" json:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout" json:"readTimeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout" json:"writeTimeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdownTimeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins" json:"allowedOrigins"`
}

// SessionConfig shapes every viewing session.
type SessionConfig struct {
	TileCount    int           `koanf:"tile_count" json:"tileCount"`
	Mode         string        `koanf:"mode" json:"mode"`     // adaptive or source
	Policy       string        `koanf:"policy" json:"policy"` // per_tile or uniform
	GazeInterval time.Duration `koanf:"gaze_interval" json:"gazeInterval"`
	// SourcePattern builds source-mode URLs; {tile} and {quality} are replaced.
	SourcePattern string `koanf:"source_pattern" json:"sourcePattern"`
	// ManifestPattern builds adaptive-mode manifest URLs; {tile} is replaced.
	ManifestPattern string `koanf:"manifest_pattern" json:"manifestPattern"`
	InitialLevel    string `koanf:"initial_level" json:"initialLevel"`
}

type QualityConfig struct {
	Thresholds quality.Thresholds `koanf:"thresholds" json:"thresholds"`
	Ladder     []quality.Rung     `koanf:"ladder" json:"ladder"`
}

type GovernorConfig struct {
	Cooldown   time.Duration    `koanf:"cooldown" json:"cooldown"`
	MotionGate MotionGateConfig `koanf:"motion_gate" json:"motionGate"`
}

type MotionGateConfig struct {
	Enabled  bool          `koanf:"enabled" json:"enabled"`
	AngleDeg float64       `koanf:"angle_deg" json:"angleDeg"`
	Interval time.Duration `koanf:"interval" json:"interval"`
}

// QREAConfig is the scorer configuration plus the simulated latency range.
type QREAConfig struct {
	qrea.Config `koanf:",squash"`
	Latency     LatencyConfig `koanf:"latency" json:"latency"`
}

type LatencyConfig struct {
	MinMs float64 `koanf:"min_ms" json:"minMs"`
	MaxMs float64 `koanf:"max_ms" json:"maxMs"`
	Seed  int64   `koanf:"seed" json:"seed"`
}

type TraceConfig struct {
	// Location is an http(s) URL or a file path. Empty means live gaze only.
	Location     string        `koanf:"location" json:"location"`
	Loop         bool          `koanf:"loop" json:"loop"`
	YawOffsetDeg float64       `koanf:"yaw_offset_deg" json:"yawOffsetDeg"`
	Record       bool          `koanf:"record" json:"record"`
	FetchTimeout time.Duration `koanf:"fetch_timeout" json:"fetchTimeout"`
}

type StorageConfig struct {
	DB        storage.DBConfig    `koanf:"db" json:"db"`
	Exporter  string              `koanf:"exporter" json:"exporter"` // local, minio or none
	LocalDir  string              `koanf:"local_dir" json:"localDir"`
	MinIO     storage.MinIOConfig `koanf:"minio" json:"minio"`
	QueueSize int                 `koanf:"queue_size" json:"queueSize"`
	// ExportOnClose pushes every export file when a session ends.
	ExportOnClose bool `koanf:"export_on_close" json:"exportOnClose"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	Path    string `koanf:"path" json:"path"`
}

// Default returns a Config with default values
func Default() *Config {
	ladder := quality.DefaultLadder()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Session: SessionConfig{
			TileCount:       8,
			Mode:            "adaptive",
			Policy:          quality.PolicyPerTile.String(),
			GazeInterval:    100 * time.Millisecond,
			SourcePattern:   "/media/tile{tile}_{quality}.mp4",
			ManifestPattern: "/hls/tile{tile}/master.m3u8",
			InitialLevel:    quality.LevelLow.String(),
		},
		Quality: QualityConfig{
			Thresholds: quality.DefaultThresholds(),
			Ladder:     ladder.Rungs(),
		},
		Governor: GovernorConfig{
			Cooldown: quality.DefaultGovernorConfig().Cooldown,
			MotionGate: MotionGateConfig{
				Enabled:  false,
				AngleDeg: 18,
				Interval: time.Second,
			},
		},
		Sync: playback.DefaultConfig(),
		QREA: QREAConfig{
			Config:  qrea.DefaultConfig(),
			Latency: LatencyConfig{MinMs: 50, MaxMs: 300},
		},
		Trace: TraceConfig{
			Record:       true,
			FetchTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			DB:            storage.DBConfig{Driver: "none"},
			Exporter:      "local",
			LocalDir:      "exports",
			QueueSize:     256,
			ExportOnClose: true,
			MinIO: storage.MinIOConfig{
				Bucket:     "tileabr",
				MaxUploads: 4,
				MaxRetries: 3,
			},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Log:     logging.DefaultConfig(),
	}
}

// Load layers path (or DefaultFile when path is empty and present) and the
// environment over Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	required := path != ""
	if path == "" {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if required || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Session.TileCount != 4 && c.Session.TileCount != 8 {
		errs = append(errs, fmt.Errorf("session.tile_count must be 4 or 8, got %d", c.Session.TileCount))
	}
	switch c.Session.Mode {
	case "adaptive", "source":
	default:
		errs = append(errs, fmt.Errorf("session.mode must be adaptive or source, got %q", c.Session.Mode))
	}
	if _, err := quality.ParsePolicy(c.Session.Policy); err != nil {
		errs = append(errs, fmt.Errorf("session.policy: %w", err))
	}
	if _, err := quality.ParseLevel(c.Session.InitialLevel); err != nil {
		errs = append(errs, fmt.Errorf("session.initial_level: %w", err))
	}
	if c.Session.GazeInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.gaze_interval must be positive"))
	}
	if err := c.Quality.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quality.%w", err))
	}
	if _, err := c.Ladder(); err != nil {
		errs = append(errs, fmt.Errorf("quality.ladder: %w", err))
	}
	if c.Governor.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("governor.cooldown must not be negative"))
	}
	if c.Governor.MotionGate.Enabled && c.Governor.MotionGate.Interval <= 0 {
		errs = append(errs, fmt.Errorf("governor.motion_gate.interval must be positive"))
	}
	if c.Sync.StartupDelay < 0 || c.Sync.Settle < 0 || c.Sync.ResyncTolerance <= 0 {
		errs = append(errs, fmt.Errorf("sync: delays must not be negative and tolerance must be positive"))
	}
	if err := c.QREA.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.DB.Driver {
	case "none", "":
	case "postgres", "sqlite", "sqlite3":
		if c.Storage.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.db.dsn is required for driver %s", c.Storage.DB.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.db.driver %q not supported", c.Storage.DB.Driver))
	}
	switch c.Storage.Exporter {
	case "none", "":
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, fmt.Errorf("storage.local_dir is required for the local exporter"))
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.minio endpoint and bucket are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.exporter %q not supported", c.Storage.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Ladder builds the validated encoding ladder.
func (c *Config) Ladder() (quality.Ladder, error) {
	return quality.NewLadder(c.Quality.Ladder)
}

// Policy returns the parsed tiling policy.
func (c *Config) Policy() quality.Policy {
	p, _ := quality.ParsePolicy(c.Session.Policy)
	return p
}

// InitialLevel returns the parsed starting tier.
func (c *Config) InitialLevel() quality.Level {
	l, _ := quality.ParseLevel(c.Session.InitialLevel)
	return l
}
