// Package config handles configuration loading, validation, and hot reload
// for the proctoring client and its development tooling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"proctor/internal/capture"
	"proctor/internal/logging"
	"proctor/internal/media"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete client configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Backend is the assessment backend the client talks to.
	Backend BackendConfig `toml:"backend" json:"backend" yaml:"backend"`

	// Capture sizes the rolling pre/post violation buffer.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Recorder controls encoder profile selection and chunking.
	Recorder RecorderConfig `toml:"recorder" json:"recorder" yaml:"recorder"`

	// Detector controls violation detection.
	Detector DetectorConfig `toml:"detector" json:"detector" yaml:"detector"`

	// Attempt controls the timed test-taking runtime.
	Attempt AttemptConfig `toml:"attempt" json:"attempt" yaml:"attempt"`

	// Server configures the development mock backend.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Journal is the proctoring event journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// BackendConfig holds REST backend settings.
type BackendConfig struct {
	// URL is the backend base URL, e.g. http://localhost:8000.
	URL string `toml:"url" json:"url" yaml:"url"`

	// TimeoutSec bounds each HTTP request.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// CaptureConfig holds rolling buffer settings.
type CaptureConfig struct {
	// PreChunks is the number of chunks kept before a violation.
	PreChunks int `toml:"pre_chunks" json:"pre_chunks" yaml:"pre_chunks"`

	// PostChunks is the number of chunks collected after a violation.
	PostChunks int `toml:"post_chunks" json:"post_chunks" yaml:"post_chunks"`

	// ChunkDurationMs is the nominal duration of one chunk.
	ChunkDurationMs int `toml:"chunk_duration_ms" json:"chunk_duration_ms" yaml:"chunk_duration_ms"`
}

// RecorderConfig holds encoder settings.
type RecorderConfig struct {
	// TimesliceMs is the chunk emission interval requested from the encoder.
	TimesliceMs int `toml:"timeslice_ms" json:"timeslice_ms" yaml:"timeslice_ms"`

	// Profiles is the encoding preference list, best first. The last entry
	// should be one every encoder supports.
	Profiles []media.Profile `toml:"profiles" json:"profiles" yaml:"profiles"`
}

// DetectorConfig holds violation detection settings.
type DetectorConfig struct {
	// GracePeriodMs is the trailing suppression window after a permission
	// dialog closes.
	GracePeriodMs int `toml:"grace_period_ms" json:"grace_period_ms" yaml:"grace_period_ms"`

	// PollIntervalMs is the display topology polling interval.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// WidthTolerance is the number of pixels the available width may exceed
	// the screen width before multiple monitors are assumed.
	WidthTolerance int `toml:"width_tolerance" json:"width_tolerance" yaml:"width_tolerance"`

	// ProhibitedShortcuts are key combos such as "ctrl+c" that raise a
	// prohibited_shortcut violation.
	ProhibitedShortcuts []string `toml:"prohibited_shortcuts" json:"prohibited_shortcuts" yaml:"prohibited_shortcuts"`

	// TabWarningMs and MonitorWarningMs are the auto-dismiss delays of the
	// on-screen warnings.
	TabWarningMs     int `toml:"tab_warning_ms" json:"tab_warning_ms" yaml:"tab_warning_ms"`
	MonitorWarningMs int `toml:"monitor_warning_ms" json:"monitor_warning_ms" yaml:"monitor_warning_ms"`
}

// AttemptConfig holds test-taking runtime settings.
type AttemptConfig struct {
	// TickMs is the countdown resolution.
	TickMs int `toml:"tick_ms" json:"tick_ms" yaml:"tick_ms"`

	// DefaultLanguage seeds empty coding answers.
	DefaultLanguage string `toml:"default_language" json:"default_language" yaml:"default_language"`
}

// ServerConfig holds mock backend settings.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// DatabasePath is the SQLite file, or ":memory:".
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`

	// ClipDir stores uploaded violation clips. Empty keeps them in the
	// database only.
	ClipDir string `toml:"clip_dir" json:"clip_dir" yaml:"clip_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated files.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// JournalConfig holds proctoring journal settings.
type JournalConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics exposition settings.
type MetricsConfig struct {
	// Enabled exposes /metrics on the mock backend.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the HTTP path of the Prometheus endpoint.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// DefaultProfiles is the encoding preference list, best first.
func DefaultProfiles() []media.Profile {
	return []media.Profile{
		{MIMEType: "video/webm;codecs=vp9,opus", VideoBitsPerSecond: 2_500_000},
		{MIMEType: "video/webm;codecs=vp8,opus", VideoBitsPerSecond: 2_500_000},
		{MIMEType: "video/webm;codecs=vp8", VideoBitsPerSecond: 1_500_000},
		{MIMEType: "video/webm"},
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Backend: BackendConfig{
			URL:        "http://localhost:8000",
			TimeoutSec: 30,
		},
		Capture: CaptureConfig{
			PreChunks:       10,
			PostChunks:      10,
			ChunkDurationMs: 1000,
		},
		Recorder: RecorderConfig{
			TimesliceMs: 1000,
			Profiles:    DefaultProfiles(),
		},
		Detector: DetectorConfig{
			GracePeriodMs:       3000,
			PollIntervalMs:      5000,
			WidthTolerance:      0,
			ProhibitedShortcuts: []string{"ctrl+c", "ctrl+v", "ctrl+shift+i", "f12"},
			TabWarningMs:        5000,
			MonitorWarningMs:    8000,
		},
		Attempt: AttemptConfig{
			TickMs:          1000,
			DefaultLanguage: "python",
		},
		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:8000",
			DatabasePath: filepath.Join(dir, "mockbackend.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "proctor.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Journal: JournalConfig{
			Enabled:    false,
			FilePath:   filepath.Join(dir, "journal.jsonl"),
			MaxSizeMB:  20,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DataDir returns the base data directory, honouring PROCTOR_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("PROCTOR_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies PROCTOR_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROCTOR_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	envInt("PROCTOR_BACKEND_TIMEOUT_SEC", &c.Backend.TimeoutSec)
	envInt("PROCTOR_PRE_CHUNKS", &c.Capture.PreChunks)
	envInt("PROCTOR_POST_CHUNKS", &c.Capture.PostChunks)
	envInt("PROCTOR_GRACE_PERIOD_MS", &c.Detector.GracePeriodMs)

	if v := os.Getenv("PROCTOR_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PROCTOR_DATABASE_PATH"); v != "" {
		c.Server.DatabasePath = v
	}

	if v := os.Getenv("PROCTOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PROCTOR_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("PROCTOR_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("PROCTOR_JOURNAL_PATH"); v != "" {
		c.Journal.FilePath = v
		c.Journal.Enabled = true
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Recorder.Profiles = append([]media.Profile{}, c.Recorder.Profiles...)
	clone.Detector.ProhibitedShortcuts = append([]string{}, c.Detector.ProhibitedShortcuts...)
	return &clone
}

// BufferConfig converts the capture section.
func (c *Config) BufferConfig() capture.Config {
	return capture.Config{
		PreChunks:     c.Capture.PreChunks,
		PostChunks:    c.Capture.PostChunks,
		ChunkDuration: Millis(c.Capture.ChunkDurationMs),
	}
}

// LoggerConfig converts the logging section. Unparseable values fall back
// to the logging defaults; Validate reports them.
func (c *Config) LoggerConfig(component string) *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = level
	}
	if format, err := logging.ParseFormat(c.Logging.Format); err == nil {
		lc.Format = format
	}
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.Compress = c.Logging.Compress
	lc.Component = component
	return lc
}

// JournalRotation converts the journal section.
func (c *Config) JournalRotation() logging.RotateConfig {
	return logging.RotateConfig{
		Path:       c.Journal.FilePath,
		MaxSize:    int64(c.Journal.MaxSizeMB),
		MaxAge:     c.Journal.MaxAgeDays,
		MaxBackups: c.Journal.MaxBackups,
		Compress:   c.Journal.Compress,
	}
}

// RequestTimeout returns the backend request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

// Summary renders a one-line description used by the CLI.
func (c *Config) Summary() string {
	return fmt.Sprintf("backend=%s pre=%d post=%d chunk=%dms grace=%dms poll=%dms",
		c.Backend.URL, c.Capture.PreChunks, c.Capture.PostChunks,
		c.Capture.ChunkDurationMs, c.Detector.GracePeriodMs, c.Detector.PollIntervalMs)
}

// Millis converts a millisecond config value to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
