package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields lists the offending field names.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for i := range e {
		out = append(out, e[i].Field)
	}
	return out
}

// ValidateConfig checks every section and returns ValidationErrors or nil.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateBackend(&c.Backend)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateRecorder(&c.Recorder)...)
	errs = append(errs, validateDetector(&c.Detector)...)
	errs = append(errs, validateAttempt(&c.Attempt)...)
	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateJournal(&c.Journal)...)

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, ValidationError{Field: "metrics.path", Message: "must start with /"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateBackend(b *BackendConfig) ValidationErrors {
	var errs ValidationErrors
	if !isValidURL(b.URL) {
		errs = append(errs, ValidationError{Field: "backend.url", Message: fmt.Sprintf("invalid URL %q", b.URL)})
	}
	if b.TimeoutSec < 1 || b.TimeoutSec > 600 {
		errs = append(errs, *RangeError("backend.timeout_sec", 1, 600))
	}
	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors
	if c.PreChunks < 0 || c.PreChunks > 600 {
		errs = append(errs, *RangeError("capture.pre_chunks", 0, 600))
	}
	if c.PostChunks < 0 || c.PostChunks > 600 {
		errs = append(errs, *RangeError("capture.post_chunks", 0, 600))
	}
	if c.ChunkDurationMs < 100 || c.ChunkDurationMs > 60_000 {
		errs = append(errs, *RangeError("capture.chunk_duration_ms", 100, 60_000))
	}
	return errs
}

func validateRecorder(r *RecorderConfig) ValidationErrors {
	var errs ValidationErrors
	if r.TimesliceMs < 100 || r.TimesliceMs > 60_000 {
		errs = append(errs, *RangeError("recorder.timeslice_ms", 100, 60_000))
	}
	if len(r.Profiles) == 0 {
		errs = append(errs, *RequiredFieldError("recorder.profiles"))
	}
	for i, p := range r.Profiles {
		if !strings.HasPrefix(p.MIMEType, "video/") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("recorder.profiles[%d].mime_type", i),
				Message: fmt.Sprintf("not a video type: %q", p.MIMEType),
			})
		}
		if p.VideoBitsPerSecond < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("recorder.profiles[%d].video_bits_per_second", i),
				Message: "cannot be negative",
			})
		}
	}
	return errs
}

func validateDetector(d *DetectorConfig) ValidationErrors {
	var errs ValidationErrors
	if d.GracePeriodMs < 0 || d.GracePeriodMs > 60_000 {
		errs = append(errs, *RangeError("detector.grace_period_ms", 0, 60_000))
	}
	if d.PollIntervalMs < 250 {
		errs = append(errs, ValidationError{Field: "detector.poll_interval_ms", Message: "must be at least 250"})
	}
	if d.WidthTolerance < 0 {
		errs = append(errs, ValidationError{Field: "detector.width_tolerance", Message: "cannot be negative"})
	}
	for i, combo := range d.ProhibitedShortcuts {
		if strings.TrimSpace(combo) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("detector.prohibited_shortcuts[%d]", i),
				Message: "empty shortcut",
			})
		}
	}
	if d.TabWarningMs < 0 || d.MonitorWarningMs < 0 {
		errs = append(errs, ValidationError{Field: "detector.warning_ms", Message: "cannot be negative"})
	}
	return errs
}

func validateAttempt(a *AttemptConfig) ValidationErrors {
	var errs ValidationErrors
	if a.TickMs < 10 || a.TickMs > 60_000 {
		errs = append(errs, *RangeError("attempt.tick_ms", 10, 60_000))
	}
	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors
	if s.ListenAddr == "" {
		errs = append(errs, *RequiredFieldError("server.listen_addr"))
	}
	if s.DatabasePath == "" {
		errs = append(errs, *RequiredFieldError("server.database_path"))
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output writes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_age_days", Message: "max age cannot be negative"})
	}
	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	if !j.Enabled {
		return nil
	}
	var errs ValidationErrors
	if j.FilePath == "" {
		errs = append(errs, *RequiredFieldError("journal.file_path"))
	}
	if j.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "journal.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf("value must be between %v and %v", min, max)}
}
