package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
	// Warning marks an issue that limits the daemon without making the
	// configuration unusable.
	Warning bool
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
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig for any non-empty collection.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig returns the collected problems when at least one of them
// is an error. Warnings alone do not fail validation; use Lint to see them.
func ValidateConfig(c *Config) error {
	errs := Lint(c)
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Lint performs comprehensive validation of the configuration and returns
// errors and warnings together.
func Lint(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateCamera(&c.Camera)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateCrypto(&c.Crypto)...)
	errs = append(errs, validateLedger(&c.Ledger)...)
	errs = append(errs, validateDetector(&c.Detector)...)
	errs = append(errs, validateArchive(&c.Archive)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	return errs
}

func validateCamera(cam *CameraConfig) ValidationErrors {
	var errs ValidationErrors

	if cam.ID == "" {
		errs = append(errs, *RequiredFieldError("camera.id"))
	} else if strings.ContainsAny(cam.ID, `/\`) || strings.Contains(cam.ID, "..") {
		errs = append(errs, ValidationError{
			Field:   "camera.id",
			Message: "camera id is used in file names and cannot contain path separators",
		})
	}

	switch cam.Source {
	case "spool", "dir":
	default:
		errs = append(errs, ValidationError{
			Field:   "camera.source",
			Message: fmt.Sprintf("invalid source: %s (valid: spool, dir)", cam.Source),
		})
	}

	if cam.Path == "" {
		errs = append(errs, *RequiredFieldError("camera.path"))
	}

	if cam.FrameRate < 0 {
		errs = append(errs, ValidationError{
			Field:   "camera.frame_rate",
			Message: "frame rate cannot be negative",
		})
	}

	if cam.Operator == "" {
		errs = append(errs, warning("camera.operator", "no operator identity; records will carry an empty submitted_by"))
	}

	return errs
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	if c.BufferSeconds <= 0 || c.BufferSeconds > 300 {
		errs = append(errs, *RangeError("capture.buffer_seconds", 0, 300))
	}

	if c.CooldownSeconds < 0 {
		errs = append(errs, ValidationError{
			Field:   "capture.cooldown_seconds",
			Message: "cooldown cannot be negative",
		})
	}

	if c.FallbackFrameRate <= 0 || c.FallbackFrameRate > 240 {
		errs = append(errs, *RangeError("capture.fallback_frame_rate", 0, 240))
	}

	if c.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "capture.queue_size",
			Message: "queue size must be at least 1",
		})
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, *RangeError("capture.jpeg_quality", 1, 100))
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.ClipDir == "" {
		errs = append(errs, *RequiredFieldError("storage.clip_dir"))
	}
	if s.JournalPath == "" {
		errs = append(errs, *RequiredFieldError("storage.journal_path"))
	}
	if s.MinFreeMB < 0 {
		errs = append(errs, *RangeError("storage.min_free_mb", 0, 1<<20))
	}

	return errs
}

func validateCrypto(c *CryptoConfig) ValidationErrors {
	var errs ValidationErrors

	if c.AESKey == "" {
		errs = append(errs, warning("crypto.aes_key", "no encryption key; set AES_KEY before capturing or sealing"))
		return errs
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.AESKey))
	if err != nil {
		errs = append(errs, *TypeError("crypto.aes_key", "base64"))
	} else if len(raw) != 32 {
		errs = append(errs, ValidationError{
			Field:   "crypto.aes_key",
			Message: fmt.Sprintf("key must decode to 32 bytes, got %d", len(raw)),
		})
	}

	return errs
}

func validateLedger(l *LedgerConfig) ValidationErrors {
	var errs ValidationErrors

	if !l.Enabled {
		return errs
	}

	if !isValidURL(l.Endpoint) {
		errs = append(errs, ValidationError{
			Field:   "ledger.endpoint",
			Message: fmt.Sprintf("invalid endpoint URL: %s", l.Endpoint),
		})
	}

	switch {
	case l.ContractAddress != "":
		if !common.IsHexAddress(strings.TrimSpace(l.ContractAddress)) {
			errs = append(errs, ValidationError{
				Field:   "ledger.contract_address",
				Message: fmt.Sprintf("invalid contract address: %s", l.ContractAddress),
			})
		}
	case l.ContractAddressFile == "":
		errs = append(errs, warning("ledger.contract_address", "no contract address; anchoring will fail"))
	}

	if l.PrivateKey == "" {
		errs = append(errs, warning("ledger.private_key", "no signing key; set LEDGER_PRIVATE_KEY before anchoring"))
	}

	if l.GasLimit < 21000 {
		errs = append(errs, ValidationError{
			Field:   "ledger.gas_limit",
			Message: "gas limit must be at least 21000",
		})
	}

	if l.GasPriceGwei < 0 {
		errs = append(errs, ValidationError{
			Field:   "ledger.gas_price_gwei",
			Message: "gas price cannot be negative",
		})
	}

	if l.ConfirmTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ledger.confirm_timeout_sec",
			Message: "confirm timeout must be at least 1 second",
		})
	}

	if l.PollIntervalMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "ledger.poll_interval_ms",
			Message: "poll interval must be at least 10ms",
		})
	}

	return errs
}

func validateDetector(d *DetectorConfig) ValidationErrors {
	var errs ValidationErrors

	if d.URL == "" {
		errs = append(errs, warning("detector.url", "no detector; frames are buffered but nothing is ever admitted"))
		return errs
	}
	if !isValidURL(d.URL) {
		errs = append(errs, ValidationError{
			Field:   "detector.url",
			Message: fmt.Sprintf("invalid detector URL: %s", d.URL),
		})
	}
	if d.TimeoutMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "detector.timeout_ms",
			Message: "timeout must be positive",
		})
	}

	return errs
}

func validateArchive(a *ArchiveConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}

	if a.Bucket == "" {
		errs = append(errs, *RequiredFieldError("archive.bucket"))
	}
	if a.Endpoint != "" && !isValidURL(a.Endpoint) {
		errs = append(errs, ValidationError{
			Field:   "archive.endpoint",
			Message: fmt.Sprintf("invalid endpoint URL: %s", a.Endpoint),
		})
	}
	if a.Retries < 0 {
		errs = append(errs, ValidationError{
			Field:   "archive.retries",
			Message: "retries cannot be negative",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
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
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size cannot be negative",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	if l.AuditPath == "" {
		errs = append(errs, *RequiredFieldError("logging.audit_path"))
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Enabled && m.Addr == "" {
		errs = append(errs, *RequiredFieldError("metrics.addr"))
	}

	return errs
}

// Helper functions

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return u.Host != ""
	default:
		return false
	}
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	return e.Warning
}

func warning(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message, Warning: true}
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// TypeError creates a validation error for an invalid type.
func TypeError(field, expected string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("expected type %s", expected),
	}
}
