// Package config handles configuration loading, validation, and management for evidenced.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Camera identifies the feed and where its frames come from.
	Camera CameraConfig `toml:"camera" json:"camera" yaml:"camera"`

	// Capture configuration for buffering and throttling.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Storage configuration for evidence files and the journal.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Crypto holds the evidence encryption key.
	Crypto CryptoConfig `toml:"crypto" json:"crypto" yaml:"crypto"`

	// Ledger configuration for on-chain anchoring.
	Ledger LedgerConfig `toml:"ledger" json:"ledger" yaml:"ledger"`

	// Detector configuration for the classification service.
	Detector DetectorConfig `toml:"detector" json:"detector" yaml:"detector"`

	// Archive configuration for off-site artifact copies.
	Archive ArchiveConfig `toml:"archive" json:"archive" yaml:"archive"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the Prometheus endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// CameraConfig describes one camera feed.
type CameraConfig struct {
	// ID is embedded in clip names and ledger metadata.
	ID string `toml:"id" json:"id" yaml:"id"`

	// Operator is recorded as submitted_by on every record.
	Operator string `toml:"operator" json:"operator" yaml:"operator"`

	// Source is "spool" (frames renamed into a directory by a grabber)
	// or "dir" (replay a directory of JPEG files).
	Source string `toml:"source" json:"source" yaml:"source"`

	// Path is the spool or replay directory.
	Path string `toml:"path" json:"path" yaml:"path"`

	// FrameRate is the feed's nominal rate. Zero means unknown.
	FrameRate float64 `toml:"frame_rate" json:"frame_rate" yaml:"frame_rate"`

	// Pace replays a directory at FrameRate instead of as fast as possible.
	Pace bool `toml:"pace" json:"pace" yaml:"pace"`
}

// CaptureConfig holds ring buffer and throttle settings.
type CaptureConfig struct {
	// BufferSeconds is the length of history kept before a trigger.
	BufferSeconds float64 `toml:"buffer_seconds" json:"buffer_seconds" yaml:"buffer_seconds"`

	// CooldownSeconds is the minimum spacing between admitted events.
	CooldownSeconds float64 `toml:"cooldown_seconds" json:"cooldown_seconds" yaml:"cooldown_seconds"`

	// FallbackFrameRate is used when the source cannot report one.
	FallbackFrameRate float64 `toml:"fallback_frame_rate" json:"fallback_frame_rate" yaml:"fallback_frame_rate"`

	// QueueSize bounds the events waiting for the pipeline worker.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// JPEGQuality is used when raw frames are encoded into clips.
	JPEGQuality int `toml:"jpeg_quality" json:"jpeg_quality" yaml:"jpeg_quality"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// ClipDir receives clips and encrypted artifacts.
	ClipDir string `toml:"clip_dir" json:"clip_dir" yaml:"clip_dir"`

	// JournalPath is the SQLite evidence journal.
	JournalPath string `toml:"journal_path" json:"journal_path" yaml:"journal_path"`

	// ReceiptsDir keeps one JSON file per ledger receipt.
	ReceiptsDir string `toml:"receipts_dir" json:"receipts_dir" yaml:"receipts_dir"`

	// RetainPlaintext keeps the unencrypted clip after sealing.
	RetainPlaintext bool `toml:"retain_plaintext" json:"retain_plaintext" yaml:"retain_plaintext"`

	// MinFreeMB is the free space below which the clip volume reports
	// unhealthy.
	MinFreeMB int `toml:"min_free_mb" json:"min_free_mb" yaml:"min_free_mb"`
}

// CryptoConfig holds key material. Prefer the AES_KEY environment variable
// over writing the key into a file.
type CryptoConfig struct {
	// AESKey is the base64 encoding of a 32-byte key.
	AESKey string `toml:"aes_key" json:"aes_key" yaml:"aes_key"`
}

// LedgerConfig holds Ethereum anchoring configuration.
type LedgerConfig struct {
	// Enabled determines whether digests are anchored on chain.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Endpoint is the JSON-RPC URL of the node.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// ContractAddress is the evidence contract.
	ContractAddress string `toml:"contract_address" json:"contract_address" yaml:"contract_address"`

	// ContractAddressFile is read when ContractAddress is empty.
	ContractAddressFile string `toml:"contract_address_file" json:"contract_address_file" yaml:"contract_address_file"`

	// PrivateKey is the hex signing key. Prefer LEDGER_PRIVATE_KEY.
	PrivateKey string `toml:"private_key" json:"private_key" yaml:"private_key"`

	// GasLimit per anchoring transaction.
	GasLimit uint64 `toml:"gas_limit" json:"gas_limit" yaml:"gas_limit"`

	// GasPriceGwei fixes the gas price. Zero asks the node.
	GasPriceGwei int64 `toml:"gas_price_gwei" json:"gas_price_gwei" yaml:"gas_price_gwei"`

	// ChainID for transaction signing. Zero asks the node.
	ChainID int64 `toml:"chain_id" json:"chain_id" yaml:"chain_id"`

	// ConfirmTimeoutSec bounds the wait for a receipt.
	ConfirmTimeoutSec int `toml:"confirm_timeout_sec" json:"confirm_timeout_sec" yaml:"confirm_timeout_sec"`

	// PollIntervalMs is the receipt polling interval.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// RPCTimeoutSec bounds each call before broadcast.
	RPCTimeoutSec int `toml:"rpc_timeout_sec" json:"rpc_timeout_sec" yaml:"rpc_timeout_sec"`
}

// DetectorConfig holds the classification service settings.
type DetectorConfig struct {
	// URL receives one POST per frame. Empty disables detection.
	URL string `toml:"url" json:"url" yaml:"url"`

	// TimeoutMs bounds each classification request.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Enabled      bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Bucket       string `toml:"bucket" json:"bucket" yaml:"bucket"`
	Prefix       string `toml:"prefix" json:"prefix" yaml:"prefix"`
	Region       string `toml:"region" json:"region" yaml:"region"`
	Endpoint     string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `toml:"use_path_style" json:"use_path_style" yaml:"use_path_style"`
	Retries      int    `toml:"retries" json:"retries" yaml:"retries"`
	TimeoutSec   int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int   `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int   `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool  `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the hash-chained chain-of-custody log.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// CrashDir receives panic reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Camera: CameraConfig{
			ID:     "cam1",
			Source: "spool",
			Path:   filepath.Join(dir, "spool"),
		},
		Capture: CaptureConfig{
			BufferSeconds:     8,
			CooldownSeconds:   30,
			FallbackFrameRate: 20,
			QueueSize:         16,
			JPEGQuality:       85,
		},
		Storage: StorageConfig{
			ClipDir:         filepath.Join(dir, "clips"),
			JournalPath:     filepath.Join(dir, "journal.db"),
			ReceiptsDir:     filepath.Join(dir, "receipts"),
			RetainPlaintext: false,
			MinFreeMB:       256,
		},
		Ledger: LedgerConfig{
			Enabled:           true,
			Endpoint:          "http://127.0.0.1:7545",
			GasLimit:          500000,
			GasPriceGwei:      20,
			ConfirmTimeoutSec: 120,
			PollIntervalMs:    1000,
			RPCTimeoutSec:     10,
		},
		Detector: DetectorConfig{
			TimeoutMs: 5000,
		},
		Archive: ArchiveConfig{
			Enabled:    false,
			Prefix:     "evidence",
			Retries:    3,
			TimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "evidenced.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "audit.log"),
			CrashDir:   filepath.Join(dir, "crashes"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied; the result is not validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		cfg := DefaultConfig()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.ClipDir,
		c.Storage.ReceiptsDir,
		filepath.Dir(c.Storage.JournalPath),
		filepath.Dir(c.Logging.AuditPath),
		c.Logging.CrashDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. EVIDENCED_* variables map onto individual settings; the
// bare names (AES_KEY, CAMERA_ID, BUFFER_SECONDS, COOLDOWN_SECONDS,
// WEB3_PROVIDER, LEDGER_PRIVATE_KEY, GANACHE_PRIVATE_KEY) are accepted for
// deployments configured by environment alone.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Camera
	setString(&c.Camera.ID, "CAMERA_ID", "EVIDENCED_CAMERA_ID")
	setString(&c.Camera.Operator, "EVIDENCED_OPERATOR")
	setString(&c.Camera.Source, "EVIDENCED_CAMERA_SOURCE")
	setString(&c.Camera.Path, "EVIDENCED_CAMERA_PATH")
	setFloat(&c.Camera.FrameRate, "EVIDENCED_FRAME_RATE")

	// Capture
	setFloat(&c.Capture.BufferSeconds, "BUFFER_SECONDS", "EVIDENCED_BUFFER_SECONDS")
	setFloat(&c.Capture.CooldownSeconds, "COOLDOWN_SECONDS", "EVIDENCED_COOLDOWN_SECONDS")

	// Storage
	setString(&c.Storage.ClipDir, "EVIDENCED_CLIP_DIR")
	setString(&c.Storage.JournalPath, "EVIDENCED_JOURNAL_PATH")
	if v := os.Getenv("EVIDENCED_RETAIN_PLAINTEXT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Storage.RetainPlaintext = b
		}
	}

	// Key material from env (for security)
	setString(&c.Crypto.AESKey, "AES_KEY", "EVIDENCED_AES_KEY")
	setString(&c.Ledger.PrivateKey, "GANACHE_PRIVATE_KEY", "LEDGER_PRIVATE_KEY", "EVIDENCED_LEDGER_PRIVATE_KEY")

	// Ledger
	setString(&c.Ledger.Endpoint, "WEB3_PROVIDER", "EVIDENCED_LEDGER_ENDPOINT")
	setString(&c.Ledger.ContractAddress, "CONTRACT_ADDRESS", "EVIDENCED_LEDGER_CONTRACT")

	// Detector
	setString(&c.Detector.URL, "EVIDENCED_DETECTOR_URL")

	// Archive
	setString(&c.Archive.Bucket, "EVIDENCED_ARCHIVE_BUCKET")

	// Logging
	setString(&c.Logging.Level, "EVIDENCED_LOG_LEVEL")
	setString(&c.Logging.FilePath, "EVIDENCED_LOG_PATH")

	// Metrics
	setString(&c.Metrics.Addr, "EVIDENCED_METRICS_ADDR")
}

// setString assigns the value of the last non-empty variable in names.
func setString(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
}

func setFloat(dst *float64, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				*dst = f
			}
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:  c.Version,
		Camera:   c.Camera,
		Capture:  c.Capture,
		Storage:  c.Storage,
		Crypto:   c.Crypto,
		Ledger:   c.Ledger,
		Detector: c.Detector,
		Archive:  c.Archive,
		Logging:  c.Logging,
		Metrics:  c.Metrics,
	}
}

// BufferDuration returns the pre-trigger history length.
func (c *Config) BufferDuration() time.Duration {
	return seconds(c.Capture.BufferSeconds)
}

// Cooldown returns the minimum spacing between admitted events.
func (c *Config) Cooldown() time.Duration {
	return seconds(c.Capture.CooldownSeconds)
}

// GasPriceWei returns the fixed gas price, or nil to ask the node.
func (l LedgerConfig) GasPriceWei() *big.Int {
	if l.GasPriceGwei <= 0 {
		return nil
	}
	return new(big.Int).Mul(big.NewInt(l.GasPriceGwei), big.NewInt(1_000_000_000))
}

// ResolveContractAddress returns ContractAddress, reading it from
// ContractAddressFile when unset.
func (l LedgerConfig) ResolveContractAddress() (string, error) {
	if l.ContractAddress != "" || l.ContractAddressFile == "" {
		return strings.TrimSpace(l.ContractAddress), nil
	}
	data, err := os.ReadFile(l.ContractAddressFile)
	if err != nil {
		return "", fmt.Errorf("read contract address: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
