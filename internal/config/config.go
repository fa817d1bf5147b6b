package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for a kiosk.
type Config struct {
	KioskID    string           `toml:"kiosk_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Evidence   EvidenceConfig   `toml:"evidence"`
	Encryption EncryptionConfig `toml:"encryption"`
	Biometric  BiometricConfig  `toml:"biometric"`
	Encoder    EncoderConfig    `toml:"encoder"`
	Server     ServerConfig     `toml:"server"`
	Backfill   BackfillConfig   `toml:"backfill"`
}

// DatabaseConfig represents configuration for the identity store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// EvidenceConfig represents configuration for the evidence vault holding
// captured frames and database snapshots.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type EvidenceConfig struct {
	Type    string `toml:"type"`    // "memory", "filesystem" or "s3"
	Encrypt bool   `toml:"encrypt"` // seal frames with the configured encryptor

	// FileSystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible endpoint, e.g. MinIO

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to seal evidence.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// BiometricConfig tunes quality gating and matching.
type BiometricConfig struct {
	VectorDimension     int      `toml:"vector_dimension"`
	EarlyAcceptDistance float64  `toml:"early_accept_distance"`
	MatchDistance       float64  `toml:"match_distance"`
	CacheTTL            Duration `toml:"cache_ttl"`
	MinQualityScore     int      `toml:"min_quality_score"`
}

// EncoderConfig points at the face encoder sidecar.
type EncoderConfig struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// BackfillConfig configures bulk enrollment backfill.
type BackfillConfig struct {
	BatchSize int `toml:"batch_size"`
}

// Duration is a time.Duration written as a string ("5m", "10s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a new Config with the provided values and defaults for
// everything else.
func NewConfig(kioskID, baseDir string) *Config {
	return &Config{
		KioskID: kioskID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Evidence: EvidenceConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "evidence"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "kiosk.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "kiosk.key"),
		},
		Biometric: BiometricConfig{
			VectorDimension:     128,
			EarlyAcceptDistance: 0.4,
			MatchDistance:       0.6,
			CacheTTL:            Duration{5 * time.Minute},
			MinQualityScore:     70,
		},
		Encoder: EncoderConfig{
			URL:     "http://127.0.0.1:8790",
			Timeout: Duration{10 * time.Second},
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8787",
		},
		Backfill: BackfillConfig{
			BatchSize: 25,
		},
	}
}

// Validate rejects configurations the kiosk cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.KioskID == "" {
		errs = append(errs, errors.New("kiosk_id must be set"))
	}

	b := c.Biometric
	if b.VectorDimension <= 0 {
		errs = append(errs, fmt.Errorf("biometric.vector_dimension must be positive, got %d", b.VectorDimension))
	}
	if b.EarlyAcceptDistance <= 0 {
		errs = append(errs, fmt.Errorf("biometric.early_accept_distance must be positive, got %g", b.EarlyAcceptDistance))
	}
	if b.MatchDistance <= 0 {
		errs = append(errs, fmt.Errorf("biometric.match_distance must be positive, got %g", b.MatchDistance))
	}
	if b.EarlyAcceptDistance > b.MatchDistance {
		errs = append(errs, fmt.Errorf("biometric.early_accept_distance (%g) must not exceed match_distance (%g)",
			b.EarlyAcceptDistance, b.MatchDistance))
	}
	if b.MinQualityScore < 0 || b.MinQualityScore > 100 {
		errs = append(errs, fmt.Errorf("biometric.min_quality_score must be within 0..100, got %d", b.MinQualityScore))
	}
	if b.CacheTTL.Duration < 0 {
		errs = append(errs, fmt.Errorf("biometric.cache_ttl must not be negative, got %s", b.CacheTTL))
	}

	if c.Backfill.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("backfill.batch_size must be positive, got %d", c.Backfill.BatchSize))
	}
	if c.Evidence.Encrypt && c.Encryption.Type == "" {
		errs = append(errs, errors.New("evidence.encrypt requires an [encryption] section"))
	}

	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
