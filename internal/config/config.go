// Package config resolves vault settings from a YAML file and FACEWATCH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"facewatch/go-backend/internal/securestore"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir      = "data"
	DefaultKeyDirName   = "ecc_keys"
	DefaultDataFileName = "secure_data.enc"
)

type Config struct {
	DataDir         string
	KeyDir          string
	DataFile        string
	KDF             securestore.KDFParams
	LogLevel        slog.Level
	LogFormat       string
	MetricsTextfile string
	UnlockPerMinute float64
	UnlockBurst     int

	kdfCost kdfCost
}

// kdfCost holds explicit numeric KDF settings. They are kept apart from the
// algorithm so that choosing the algorithm later (FACEWATCH_KDF) resets to its
// defaults and then re-applies them instead of dropping them.
type kdfCost struct {
	Iterations uint32
	MemoryKB   uint32
	Threads    uint8
}

func (c kdfCost) applyTo(p *securestore.KDFParams) {
	if c.Iterations != 0 {
		p.Iterations = c.Iterations
	}
	if c.MemoryKB != 0 {
		p.MemoryKB = c.MemoryKB
	}
	if c.Threads != 0 {
		p.Threads = c.Threads
	}
}

type FileConfig struct {
	Vault   FileVaultConfig   `yaml:"vault"`
	Logging FileLoggingConfig `yaml:"logging"`
	Metrics FileMetricsConfig `yaml:"metrics"`
	Auth    FileAuthConfig    `yaml:"auth"`
}

type FileVaultConfig struct {
	DataDir       string `yaml:"dataDir"`
	KeyDir        string `yaml:"keyDir"`
	DataFile      string `yaml:"dataFile"`
	KDF           string `yaml:"kdf"`
	KDFIterations uint32 `yaml:"kdfIterations"`
	KDFMemoryKB   uint32 `yaml:"kdfMemoryKB"`
	KDFThreads    uint8  `yaml:"kdfThreads"`
}

type FileLoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FileMetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type FileAuthConfig struct {
	UnlockPerMinute float64 `yaml:"unlockPerMinute"`
	UnlockBurst     int     `yaml:"unlockBurst"`
}

func Default() Config {
	return Config{
		DataDir:         DefaultDataDir,
		KDF:             securestore.DefaultKDFParams(),
		LogLevel:        slog.LevelInfo,
		LogFormat:       "json",
		UnlockPerMinute: 6,
		UnlockBurst:     3,
	}
}

// LoadFromPath reads configPath, or the first readable default candidate when
// configPath is empty. A missing default file is not an error; an explicit
// path that cannot be read or parsed is.
func LoadFromPath(configPath string) (Config, error) {
	return LoadFromPathWithDataDir(configPath, "")
}

// LoadFromPathWithDataDir is LoadFromPath with a final data directory override
// (the CLI --data-dir flag). Key dir and data file left unset follow it.
func LoadFromPathWithDataDir(configPath, dataDir string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	explicit := strings.TrimSpace(configPath) != ""
	if !explicit {
		candidates = []string{
			"go-backend/configs/vault.yaml",
			"configs/vault.yaml",
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := Merge(&cfg, parsed); err != nil {
			return Config{}, err
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if v := strings.TrimSpace(dataDir); v != "" {
		cfg.DataDir = v
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Merge(dst *Config, src FileConfig) error {
	if v := strings.TrimSpace(src.Vault.DataDir); v != "" {
		dst.DataDir = v
	}
	if v := strings.TrimSpace(src.Vault.KeyDir); v != "" {
		dst.KeyDir = v
	}
	if v := strings.TrimSpace(src.Vault.DataFile); v != "" {
		dst.DataFile = v
	}
	if v := strings.TrimSpace(src.Vault.KDF); v != "" {
		kdf, err := kdfByName(v)
		if err != nil {
			return err
		}
		dst.KDF = kdf
	}
	if src.Vault.KDFIterations != 0 {
		dst.kdfCost.Iterations = src.Vault.KDFIterations
	}
	if src.Vault.KDFMemoryKB != 0 {
		dst.kdfCost.MemoryKB = src.Vault.KDFMemoryKB
	}
	if src.Vault.KDFThreads != 0 {
		dst.kdfCost.Threads = src.Vault.KDFThreads
	}
	dst.kdfCost.applyTo(&dst.KDF)
	if v := strings.TrimSpace(src.Logging.Level); v != "" {
		level, err := parseLevel(v)
		if err != nil {
			return err
		}
		dst.LogLevel = level
	}
	if v := strings.TrimSpace(src.Logging.Format); v != "" {
		dst.LogFormat = strings.ToLower(v)
	}
	if v := strings.TrimSpace(src.Metrics.Textfile); v != "" {
		dst.MetricsTextfile = v
	}
	if src.Auth.UnlockPerMinute != 0 {
		dst.UnlockPerMinute = src.Auth.UnlockPerMinute
	}
	if src.Auth.UnlockBurst != 0 {
		dst.UnlockBurst = src.Auth.UnlockBurst
	}
	return nil
}

func ApplyEnvOverrides(cfg *Config) error {
	if v := envString("FACEWATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envString("FACEWATCH_KEY_DIR"); v != "" {
		cfg.KeyDir = v
	}
	if v := envString("FACEWATCH_DATA_FILE"); v != "" {
		cfg.DataFile = v
	}
	if v := envString("FACEWATCH_KDF"); v != "" {
		kdf, err := kdfByName(v)
		if err != nil {
			return err
		}
		cfg.KDF = kdf
	}
	if v := envString("FACEWATCH_KDF_ITERATIONS"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("FACEWATCH_KDF_ITERATIONS: %w", err)
		}
		cfg.kdfCost.Iterations = uint32(parsed)
	}
	if v := envString("FACEWATCH_KDF_MEMORY_KB"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("FACEWATCH_KDF_MEMORY_KB: %w", err)
		}
		cfg.kdfCost.MemoryKB = uint32(parsed)
	}
	if v := envString("FACEWATCH_KDF_THREADS"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("FACEWATCH_KDF_THREADS: %w", err)
		}
		cfg.kdfCost.Threads = uint8(parsed)
	}
	cfg.kdfCost.applyTo(&cfg.KDF)
	if v := envString("FACEWATCH_LOG_LEVEL"); v != "" {
		level, err := parseLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if v := envString("FACEWATCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := envString("FACEWATCH_METRICS_TEXTFILE"); v != "" {
		cfg.MetricsTextfile = v
	}
	if v := envString("FACEWATCH_UNLOCK_PER_MINUTE"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FACEWATCH_UNLOCK_PER_MINUTE: %w", err)
		}
		cfg.UnlockPerMinute = parsed
	}
	if v := envString("FACEWATCH_UNLOCK_BURST"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FACEWATCH_UNLOCK_BURST: %w", err)
		}
		cfg.UnlockBurst = parsed
	}
	return nil
}

func (c *Config) resolvePaths() {
	if c.KeyDir == "" {
		c.KeyDir = filepath.Join(c.DataDir, DefaultKeyDirName)
	}
	if c.DataFile == "" {
		c.DataFile = filepath.Join(c.DataDir, DefaultDataFileName)
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data dir is required")
	}
	if strings.TrimSpace(c.KeyDir) == "" || strings.TrimSpace(c.DataFile) == "" {
		return errors.New("key dir and data file are required")
	}
	if err := c.KDF.Validate(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.UnlockPerMinute <= 0 || c.UnlockBurst <= 0 {
		return errors.New("unlock rate limit must be positive")
	}
	return nil
}

func kdfByName(name string) (securestore.KDFParams, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case securestore.KDFPBKDF2SHA256:
		return securestore.DefaultKDFParams(), nil
	case securestore.KDFArgon2id:
		return securestore.Argon2idParams(), nil
	default:
		return securestore.KDFParams{}, fmt.Errorf("unsupported kdf %q", name)
	}
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
