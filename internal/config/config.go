package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultStoreName        = "strongbox.db"
	defaultStoreVersion     = 1
	defaultAuthority        = "strongbox"
	defaultArgon2MemoryKiB  = 256 * 1024
	defaultArgon2Iterations = 3
	minArgon2MemoryKiB      = 32 * 1024
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultLogMaxSizeMB     = 10
	defaultLogMaxFiles      = 5
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Store   StoreConfig   `toml:"store"`
	Crypto  CryptoConfig  `toml:"crypto"`
	Journal JournalConfig `toml:"journal"`
	Logging LoggingConfig `toml:"logging"`
}

type StoreConfig struct {
	DataDir    string `toml:"data_dir"`
	Name       string `toml:"name"`
	Version    int    `toml:"version"`
	Authority  string `toml:"authority"`
	SchemaFile string `toml:"schema_file"`
}

type CryptoConfig struct {
	Argon2MemoryKiB  int `toml:"argon2_memory_kib"`
	Argon2Iterations int `toml:"argon2_iterations"`
}

type JournalConfig struct {
	Enabled bool `toml:"enabled"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type LoadOptions struct {
	ConfigPath string
	Env        map[string]string
	Flags      FlagOverrides
}

// FlagOverrides carries command-line values; nil fields were not set.
type FlagOverrides struct {
	DataDir    *string
	Name       *string
	Version    *int
	SchemaFile *string
	LogLevel   *string
}

func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Name:      defaultStoreName,
			Version:   defaultStoreVersion,
			Authority: defaultAuthority,
		},
		Crypto: CryptoConfig{
			Argon2MemoryKiB:  defaultArgon2MemoryKiB,
			Argon2Iterations: defaultArgon2Iterations,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			Format:    defaultLogFormat,
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
	}
}

// Load layers defaults, the TOML file, STRONGBOX_* environment variables
// and flags, in that order, then validates the result. A missing config
// file is not an error.
func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if cfg.Store.DataDir == "" {
		home, err := strongboxHome(opts)
		if err != nil {
			return Config{}, err
		}
		cfg.Store.DataDir = home
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StorePath is the absolute location of the store file.
func (c Config) StorePath() string {
	if filepath.IsAbs(c.Store.Name) {
		return c.Store.Name
	}
	return filepath.Join(c.Store.DataDir, c.Store.Name)
}

type rawConfig struct {
	Store   *rawStore   `toml:"store"`
	Crypto  *rawCrypto  `toml:"crypto"`
	Journal *rawJournal `toml:"journal"`
	Logging *rawLogging `toml:"logging"`
}

type rawStore struct {
	DataDir    *string `toml:"data_dir"`
	Name       *string `toml:"name"`
	Version    *int    `toml:"version"`
	Authority  *string `toml:"authority"`
	SchemaFile *string `toml:"schema_file"`
}

type rawCrypto struct {
	Argon2MemoryKiB  *int `toml:"argon2_memory_kib"`
	Argon2Iterations *int `toml:"argon2_iterations"`
}

type rawJournal struct {
	Enabled *bool `toml:"enabled"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	Format    *string `toml:"format"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	applyRawConfig(cfg, raw)
	return nil
}

func applyRawConfig(cfg *Config, raw rawConfig) {
	if raw.Store != nil {
		setString(raw.Store.DataDir, &cfg.Store.DataDir)
		setString(raw.Store.Name, &cfg.Store.Name)
		setInt(raw.Store.Version, &cfg.Store.Version)
		setString(raw.Store.Authority, &cfg.Store.Authority)
		setString(raw.Store.SchemaFile, &cfg.Store.SchemaFile)
	}
	if raw.Crypto != nil {
		setInt(raw.Crypto.Argon2MemoryKiB, &cfg.Crypto.Argon2MemoryKiB)
		setInt(raw.Crypto.Argon2Iterations, &cfg.Crypto.Argon2Iterations)
	}
	if raw.Journal != nil && raw.Journal.Enabled != nil {
		cfg.Journal.Enabled = *raw.Journal.Enabled
	}
	if raw.Logging != nil {
		setString(raw.Logging.Level, &cfg.Logging.Level)
		setString(raw.Logging.Format, &cfg.Logging.Format)
		setString(raw.Logging.File, &cfg.Logging.File)
		setInt(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setInt(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	texts := map[string]*string{
		"STRONGBOX_DATA_DIR":    &cfg.Store.DataDir,
		"STRONGBOX_STORE_NAME":  &cfg.Store.Name,
		"STRONGBOX_AUTHORITY":   &cfg.Store.Authority,
		"STRONGBOX_SCHEMA_FILE": &cfg.Store.SchemaFile,
		"STRONGBOX_LOG_LEVEL":   &cfg.Logging.Level,
		"STRONGBOX_LOG_FORMAT":  &cfg.Logging.Format,
		"STRONGBOX_LOG_FILE":    &cfg.Logging.File,
	}
	for key, target := range texts {
		if value, ok := lookupEnv(opts, key); ok {
			*target = value
		}
	}

	ints := map[string]*int{
		"STRONGBOX_STORE_VERSION":     &cfg.Store.Version,
		"STRONGBOX_ARGON2_MEMORY_KIB": &cfg.Crypto.Argon2MemoryKiB,
		"STRONGBOX_ARGON2_ITERATIONS": &cfg.Crypto.Argon2Iterations,
		"STRONGBOX_LOG_MAX_SIZE_MB":   &cfg.Logging.MaxSizeMB,
		"STRONGBOX_LOG_MAX_FILES":     &cfg.Logging.MaxFiles,
	}
	for key, target := range ints {
		value, ok := lookupEnv(opts, key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, key, err)
		}
		*target = parsed
	}

	if value, ok := lookupEnv(opts, "STRONGBOX_JOURNAL_ENABLED"); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: parse STRONGBOX_JOURNAL_ENABLED: %v", ErrInvalidConfig, err)
		}
		cfg.Journal.Enabled = parsed
	}
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	setString(flags.DataDir, &cfg.Store.DataDir)
	setString(flags.Name, &cfg.Store.Name)
	setInt(flags.Version, &cfg.Store.Version)
	setString(flags.SchemaFile, &cfg.Store.SchemaFile)
	setString(flags.LogLevel, &cfg.Logging.Level)
}

func validate(cfg Config) error {
	switch {
	case strings.TrimSpace(cfg.Store.Name) == "":
		return fmt.Errorf("%w: store.name must not be empty", ErrInvalidConfig)
	case cfg.Store.Version < 1:
		return fmt.Errorf("%w: store.version must be >= 1", ErrInvalidConfig)
	case !validAuthority(cfg.Store.Authority):
		return fmt.Errorf("%w: store.authority %q is not a valid host name", ErrInvalidConfig, cfg.Store.Authority)
	case cfg.Crypto.Argon2MemoryKiB < minArgon2MemoryKiB:
		return fmt.Errorf("%w: crypto.argon2_memory_kib must be >= %d", ErrInvalidConfig, minArgon2MemoryKiB)
	case cfg.Crypto.Argon2Iterations < 1:
		return fmt.Errorf("%w: crypto.argon2_iterations must be >= 1", ErrInvalidConfig)
	case cfg.Logging.MaxSizeMB < 1 || cfg.Logging.MaxFiles < 0:
		return fmt.Errorf("%w: logging.max_size_mb must be >= 1 and logging.max_files >= 0", ErrInvalidConfig)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level %q is not one of debug, info, warn, error", ErrInvalidConfig, cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q is not text or json", ErrInvalidConfig, cfg.Logging.Format)
	}
	return nil
}

func validAuthority(authority string) bool {
	if authority == "" {
		return false
	}
	for _, r := range authority {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func setString(raw *string, target *string) {
	if raw != nil {
		*target = *raw
	}
}

func setInt(raw *int, target *int) {
	if raw != nil {
		*target = *raw
	}
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "STRONGBOX_CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath(opts)
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func strongboxHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "STRONGBOX_HOME"); ok && value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Strongbox"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "strongbox"), nil
}

func defaultConfigPath(opts LoadOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Strongbox", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := lookupEnv(opts, "XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "strongbox", "config.toml"), nil
}
