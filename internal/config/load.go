package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/updrive/updrive/internal/chunk"
)

// Valid conflict behaviors accepted by the upload session API.
var validConflictBehaviors = map[string]bool{
	"replace": true,
	"rename":  true,
	"fail":    true,
}

// Valid log levels.
var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Resolved is the fully-parsed effective configuration. All sizes are bytes,
// all durations are time.Duration — downstream code never sees config strings.
type Resolved struct {
	ConfigPath string
	DataDir    string
	Account    string

	ClientID  string
	Scopes    []string
	TokenSkew time.Duration

	ParallelUploads  int
	ChunkSize        int64
	BandwidthLimit   int64 // bytes per second, 0 = unlimited
	MaxChunkRetries  int
	ConflictBehavior string

	DBPath   string
	StaleAge time.Duration

	EventsListen string

	LogLevel string

	ConnectTimeout time.Duration
	UserAgent      string
}

// Load reads and parses a TOML config file and validates it. Unknown keys are
// fatal errors: silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults. Supports the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and reports
// them all in one error, sorted for deterministic output.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}

	sort.Strings(keys)

	return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment -> CLI flags. The returned Resolved
// is fully validated; in particular a chunk_size that is not a 320 KiB
// multiple fails here, at startup, never during an upload.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	dataDir := DefaultDataDir()
	if env.DataDir != "" {
		dataDir = env.DataDir
	}

	account := env.Account
	if cli.Account != "" {
		account = cli.Account
	}

	if cli.ChunkSize != "" {
		cfg.Transfers.ChunkSize = cli.ChunkSize
	}

	if cli.Parallel > 0 {
		cfg.Transfers.ParallelUploads = cli.Parallel
	}

	return resolve(cfg, cfgPath, dataDir, account)
}

// resolve converts a validated Config into a Resolved, parsing all size and
// duration strings.
func resolve(cfg *Config, cfgPath, dataDir, account string) (*Resolved, error) {
	r := &Resolved{
		ConfigPath:       cfgPath,
		DataDir:          dataDir,
		Account:          account,
		ClientID:         cfg.Auth.ClientID,
		Scopes:           cfg.Auth.Scopes,
		ParallelUploads:  cfg.Transfers.ParallelUploads,
		MaxChunkRetries:  cfg.Transfers.MaxChunkRetries,
		ConflictBehavior: cfg.Transfers.ConflictBehavior,
		EventsListen:     cfg.Events.Listen,
		LogLevel:         cfg.Logging.LogLevel,
		UserAgent:        cfg.Network.UserAgent,
	}

	var err error

	if r.TokenSkew, err = parseDurationField("auth.token_skew", cfg.Auth.TokenSkew); err != nil {
		return nil, err
	}

	if r.ChunkSize, err = ParseSize(cfg.Transfers.ChunkSize); err != nil {
		return nil, fmt.Errorf("transfers.chunk_size: %w", err)
	}

	if r.BandwidthLimit, err = ParseRate(cfg.Transfers.BandwidthLimit); err != nil {
		return nil, fmt.Errorf("transfers.bandwidth_limit: %w", err)
	}

	if r.StaleAge, err = parseDurationField("sessions.stale_age", cfg.Sessions.StaleAge); err != nil {
		return nil, err
	}

	if r.ConnectTimeout, err = parseDurationField("network.connect_timeout", cfg.Network.ConnectTimeout); err != nil {
		return nil, err
	}

	r.DBPath = cfg.Sessions.DBPath
	if r.DBPath == "" {
		r.DBPath = DefaultDBPath(dataDir)
	}

	if err := validate(r); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return r, nil
}

// validate enforces cross-field constraints on the resolved configuration.
func validate(r *Resolved) error {
	if r.ClientID == "" {
		return fmt.Errorf("auth.client_id must not be empty")
	}

	if r.ParallelUploads < 1 {
		return fmt.Errorf("transfers.parallel_uploads must be at least 1, got %d", r.ParallelUploads)
	}

	if r.ChunkSize <= 0 || r.ChunkSize%chunk.Alignment != 0 {
		return fmt.Errorf(
			"transfers.chunk_size must be a positive multiple of 320 KiB, got %d bytes", r.ChunkSize)
	}

	if r.MaxChunkRetries < 0 {
		return fmt.Errorf("transfers.max_chunk_retries must be non-negative, got %d", r.MaxChunkRetries)
	}

	if !validConflictBehaviors[r.ConflictBehavior] {
		return fmt.Errorf("transfers.conflict_behavior must be one of replace, rename, fail; got %q",
			r.ConflictBehavior)
	}

	if !validLogLevels[r.LogLevel] {
		return fmt.Errorf("logging.log_level must be one of debug, info, warn, error; got %q", r.LogLevel)
	}

	if r.BandwidthLimit < 0 {
		return fmt.Errorf("transfers.bandwidth_limit must be non-negative")
	}

	return nil
}

func parseDurationField(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, value, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be non-negative, got %q", name, value)
	}

	return d, nil
}
