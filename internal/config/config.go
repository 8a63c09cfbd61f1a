// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for updrive. It supports a three-layer
// override chain (defaults -> config file -> environment/CLI flags) and
// resolves human-readable sizes and durations into concrete values at load
// time, so the rest of the program never parses configuration strings.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Auth      AuthConfig      `toml:"auth"`
	Transfers TransfersConfig `toml:"transfers"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Events    EventsConfig    `toml:"events"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// AuthConfig controls OAuth2 client parameters and token refresh behavior.
// client_id defaults to the registered public client; organizations that
// register their own application can override it.
type AuthConfig struct {
	ClientID  string   `toml:"client_id"`
	Scopes    []string `toml:"scopes"`
	TokenSkew string   `toml:"token_skew"`
}

// TransfersConfig controls parallel workers, chunk size, retry budget, and
// bandwidth limiting. chunk_size must be a multiple of 320 KiB per the upload
// API; violations are a startup error, not a per-upload error.
type TransfersConfig struct {
	ParallelUploads  int    `toml:"parallel_uploads"`
	ChunkSize        string `toml:"chunk_size"`
	BandwidthLimit   string `toml:"bandwidth_limit"`
	MaxChunkRetries  int    `toml:"max_chunk_retries"`
	ConflictBehavior string `toml:"conflict_behavior"`
}

// SessionsConfig controls durable upload-session state.
type SessionsConfig struct {
	DBPath   string `toml:"db_path"`
	StaleAge string `toml:"stale_age"`
}

// EventsConfig controls the optional local progress-event broadcast. When
// listen is non-empty, a websocket endpoint is served on that address so an
// external shell (GUI or script) can subscribe to upload progress.
type EventsConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// NetworkConfig controls HTTP client behavior. Chunk PUTs use no overall
// timeout (a 320 KiB-aligned chunk on a slow link can legitimately take
// minutes); metadata requests use connect_timeout.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	Account    string // --account flag
	ChunkSize  string // --chunk-size flag
	Parallel   int    // --parallel flag (0 = not set)
}
