package config

// Default values for configuration options. Layer 0 of the override chain;
// chosen so the tool works with no config file at all.
const (
	defaultClientID        = "f2c0f2e7-3b5d-4c32-9c4b-7a3e1f7a8f10"
	defaultTokenSkew       = "5m"
	defaultParallelUploads = 4
	defaultChunkSize       = "10MiB"
	defaultBandwidthLimit  = "0"
	defaultMaxChunkRetries = 5
	defaultConflict        = "replace"
	defaultStaleAge        = "168h"
	defaultLogLevel        = "info"
	defaultConnectTimeout  = "30s"
	defaultUserAgent       = "updrive/0.1"
)

// defaultScopes are the delegated Graph permissions requested at login.
// offline_access yields the refresh token that makes resume-across-restart
// possible without re-authentication.
var defaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// DefaultConfig returns a Config populated with all default values. Used both
// as the starting point for TOML decoding (unset fields keep defaults) and as
// the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			ClientID:  defaultClientID,
			Scopes:    append([]string(nil), defaultScopes...),
			TokenSkew: defaultTokenSkew,
		},
		Transfers: TransfersConfig{
			ParallelUploads:  defaultParallelUploads,
			ChunkSize:        defaultChunkSize,
			BandwidthLimit:   defaultBandwidthLimit,
			MaxChunkRetries:  defaultMaxChunkRetries,
			ConflictBehavior: defaultConflict,
		},
		Sessions: SessionsConfig{
			StaleAge: defaultStaleAge,
		},
		Logging: LoggingConfig{
			LogLevel: defaultLogLevel,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			UserAgent:      defaultUserAgent,
		},
	}
}
