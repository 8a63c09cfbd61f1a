package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "UPDRIVE_CONFIG"
	EnvAccount = "UPDRIVE_ACCOUNT"
	EnvDataDir = "UPDRIVE_DATA_DIR"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // UPDRIVE_CONFIG: override config file path
	Account    string // UPDRIVE_ACCOUNT: active account ID
	DataDir    string // UPDRIVE_DATA_DIR: data directory override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Account:    os.Getenv(EnvAccount),
		DataDir:    os.Getenv(EnvDataDir),
	}
}
