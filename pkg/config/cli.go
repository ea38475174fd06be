package config

import (
	"time"
)

// CLIConfig holds settings for the launch command line client.
type CLIConfig struct {
	APIURL       string
	PollInterval time.Duration
	PollTimeout  time.Duration
	HTTPTimeout  time.Duration
}

// LoadCLIConfig constructs a CLIConfig from environment variables.
func LoadCLIConfig() CLIConfig {
	return CLIConfig{
		APIURL:       GetString("LAUNCH_API_URL", "http://localhost:4000"),
		PollInterval: GetDuration("LAUNCH_POLL_INTERVAL", time.Second, 3*time.Second),
		PollTimeout:  GetDuration("LAUNCH_POLL_TIMEOUT", time.Second, 120*time.Second),
		HTTPTimeout:  GetDuration("LAUNCH_HTTP_TIMEOUT", time.Second, 30*time.Second),
	}
}
