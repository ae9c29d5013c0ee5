// Package promsd writes Prometheus file_sd target files for the storage
// nodes under test and for the harness itself.
package promsd

import "time"

// Target represents a Prometheus file_sd target entry.
type Target struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels"`
}

// Config holds the configuration for the SD generator.
type Config struct {
	OutputFile    string
	HarnessTarget string // host:port of the harness metrics listener, empty to omit
	OnlyReachable bool   // drop nodes whose stats endpoint does not answer
	ProbeTimeout  time.Duration
	PollInterval  time.Duration
	Labels        map[string]string // added to every target
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutputFile:   "targets/blockbench.json",
		ProbeTimeout: 5 * time.Second,
		PollInterval: 30 * time.Second,
	}
}
