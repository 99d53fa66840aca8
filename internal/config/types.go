package config

import "time"

// Config represents the complete fibpool configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Queue   QueueConfig   `yaml:"queue"`
	API     APIConfig     `yaml:"api,omitempty"`
	History HistoryConfig `yaml:"history,omitempty"`

	// Path and Fingerprint identify the file the config was loaded from.
	// Both are empty for Defaults().
	Path        string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// QueueConfig defines the worker pool.
type QueueConfig struct {
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
	// PollInterval is the dispatch loop period.
	PollInterval time.Duration `yaml:"poll_interval"`
	// StartupTimeout bounds each worker handshake; zero waits indefinitely.
	StartupTimeout time.Duration `yaml:"startup_timeout,omitempty"`
	// Entry is the worker binary. Empty re-executes the running binary.
	Entry string   `yaml:"entry,omitempty"`
	Args  []string `yaml:"args,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token for task submission.
	Token string `yaml:"token,omitempty"`
}

// HistoryConfig defines the settled-task journal.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fibpool",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Queue: QueueConfig{
			Name:         "fibonacci",
			Workers:      4,
			PollInterval: 250 * time.Millisecond,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		History: HistoryConfig{
			Enabled:   false,
			Path:      "./data/history.db",
			Retention: 7 * 24 * time.Hour,
		},
	}
}
