package config

import "time"

// Config represents the complete rota configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
	State     StateConfig     `yaml:"state"`
	Events    EventsConfig    `yaml:"events"`
	Tracing   TracingConfig   `yaml:"tracing"`

	// SourcePath and Digest describe the file the config was loaded from.
	SourcePath string `yaml:"-"`
	Digest     string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
}

// TransportConfig defines the TCP listener workers and requesters connect to.
type TransportConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen" validate:"required,hostname_port"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key" validate:"resolved"`
	Tokens []APIToken `yaml:"tokens,omitempty" validate:"dive"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token" validate:"required,resolved"`
	Scopes []string `yaml:"scopes" validate:"min=1,dive,scope"`
}

// StateConfig defines where the job log lives and how long it is kept.
type StateConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	JobLogRetention time.Duration `yaml:"job_log_retention" validate:"gt=0"`
	PruneSchedule   string        `yaml:"prune_schedule" validate:"required,cronspec"`
}

// EventsConfig sizes the in-memory event hub.
type EventsConfig struct {
	Buffer int `yaml:"buffer" validate:"gte=1,lte=65536"`
}

// TracingConfig toggles span export to stdout.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "rota",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Transport: TransportConfig{
			Listen: "127.0.0.1:7070",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		State: StateConfig{
			Path:            "./data/rota.db",
			JobLogRetention: 7 * 24 * time.Hour,
			PruneSchedule:   "@every 1h",
		},
		Events: EventsConfig{
			Buffer: 256,
		},
	}
}
