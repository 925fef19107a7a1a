package config

import "time"

// Transport kinds understood by driver.New.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config represents the complete conduit configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api,omitempty"`
	Journal JournalConfig `yaml:"journal,omitempty"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ClientConfig tunes the request scheduler.
type ClientConfig struct {
	Transport        string        `yaml:"transport"` // stdio | http
	Concurrency      int           `yaml:"concurrency"`
	StatusSampleTime time.Duration `yaml:"status_sample_time"`
	// ResponseSampleTime is accepted for symmetry with status sampling; the
	// scheduler does not throttle responses.
	ResponseSampleTime time.Duration `yaml:"response_sample_time"`
	PauseDebounce      time.Duration `yaml:"pause_debounce"`
	OneBasedIndices    bool          `yaml:"one_based_indices"`
	Debug              bool          `yaml:"debug"`
}

// ServerConfig describes how to reach the analysis server.
type ServerConfig struct {
	Path           string            `yaml:"path"`
	Args           []string          `yaml:"args,omitempty"`
	ProjectPath    string            `yaml:"project_path"`
	Env            map[string]string `yaml:"env,omitempty"`
	URL            string            `yaml:"url,omitempty"`
	ReadyEvent     string            `yaml:"ready_event"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
}

// APIConfig defines the debug HTTP API.
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// JournalConfig defines the optional request journal.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "conduit",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Client: ClientConfig{
			Transport:          TransportStdio,
			Concurrency:        4,
			StatusSampleTime:   500 * time.Millisecond,
			ResponseSampleTime: 100 * time.Millisecond,
			PauseDebounce:      120 * time.Millisecond,
		},
		Server: ServerConfig{
			ProjectPath:    ".",
			URL:            "http://127.0.0.1:2000",
			ReadyEvent:     "started",
			ConnectTimeout: 30 * time.Second,
		},
		API: APIConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:8089",
			RequestTimeout: 60 * time.Second,
		},
		Journal: JournalConfig{
			Retention: 7 * 24 * time.Hour,
		},
	}
}
