package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Anki    AnkiConfig
	Sync    SyncConfig
	Clip    ClipConfig
	Worker  WorkerConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// AnkiConfig points at the AnkiConnect add-on of a running Anki instance.
type AnkiConfig struct {
	BaseURL     string
	APIKey      string
	DefaultDeck string
	ModelName   string
	Timeout     string
}

type SyncConfig struct {
	Concurrency int
}

type ClipConfig struct {
	MaxChars int
	Timeout  string
}

type WorkerConfig struct {
	PollInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Anki: AnkiConfig{
			BaseURL:     "http://127.0.0.1:8765",
			DefaultDeck: "MasterFlasher",
			ModelName:   "com.snortstudios.masterflasher",
			Timeout:     "30s",
		},
		Sync: SyncConfig{
			Concurrency: 4,
		},
		Clip: ClipConfig{
			MaxChars: 25000,
			Timeout:  "15s",
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config backend, environment
// variables and the secrets file.
//
// The backend is a JSON file at $XDG_CONFIG_HOME/flashbox/config.json.
// Environment variables (FLASHBOX_*) override backend values. The AnkiConnect
// API key is optional; when unset in the environment it is read from the
// secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// keychain abstracts secret lookup for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Anki.APIKey == "" {
		if key, err := kc.Get(secretService, "anki_api_key"); err == nil && key != "" {
			cfg.Anki.APIKey = key
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("invalid config: storage.data_dir is empty")
	}
	if c.Anki.BaseURL == "" {
		return fmt.Errorf("invalid config: anki.base_url is empty")
	}
	if c.Clip.MaxChars <= 0 {
		return fmt.Errorf("invalid config: clip.max_chars must be positive")
	}
	return nil
}

// AnkiTimeout returns the parsed anki.timeout, or fallback when it is invalid.
func (c Config) AnkiTimeout(fallback time.Duration) time.Duration {
	return parseDuration(c.Anki.Timeout, fallback)
}

// ClipTimeout returns the parsed clip.timeout, or fallback when it is invalid.
func (c Config) ClipTimeout(fallback time.Duration) time.Duration {
	return parseDuration(c.Clip.Timeout, fallback)
}

// PollInterval returns the parsed worker.poll_interval, or fallback.
func (c Config) PollInterval(fallback time.Duration) time.Duration {
	return parseDuration(c.Worker.PollInterval, fallback)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
