package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FLASHBOX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FLASHBOX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "anki.base_url", typ: kString, env: "FLASHBOX_ANKI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Anki.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Anki.BaseURL },
	},
	{
		key: "anki.api_key", typ: kString, env: "FLASHBOX_ANKI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Anki.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anki.APIKey },
	},
	{
		key: "anki.default_deck", typ: kString, env: "FLASHBOX_ANKI_DEFAULT_DECK",
		apply:   func(cfg *Config, v any) { cfg.Anki.DefaultDeck = v.(string) },
		extract: func(cfg Config) any { return cfg.Anki.DefaultDeck },
	},
	{
		key: "anki.model_name", typ: kString, env: "FLASHBOX_ANKI_MODEL_NAME",
		apply:   func(cfg *Config, v any) { cfg.Anki.ModelName = v.(string) },
		extract: func(cfg Config) any { return cfg.Anki.ModelName },
	},
	{
		key: "anki.timeout", typ: kString, env: "FLASHBOX_ANKI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Anki.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Anki.Timeout },
	},
	{
		key: "sync.concurrency", typ: kInt, env: "FLASHBOX_SYNC_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Sync.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.Concurrency },
	},
	{
		key: "clip.max_chars", typ: kInt, env: "FLASHBOX_CLIP_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Clip.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Clip.MaxChars },
	},
	{
		key: "clip.timeout", typ: kString, env: "FLASHBOX_CLIP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Clip.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Clip.Timeout },
	},
	{
		key: "worker.poll_interval", typ: kString, env: "FLASHBOX_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "FLASHBOX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
