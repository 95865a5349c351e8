package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	// FromEnv is true when the environment variable overrides the stored value.
	FromEnv bool
}

// ShowAll returns every config key with its effective value. Secrets are
// masked.
func ShowAll(cfg Config) []KeyInfo {
	result := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			v = maskSecret(v)
		}
		result = append(result, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   v,
			FromEnv: s.env != "" && os.Getenv(s.env) != "",
		})
	}
	return result
}

func maskSecret(v string) string {
	if v == "" {
		return "(not set)"
	}
	return "********"
}

// secretStore is the write side of the secrets file.
type secretStore interface {
	Set(service, account, value string) error
}

// SetKey validates value and persists it. Secret keys go to the secrets
// file, everything else to the config file.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), NewKeychain(), key, value)
}

func setKeyWith(b ConfigBackend, kc secretStore, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if err := checkValue(s, value); err != nil {
			return err
		}
		if s.secret {
			return kc.Set(secretService, secretAccount(key), value)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, _ := strconv.Atoi(value)
			return b.SetInt(key, i)
		}
	}

	return fmt.Errorf("unknown config key: %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// ResetKey removes a stored value so the default applies again.
func ResetKey(key string) error {
	return resetKeyWith(newPlatformBackend(), NewKeychain(), key)
}

func resetKeyWith(b ConfigBackend, kc secretStore, key string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return kc.Set(secretService, secretAccount(key), "")
		}
		return b.Delete(key)
	}
	return fmt.Errorf("unknown config key: %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// secretAccount maps "anki.api_key" to the "anki_api_key" account Load reads.
func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

func checkValue(s keySpec, value string) error {
	if s.typ == kInt {
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		switch {
		case s.key == "server.port" && (i <= 0 || i > 65535):
			return fmt.Errorf("%s must be between 1 and 65535", s.key)
		case i <= 0:
			return fmt.Errorf("%s must be positive", s.key)
		}
		return nil
	}

	switch s.key {
	case "anki.timeout", "clip.timeout", "worker.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", s.key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", s.key)
		}
	case "anki.base_url":
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", s.key, value)
		}
	case "log.level":
		switch strings.ToLower(value) {
		case "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("%s must be one of debug, info, warn, error", s.key)
		}
	case "storage.data_dir", "anki.default_deck", "anki.model_name":
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", s.key)
		}
	}
	return nil
}

// ValidKeys returns the list of config key names accepted by SetKey.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
