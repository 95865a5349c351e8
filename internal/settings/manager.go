// Package settings provides cached access to the user-editable app settings
// kept in the app_settings table.
package settings

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/flashbox/internal/failure"
)

// Known setting keys.
const (
	KeyDefaultDeck     = "default_deck"
	KeyModelName       = "model_name"
	KeyFactPrompt      = "fact_extraction_prompt"
	KeyFlashcardPrompt = "flashcard_creation_prompt"
)

//go:embed prompts/*.txt
var promptsFS embed.FS

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	AllSettings(ctx context.Context) (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Settings is the resolved view: stored values with defaults filled in.
type Settings struct {
	DefaultDeck     string `json:"default_deck"`
	ModelName       string `json:"model_name"`
	FactPrompt      string `json:"fact_extraction_prompt"`
	FlashcardPrompt string `json:"flashcard_creation_prompt"`
}

// Manager caches the settings table and resolves defaults.
type Manager struct {
	store    Store
	clock    Clock
	ttl      time.Duration
	defaults Settings

	mu       sync.RWMutex
	cached   map[string]string
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL. Deck and model
// defaults normally come from config.
func NewManager(store Store, defaultDeck, modelName string) *Manager {
	return NewManagerWithClock(store, defaultDeck, modelName, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, defaultDeck, modelName string, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		defaults: Settings{
			DefaultDeck:     defaultDeck,
			ModelName:       modelName,
			FactPrompt:      mustPrompt("fact_extraction.txt"),
			FlashcardPrompt: mustPrompt("flashcard_creation.txt"),
		},
	}
}

func mustPrompt(name string) string {
	b, err := promptsFS.ReadFile("prompts/" + name)
	if err != nil {
		panic(fmt.Sprintf("settings: missing embedded prompt %s: %v", name, err))
	}
	return strings.TrimSpace(string(b))
}

// ValidKeys returns the setting keys accepted by Set, sorted.
func ValidKeys() []string {
	keys := []string{KeyDefaultDeck, KeyModelName, KeyFactPrompt, KeyFlashcardPrompt}
	sort.Strings(keys)
	return keys
}

func validKey(key string) bool {
	for _, k := range ValidKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func (m *Manager) load(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		c := m.cached
		m.mu.RUnlock()
		return c, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return m.cached, nil
	}

	all, err := m.store.AllSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	m.cached = all
	m.cachedAt = m.clock.Now()
	return all, nil
}

// Get returns the resolved settings. Blank stored values fall back to defaults.
func (m *Manager) Get(ctx context.Context) (Settings, error) {
	raw, err := m.load(ctx)
	if err != nil {
		return Settings{}, err
	}
	s := m.defaults
	pick := func(key string, dst *string) {
		if v := strings.TrimSpace(raw[key]); v != "" {
			*dst = raw[key]
		}
	}
	pick(KeyDefaultDeck, &s.DefaultDeck)
	pick(KeyModelName, &s.ModelName)
	pick(KeyFactPrompt, &s.FactPrompt)
	pick(KeyFlashcardPrompt, &s.FlashcardPrompt)
	return s, nil
}

// Defaults returns the values used when a key is unset.
func (m *Manager) Defaults() Settings {
	return m.defaults
}

// DeckFor resolves the deck a card of an entry goes to: the entry's own deck
// name, else the default_deck setting, else the configured default.
func (m *Manager) DeckFor(ctx context.Context, entryDeck string) (string, error) {
	if d := strings.TrimSpace(entryDeck); d != "" {
		return d, nil
	}
	s, err := m.Get(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s.DefaultDeck), nil
}

// ModelName resolves the card-model name used for new notes.
func (m *Manager) ModelName(ctx context.Context) (string, error) {
	s, err := m.Get(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(s.ModelName), nil
}

// Set persists a setting and invalidates the cache. An empty value resets the
// key to its default.
func (m *Manager) Set(ctx context.Context, key, value string) error {
	if !validKey(key) {
		return failure.Validation("set setting", fmt.Sprintf("unknown key %q (valid: %s)", key, strings.Join(ValidKeys(), ", ")))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if strings.TrimSpace(value) == "" {
		err = m.store.DeleteSetting(ctx, key)
	} else {
		err = m.store.SetSetting(ctx, key, value)
	}
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}

	m.cached = nil
	return nil
}

// Reset restores key to its default.
func (m *Manager) Reset(ctx context.Context, key string) error {
	return m.Set(ctx, key, "")
}
