package settings

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/flashbox/internal/failure"
	"github.com/kalambet/flashbox/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu   sync.Mutex
	data map[string]string

	allCalls int
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]string)}
}

func (m *mockStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mockStore) DeleteSetting(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mockStore) AllSettings(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allCalls++
	cp := make(map[string]string, len(m.data))
	for k, v := range m.data {
		cp[k] = v
	}
	return cp, nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestGet_Defaults(t *testing.T) {
	m := NewManager(newMockStore(), "MasterFlasher", "com.snortstudios.masterflasher")

	s, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.DefaultDeck != "MasterFlasher" {
		t.Errorf("DefaultDeck = %q, want %q", s.DefaultDeck, "MasterFlasher")
	}
	if s.ModelName != "com.snortstudios.masterflasher" {
		t.Errorf("ModelName = %q, want %q", s.ModelName, "com.snortstudios.masterflasher")
	}
	if !strings.HasPrefix(s.FactPrompt, "Extract explicit") {
		t.Errorf("FactPrompt = %q, want embedded default", s.FactPrompt)
	}
	if !strings.Contains(s.FlashcardPrompt, "Front:") {
		t.Errorf("FlashcardPrompt = %q, want embedded default", s.FlashcardPrompt)
	}
}

func TestSetAndReset(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMockStore(), "MasterFlasher", "Basic")

	if err := m.Set(ctx, KeyDefaultDeck, "Biology"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s, _ := m.Get(ctx)
	if s.DefaultDeck != "Biology" {
		t.Errorf("DefaultDeck = %q, want %q", s.DefaultDeck, "Biology")
	}

	if err := m.Reset(ctx, KeyDefaultDeck); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	s, _ = m.Get(ctx)
	if s.DefaultDeck != "MasterFlasher" {
		t.Errorf("DefaultDeck after reset = %q, want %q", s.DefaultDeck, "MasterFlasher")
	}
}

func TestSetUnknownKey(t *testing.T) {
	m := NewManager(newMockStore(), "d", "m")

	err := m.Set(context.Background(), "theme", "dark")
	if !errors.Is(err, failure.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestDeckFor(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMockStore(), "MasterFlasher", "m")

	if d, _ := m.DeckFor(ctx, " Spanish "); d != "Spanish" {
		t.Errorf("DeckFor(entry deck) = %q, want %q", d, "Spanish")
	}
	if d, _ := m.DeckFor(ctx, ""); d != "MasterFlasher" {
		t.Errorf("DeckFor(empty) = %q, want config default", d)
	}
	if err := m.Set(ctx, KeyDefaultDeck, "Inbox"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if d, _ := m.DeckFor(ctx, ""); d != "Inbox" {
		t.Errorf("DeckFor(empty) = %q, want setting %q", d, "Inbox")
	}
}

func TestCacheTTL(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	m := NewManagerWithClock(store, "d", "m", clock, 10*time.Second)

	for i := 0; i < 3; i++ {
		if _, err := m.Get(ctx); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if store.allCalls != 1 {
		t.Errorf("allCalls = %d, want 1 within TTL", store.allCalls)
	}

	clock.Advance(11 * time.Second)
	if _, err := m.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.allCalls != 2 {
		t.Errorf("allCalls = %d, want 2 after TTL expiry", store.allCalls)
	}
}

func TestCacheInvalidatedOnSet(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	m := NewManagerWithClock(store, "d", "m", clock, time.Hour)

	if _, err := m.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Set(ctx, KeyModelName, "Cloze"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	name, err := m.ModelName(ctx)
	if err != nil {
		t.Fatalf("ModelName: %v", err)
	}
	if name != "Cloze" {
		t.Errorf("ModelName = %q, want %q", name, "Cloze")
	}
	if store.allCalls != 2 {
		t.Errorf("allCalls = %d, want 2", store.allCalls)
	}
}

func TestWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := NewManager(s, "MasterFlasher", "Basic")
	if err := m.Set(ctx, KeyFlashcardPrompt, "One card per fact."); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FlashcardPrompt != "One card per fact." {
		t.Errorf("FlashcardPrompt = %q", got.FlashcardPrompt)
	}
}
