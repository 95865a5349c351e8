package anki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/flashbox/internal/failure"
)

// Permission is the observed access state to the Anki collection.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionUnknown Permission = "unknown"
)

// BreakerConfig tunes the circuit breaker in front of AnkiConnect.
type BreakerConfig struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the breaker settings used by the server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Name: "ankiconnect", MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

type objectKind string

const (
	kindDeck  objectKind = "deck"
	kindModel objectKind = "model"
)

// Bridge adds notes to Anki, creating decks and note types on first use.
// Resolved ids are cached for the life of the process.
type Bridge struct {
	client  *Client
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	logger  *slog.Logger

	mu     sync.Mutex
	decks  map[string]int64
	models map[string]int64
	perm   Permission
}

// NewBridge wraps client with an id cache and a circuit breaker.
func NewBridge(client *Client, cfg BreakerConfig) *Bridge {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	logger := slog.Default()
	b := &Bridge{
		client: client,
		logger: logger,
		decks:  map[string]int64{},
		models: map[string]int64{},
		perm:   PermissionUnknown,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("anki circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isBreakerSuccess,
	})
	return b
}

// isBreakerSuccess counts only transport failures against the breaker. Anki
// answering with an error, or the caller giving up, says nothing about its
// health.
func isBreakerSuccess(err error) bool {
	var ae *ActionError
	switch {
	case err == nil:
		return true
	case errors.As(err, &ae):
		return true
	case errors.Is(err, context.Canceled):
		return true
	}
	return false
}

// BreakerState reports the breaker state as "closed", "half-open" or "open".
func (b *Bridge) BreakerState() string {
	return b.breaker.State().String()
}

func (b *Bridge) execute(op string, fn func() (any, error)) (any, error) {
	v, err := b.breaker.Execute(fn)
	if err != nil {
		return nil, failure.External(op, err)
	}
	return v, nil
}

// IsAvailable reports whether AnkiConnect answers, even if only to refuse.
func (b *Bridge) IsAvailable(ctx context.Context) bool {
	_, err := b.execute("anki version", func() (any, error) {
		return b.client.Version(ctx)
	})
	var ae *ActionError
	return err == nil || errors.As(err, &ae)
}

// Permission returns the current permission state. An unknown state is
// resolved with a harmless probe: a rejected api key means denied, a
// transport failure leaves it unknown.
func (b *Bridge) Permission(ctx context.Context) Permission {
	b.mu.Lock()
	p := b.perm
	b.mu.Unlock()
	if p != PermissionUnknown {
		return p
	}

	_, err := b.execute("anki version", func() (any, error) {
		return b.client.Version(ctx)
	})
	var ae *ActionError
	switch {
	case err == nil:
		p = PermissionGranted
	case errors.As(err, &ae) && strings.Contains(strings.ToLower(ae.Message), "api key"):
		p = PermissionDenied
	default:
		return PermissionUnknown
	}
	b.setPermission(p)
	return p
}

// HasPermission reports whether access has been granted.
func (b *Bridge) HasPermission(ctx context.Context) bool {
	return b.Permission(ctx) == PermissionGranted
}

func (b *Bridge) setPermission(p Permission) {
	b.mu.Lock()
	b.perm = p
	b.mu.Unlock()
}

// RequestPermission asks Anki for access. It may block until the user
// answers the dialog in Anki.
func (b *Bridge) RequestPermission(ctx context.Context) (bool, error) {
	v, err := b.execute("anki request permission", func() (any, error) {
		return b.client.RequestPermission(ctx)
	})
	if err != nil {
		return false, err
	}
	res := v.(PermissionResult)

	granted := res.Permission == string(PermissionGranted)
	if granted && res.RequireAPIKey && b.client.apiKey == "" {
		b.logger.Warn("anki requires an api key but none is configured")
		granted = false
	}
	if granted {
		b.setPermission(PermissionGranted)
	} else {
		b.setPermission(PermissionDenied)
	}
	return granted, nil
}

// RequestPermissionAsync runs RequestPermission on its own goroutine and
// reports the outcome to done.
func (b *Bridge) RequestPermissionAsync(ctx context.Context, done func(granted bool, err error)) {
	go func() {
		granted, err := b.RequestPermission(ctx)
		if done != nil {
			done(granted, err)
		}
	}()
}

// AddCard adds a Front/Back note to deckName using modelName, creating
// either one when missing, and returns the new note id.
func (b *Bridge) AddCard(ctx context.Context, deckName, modelName, front, back string, tags []string) (int64, error) {
	const op = "anki add card"
	deckName = strings.TrimSpace(deckName)
	modelName = strings.TrimSpace(modelName)
	switch {
	case deckName == "":
		return 0, failure.Validation(op, "deck name is required")
	case modelName == "":
		return 0, failure.Validation(op, "model name is required")
	case strings.TrimSpace(front) == "" || strings.TrimSpace(back) == "":
		return 0, failure.Validation(op, "front and back are required")
	}

	if _, err := b.resolve(ctx, kindDeck, deckName); err != nil {
		return 0, err
	}
	if _, err := b.resolve(ctx, kindModel, modelName); err != nil {
		return 0, err
	}

	note := Note{
		DeckName:  deckName,
		ModelName: modelName,
		Fields:    map[string]string{FieldFront: front, FieldBack: back},
		Tags:      tags,
		Options:   noteOptions{DuplicateScope: "deck"},
	}
	v, err := b.execute(op, func() (any, error) {
		return b.client.AddNote(ctx, note)
	})
	if err != nil {
		return 0, err
	}
	id := v.(int64)
	b.logger.Debug("anki note added", "deck", deckName, "model", modelName, "note_id", id)
	return id, nil
}

func (b *Bridge) cache(k objectKind) map[string]int64 {
	if k == kindDeck {
		return b.decks
	}
	return b.models
}

func (b *Bridge) cached(k objectKind, name string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.cache(k)[name]
	return id, ok
}

func (b *Bridge) remember(k objectKind, ids map[string]int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cache(k)
	for name, id := range ids {
		c[name] = id
	}
}

// resolve returns the id of the named deck or model, creating it when Anki
// does not have one. Concurrent calls for the same name share one lookup. The
// shared lookup runs on the context of whichever caller started it, so a
// caller whose own context is still live retries when that lookup was
// cancelled under it.
func (b *Bridge) resolve(ctx context.Context, k objectKind, name string) (int64, error) {
	key := string(k) + "\x00" + name
	for {
		if id, ok := b.cached(k, name); ok {
			return id, nil
		}

		ch := b.group.DoChan(key, func() (any, error) {
			if id, ok := b.cached(k, name); ok {
				return id, nil
			}
			return b.lookupOrCreate(ctx, k, name)
		})

		select {
		case <-ctx.Done():
			return 0, failure.External("anki resolve "+string(k), ctx.Err())
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(int64), nil
			}
			if ctx.Err() == nil && isContextError(res.Err) {
				b.logger.Debug("shared anki lookup cancelled, retrying", "kind", k, "name", name)
				continue
			}
			return 0, res.Err
		}
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (b *Bridge) lookupOrCreate(ctx context.Context, k objectKind, name string) (int64, error) {
	op := "anki resolve " + string(k)
	v, err := b.execute(op, func() (any, error) {
		if k == kindDeck {
			return b.client.DeckNamesAndIDs(ctx)
		}
		return b.client.ModelNamesAndIDs(ctx)
	})
	if err != nil {
		return 0, err
	}
	existing := v.(map[string]int64)
	if k == kindDeck {
		b.remember(k, existing)
	}
	if id, ok := existing[name]; ok {
		if k == kindModel {
			if err := b.checkModelFields(ctx, name); err != nil {
				return 0, err
			}
			b.remember(k, map[string]int64{name: id})
		}
		return id, nil
	}

	v, err = b.execute("anki create "+string(k), func() (any, error) {
		if k == kindDeck {
			return b.client.CreateDeck(ctx, name)
		}
		return b.client.CreateBasicModel(ctx, name)
	})
	if err != nil {
		return 0, err
	}
	id := v.(int64)
	b.remember(k, map[string]int64{name: id})
	b.logger.Info("anki "+string(k)+" created", "name", name, "id", id)
	return id, nil
}

// checkModelFields rejects an existing note type that lacks the Front and
// Back fields cards are written to.
func (b *Bridge) checkModelFields(ctx context.Context, name string) error {
	v, err := b.execute("anki model fields", func() (any, error) {
		return b.client.ModelFieldNames(ctx, name)
	})
	if err != nil {
		return err
	}
	fields := v.([]string)
	if slices.Contains(fields, FieldFront) && slices.Contains(fields, FieldBack) {
		return nil
	}
	return failure.Validation("anki resolve model", fmt.Sprintf(
		"note type %q has fields [%s]; it needs %s and %s, pick another model name",
		name, strings.Join(fields, ", "), FieldFront, FieldBack))
}
