package anki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kalambet/flashbox/internal/failure"
)

// fakeAnki is an in-memory AnkiConnect.
type fakeAnki struct {
	mu         sync.Mutex
	apiKey     string
	permission string
	decks      map[string]int64
	models     map[string]int64
	fields     map[string][]string
	notes      []map[string]any
	calls      map[string]int
	nextID     int64
	createWait time.Duration
}

func newFakeAnki() *fakeAnki {
	return &fakeAnki{
		permission: "granted",
		decks:      map[string]int64{"Default": 1},
		models:     map[string]int64{"Basic": 2},
		fields:     map[string][]string{"Basic": {"Front", "Back"}},
		calls:      map[string]int{},
		nextID:     1000,
	}
}

func (f *fakeAnki) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *fakeAnki) addedNotes() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.notes...)
}

func (f *fakeAnki) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action  string          `json:"action"`
		Version int             `json:"version"`
		Key     string          `json:"key"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Action]++
	f.mu.Unlock()

	reply := func(result any, errMsg any) {
		json.NewEncoder(w).Encode(map[string]any{"result": result, "error": errMsg})
	}

	if req.Version != 6 {
		reply(nil, "unsupported version")
		return
	}
	if req.Action != "requestPermission" && f.apiKey != "" && req.Key != f.apiKey {
		reply(nil, "valid api key must be provided")
		return
	}

	switch req.Action {
	case "version":
		reply(6, nil)
	case "requestPermission":
		reply(map[string]any{"permission": f.permission, "requireApikey": f.apiKey != "", "version": 6}, nil)
	case "deckNamesAndIds":
		f.mu.Lock()
		defer f.mu.Unlock()
		reply(f.decks, nil)
	case "modelNamesAndIds":
		f.mu.Lock()
		defer f.mu.Unlock()
		reply(f.models, nil)
	case "createDeck":
		var p struct {
			Deck string `json:"deck"`
		}
		json.Unmarshal(req.Params, &p)
		time.Sleep(f.createWait)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nextID++
		f.decks[p.Deck] = f.nextID
		reply(f.nextID, nil)
	case "createModel":
		var p createModelParams
		json.Unmarshal(req.Params, &p)
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.models[p.ModelName]; ok {
			reply(nil, "Model name already exists")
			return
		}
		f.nextID++
		f.models[p.ModelName] = f.nextID
		f.fields[p.ModelName] = p.InOrderFields
		reply(map[string]any{"id": f.nextID, "name": p.ModelName}, nil)
	case "modelFieldNames":
		var p struct {
			ModelName string `json:"modelName"`
		}
		json.Unmarshal(req.Params, &p)
		f.mu.Lock()
		defer f.mu.Unlock()
		fields, ok := f.fields[p.ModelName]
		if !ok {
			reply(nil, "model was not found: "+p.ModelName)
			return
		}
		reply(fields, nil)
	case "addNote":
		var p struct {
			Note Note `json:"note"`
		}
		var raw struct {
			Note map[string]any `json:"note"`
		}
		json.Unmarshal(req.Params, &p)
		json.Unmarshal(req.Params, &raw)
		f.mu.Lock()
		defer f.mu.Unlock()
		if !p.Note.Options.AllowDuplicate {
			for _, n := range f.notes {
				if n["deckName"] == p.Note.DeckName && n["fields"].(map[string]any)["Front"] == p.Note.Fields["Front"] {
					reply(nil, "cannot create note because it is a duplicate")
					return
				}
			}
		}
		f.nextID++
		f.notes = append(f.notes, raw.Note)
		reply(f.nextID, nil)
	default:
		reply(nil, "unsupported action")
	}
}

func newTestBridge(t *testing.T, f *fakeAnki, key string) *Bridge {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewBridge(New(srv.URL, key), DefaultBreakerConfig())
}

func TestAddCard_CreatesDeckAndModelOnce(t *testing.T) {
	f := newFakeAnki()
	b := newTestBridge(t, f, "")
	ctx := context.Background()

	first, err := b.AddCard(ctx, "Biology", "flashbox.basic", "Q1", "A1", []string{"cells"})
	if err != nil {
		t.Fatalf("AddCard: %v", err)
	}
	second, err := b.AddCard(ctx, "Biology", "flashbox.basic", "Q2", "A2", nil)
	if err != nil {
		t.Fatalf("AddCard: %v", err)
	}
	if first == second || first == 0 {
		t.Errorf("note ids = %d, %d, want distinct non-zero", first, second)
	}

	if n := f.count("createDeck"); n != 1 {
		t.Errorf("createDeck calls = %d, want 1", n)
	}
	if n := f.count("createModel"); n != 1 {
		t.Errorf("createModel calls = %d, want 1", n)
	}
	if n := f.count("deckNamesAndIds"); n != 1 {
		t.Errorf("deckNamesAndIds calls = %d, want 1 (second lookup served from cache)", n)
	}

	notes := f.addedNotes()
	if len(notes) != 2 {
		t.Fatalf("notes = %d, want 2", len(notes))
	}
	note := notes[0]
	if note["deckName"] != "Biology" || note["modelName"] != "flashbox.basic" {
		t.Errorf("note target = %v/%v", note["deckName"], note["modelName"])
	}
	fields := note["fields"].(map[string]any)
	if fields["Front"] != "Q1" || fields["Back"] != "A1" {
		t.Errorf("fields = %v", fields)
	}
	if tags := notes[1]["tags"].([]any); len(tags) != 0 {
		t.Errorf("nil tags sent as %v, want []", tags)
	}
}

func TestAddCard_ExistingDeckNotRecreated(t *testing.T) {
	f := newFakeAnki()
	b := newTestBridge(t, f, "")

	if _, err := b.AddCard(context.Background(), "Default", "Basic", "Q", "A", nil); err != nil {
		t.Fatalf("AddCard: %v", err)
	}
	if f.count("createDeck") != 0 || f.count("createModel") != 0 {
		t.Errorf("existing deck or model was recreated")
	}
}

func TestAddCard_ConcurrentFirstUseCreatesOneDeck(t *testing.T) {
	f := newFakeAnki()
	f.createWait = 20 * time.Millisecond
	b := newTestBridge(t, f, "")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.AddCard(context.Background(), "Chemistry", "Basic", "Q"+strconv.Itoa(i), "A", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AddCard: %v", err)
		}
	}
	if n := f.count("createDeck"); n != 1 {
		t.Errorf("createDeck calls = %d, want 1", n)
	}
}

func TestAddCard_DuplicateFrontRejected(t *testing.T) {
	f := newFakeAnki()
	b := newTestBridge(t, f, "")
	ctx := context.Background()

	if _, err := b.AddCard(ctx, "Default", "Basic", "Q", "A", nil); err != nil {
		t.Fatalf("AddCard: %v", err)
	}
	_, err := b.AddCard(ctx, "Default", "Basic", "Q", "other answer", nil)
	var ae *ActionError
	if !errors.Is(err, failure.ErrExternal) || !errors.As(err, &ae) {
		t.Fatalf("err = %v, want an external duplicate error", err)
	}
	if len(f.addedNotes()) != 1 {
		t.Errorf("notes = %d, want 1", len(f.addedNotes()))
	}
	if got := b.BreakerState(); got != "closed" {
		t.Errorf("BreakerState() = %q, want closed", got)
	}
}

func TestAddCard_FollowerSurvivesCancelledLookup(t *testing.T) {
	f := newFakeAnki()
	f.createWait = 200 * time.Millisecond
	b := newTestBridge(t, f, "")

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := b.AddCard(leaderCtx, "NewDeck", "Basic", "Q1", "A1", nil)
		leaderErr <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.count("createDeck") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("createDeck never started")
		}
		time.Sleep(time.Millisecond)
	}

	followerErr := make(chan error, 1)
	go func() {
		_, err := b.AddCard(context.Background(), "NewDeck", "Basic", "Q2", "A2", nil)
		followerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v, want context.Canceled", err)
	}
	select {
	case err := <-followerErr:
		if err != nil {
			t.Fatalf("follower err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follower never finished")
	}
	notes := f.addedNotes()
	if len(notes) != 1 || notes[0]["deckName"] != "NewDeck" {
		t.Errorf("notes = %v, want the follower's note in NewDeck", notes)
	}
}

func TestAddCard_ExistingModelWithoutFrontBack(t *testing.T) {
	f := newFakeAnki()
	f.models["Cloze"] = 3
	f.fields["Cloze"] = []string{"Text", "Back Extra"}
	b := newTestBridge(t, f, "")

	_, err := b.AddCard(context.Background(), "Default", "Cloze", "Q", "A", nil)
	if !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if !strings.Contains(err.Error(), "Cloze") || !strings.Contains(err.Error(), "Text") {
		t.Errorf("err = %v, want the model name and its fields", err)
	}
	if f.count("addNote") != 0 || f.count("createModel") != 0 {
		t.Error("note added or model recreated for a mismatched note type")
	}

	if _, err := b.AddCard(context.Background(), "Default", "Basic", "Q", "A", nil); err != nil {
		t.Fatalf("AddCard with Basic: %v", err)
	}
	if _, err := b.AddCard(context.Background(), "Default", "Basic", "Q2", "A2", nil); err != nil {
		t.Fatalf("AddCard with Basic: %v", err)
	}
	if n := f.count("modelFieldNames"); n != 2 {
		t.Errorf("modelFieldNames calls = %d, want 2 (checked model cached)", n)
	}
}

func TestAddCard_Validation(t *testing.T) {
	b := newTestBridge(t, newFakeAnki(), "")
	cases := [][4]string{
		{"", "Basic", "Q", "A"},
		{"Deck", " ", "Q", "A"},
		{"Deck", "Basic", "", "A"},
		{"Deck", "Basic", "Q", "  "},
	}
	for _, c := range cases {
		if _, err := b.AddCard(context.Background(), c[0], c[1], c[2], c[3], nil); !errors.Is(err, failure.ErrValidation) {
			t.Errorf("AddCard(%q) err = %v, want ErrValidation", c, err)
		}
	}
}

func TestAddCard_AnkiErrorIsExternal(t *testing.T) {
	f := newFakeAnki()
	f.apiKey = "secret"
	b := newTestBridge(t, f, "wrong")

	_, err := b.AddCard(context.Background(), "Deck", "Basic", "Q", "A", nil)
	if !errors.Is(err, failure.ErrExternal) {
		t.Fatalf("err = %v, want ErrExternal", err)
	}
	var ae *ActionError
	if !errors.As(err, &ae) {
		t.Errorf("err = %v, want the AnkiConnect cause", err)
	}
}

func TestAddCard_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	b := NewBridge(New(srv.URL, ""), DefaultBreakerConfig())

	if _, err := b.AddCard(context.Background(), "Deck", "Basic", "Q", "A", nil); !errors.Is(err, failure.ErrExternal) {
		t.Errorf("err = %v, want ErrExternal", err)
	}
	if b.IsAvailable(context.Background()) {
		t.Error("IsAvailable() = true for a closed server")
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewBridge(New(srv.URL, ""), BreakerConfig{Name: "test", MaxFailures: 2, OpenTimeout: time.Minute})
	ctx := context.Background()

	for range 2 {
		if _, err := b.AddCard(ctx, "Deck", "Basic", "Q", "A", nil); !errors.Is(err, failure.ErrExternal) {
			t.Fatalf("err = %v, want ErrExternal", err)
		}
	}
	if got := b.BreakerState(); got != "open" {
		t.Fatalf("BreakerState() = %q, want open", got)
	}

	_, err := b.AddCard(ctx, "Deck", "Basic", "Q", "A", nil)
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, failure.ErrExternal) {
		t.Errorf("err = %v, want an external open-state error", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("server hits = %d, want 2 (open breaker must not call out)", hits)
	}
}

func TestBreakerIgnoresAnkiErrors(t *testing.T) {
	f := newFakeAnki()
	f.apiKey = "secret"
	srv := httptest.NewServer(f)
	defer srv.Close()
	b := NewBridge(New(srv.URL, "wrong"), BreakerConfig{Name: "test", MaxFailures: 1, OpenTimeout: time.Minute})

	for range 3 {
		b.AddCard(context.Background(), "Deck", "Basic", "Q", "A", nil)
	}
	if got := b.BreakerState(); got != "closed" {
		t.Errorf("BreakerState() = %q, want closed", got)
	}
}

func TestPermissionStates(t *testing.T) {
	ctx := context.Background()

	t.Run("granted by probe", func(t *testing.T) {
		b := newTestBridge(t, newFakeAnki(), "")
		if p := b.Permission(ctx); p != PermissionGranted {
			t.Errorf("Permission() = %q, want granted", p)
		}
		if !b.HasPermission(ctx) {
			t.Error("HasPermission() = false")
		}
	})

	t.Run("denied by bad key", func(t *testing.T) {
		f := newFakeAnki()
		f.apiKey = "secret"
		b := newTestBridge(t, f, "wrong")
		if p := b.Permission(ctx); p != PermissionDenied {
			t.Errorf("Permission() = %q, want denied", p)
		}
		if !b.IsAvailable(ctx) {
			t.Error("IsAvailable() = false, want true when Anki answers")
		}
	})

	t.Run("unknown when unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		b := NewBridge(New(srv.URL, ""), DefaultBreakerConfig())
		if p := b.Permission(ctx); p != PermissionUnknown {
			t.Errorf("Permission() = %q, want unknown", p)
		}
	})
}

func TestRequestPermission(t *testing.T) {
	ctx := context.Background()

	f := newFakeAnki()
	f.permission = "denied"
	b := newTestBridge(t, f, "")
	granted, err := b.RequestPermission(ctx)
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if granted || b.Permission(ctx) != PermissionDenied {
		t.Errorf("granted = %v, permission = %q, want denied", granted, b.Permission(ctx))
	}

	f2 := newFakeAnki()
	f2.apiKey = "secret"
	b2 := newTestBridge(t, f2, "")
	if granted, _ := b2.RequestPermission(ctx); granted {
		t.Error("granted without the required api key")
	}
}

func TestRequestPermissionAsync(t *testing.T) {
	b := newTestBridge(t, newFakeAnki(), "")

	done := make(chan bool, 1)
	b.RequestPermissionAsync(context.Background(), func(granted bool, err error) {
		if err != nil {
			t.Errorf("callback err: %v", err)
		}
		done <- granted
	})

	select {
	case granted := <-done:
		if !granted {
			t.Error("granted = false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
	if b.Permission(context.Background()) != PermissionGranted {
		t.Error("permission not cached after async request")
	}
}
