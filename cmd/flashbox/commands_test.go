package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/flashbox/internal/storage"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	Auth        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			Auth:        r.Header.Get("Authorization"),
			ContentType: r.Header.Get("Content-Type"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"entry missing","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) recorded() []recordedRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]recordedRequest(nil), ts.requests...)
}

var ctx = context.Background()

func TestCaptureEntry_Text(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /capture": `{"id":"e-1","content_type":"text","content":"hello","preview":"hello","is_locked":false,"created_at":"2026-01-02T03:04:05Z"}`,
	})

	e, err := captureEntry(ctx, ts.client(), "hello", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID != "e-1" || e.ContentType != storage.ContentText {
		t.Errorf("entry = %+v", e)
	}

	reqs := ts.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	r := reqs[0]
	if r.Method != "POST" || r.Path != "/capture" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["content"] != "hello" {
		t.Errorf("body.content = %q", body["content"])
	}
}

func TestCaptureEntry_URL(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /capture": `{"id":"e-2","content_type":"url"}`,
	})

	if _, err := captureEntry(ctx, ts.client(), "", "ftp://example.com", ""); err == nil {
		t.Error("non-http URL accepted")
	}
	if len(ts.recorded()) != 0 {
		t.Error("request sent for an invalid URL")
	}

	if _, err := captureEntry(ctx, ts.client(), "", "https://example.com/a", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body := ts.recorded()[0].Body; !strings.Contains(body, `"content":"https://example.com/a"`) {
		t.Errorf("body = %s", body)
	}
}

func TestCaptureEntry_PDFUpload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /capture/pdf": `{"id":"e-3","content_type":"pdf","title":"slides.pdf"}`,
	})
	path := filepath.Join(t.TempDir(), "slides.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.5 slides"), 0o644); err != nil {
		t.Fatal(err)
	}

	e, err := captureEntry(ctx, ts.client(), "", "", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Title != "slides.pdf" {
		t.Errorf("entry = %+v", e)
	}

	r := ts.recorded()[0]
	mediaType, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("content type = %q", r.ContentType)
	}
	mr := multipart.NewReader(strings.NewReader(r.Body), params["boundary"])
	fields := map[string]string{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading multipart: %v", err)
		}
		b, _ := io.ReadAll(part)
		fields[part.FormName()] = string(b)
	}
	if fields["filename"] != "slides.pdf" || fields["file"] != "%PDF-1.5 slides" {
		t.Errorf("multipart fields = %v", fields)
	}
}

func TestCaptureEntry_PDFMissing(t *testing.T) {
	ts := newTestServer(t, nil)
	if _, err := captureEntry(ctx, ts.client(), "", "", filepath.Join(t.TempDir(), "nope.pdf")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/entries/missing")
	if err != nil {
		t.Fatal(err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "entry missing") {
		t.Errorf("err = %v", err)
	}
}

func TestReconcile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /entries":                `[{"id":"a"},{"id":"b"}]`,
		"POST /entries/a/auto-remove": `{"removed":true}`,
		"POST /entries/b/auto-remove": `{"removed":false}`,
	})

	removed, err := reconcile(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	var paths []string
	for _, r := range ts.recorded() {
		paths = append(paths, r.Method+" "+r.Path)
	}
	want := "GET /entries,POST /entries/a/auto-remove,POST /entries/b/auto-remove"
	if got := strings.Join(paths, ","); got != want {
		t.Errorf("requests = %s, want %s", got, want)
	}
}

func TestClientPut(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"PUT /settings/default_deck": `{"status":"updated"}`,
	})

	resp, err := ts.client().put(ctx, "/settings/default_deck", map[string]string{"value": "Bio"})
	if err != nil {
		t.Fatal(err)
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatal(err)
	}
	r := ts.recorded()[0]
	if r.Method != "PUT" || r.Body != `{"value":"Bio"}` || r.ContentType != "application/json" {
		t.Errorf("request = %+v", r)
	}
}

func TestReadDrafts(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "cards.json")
	os.WriteFile(good, []byte(`[{"front":"Q","back":"A","tags":["bio"]}]`), 0o644)
	empty := filepath.Join(dir, "empty.json")
	os.WriteFile(empty, []byte(`[]`), 0o644)
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"front":"Q"}`), 0o644)

	drafts, err := readDrafts(good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Front != "Q" || drafts[0].Tags[0] != "bio" {
		t.Errorf("drafts = %+v", drafts)
	}
	for _, p := range []string{empty, bad, filepath.Join(dir, "missing.json")} {
		if _, err := readDrafts(p); err == nil {
			t.Errorf("readDrafts(%s) succeeded", filepath.Base(p))
		}
	}
}

func TestEntriesTable(t *testing.T) {
	noColor = true
	out := entriesTable([]storage.Entry{
		{ID: "e-1", ContentType: storage.ContentURL, Preview: "https://example.com", IsLocked: true, CreatedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)},
		{ID: "e-2", ContentType: storage.ContentText, Preview: strings.Repeat("x", 100), DeckName: "Bio"},
	})
	for _, want := range []string{"e-1", "processed", "e-2", "new", "Bio", "…"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(strings.ToLower(out), "preview") {
		t.Errorf("table missing header:\n%s", out)
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("short", 10); got != "short" {
		t.Errorf("shorten = %q", got)
	}
	if got := shorten("ünïcödé text", 5); got != "ünïc…" {
		t.Errorf("shorten = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "verbose": "INFO"}
	for in, want := range cases {
		if got := parseLogLevel(in).String(); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
