package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/flashbox/internal/failure"
	"github.com/kalambet/flashbox/internal/storage"
)

type mockProcessor struct {
	mu      sync.Mutex
	clipFn  func(ctx context.Context, id string) (storage.Entry, error)
	pdfFn   func(ctx context.Context, id string) (storage.Entry, error)
	clipped []string
	read    []string
}

func (m *mockProcessor) Clip(ctx context.Context, id string) (storage.Entry, error) {
	m.mu.Lock()
	m.clipped = append(m.clipped, id)
	m.mu.Unlock()
	if m.clipFn != nil {
		return m.clipFn(ctx, id)
	}
	return storage.Entry{ID: id}, nil
}

func (m *mockProcessor) ExtractPDF(ctx context.Context, id string) (storage.Entry, error) {
	m.mu.Lock()
	m.read = append(m.read, id)
	m.mu.Unlock()
	if m.pdfFn != nil {
		return m.pdfFn(ctx, id)
	}
	return storage.Entry{ID: id}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, jobType, entryID string) string {
	t.Helper()
	job := storage.NewEntryJob(jobType, entryID)
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job.ID
}

func jobStatus(t *testing.T, store *storage.Store, id string) storage.Job {
	t.Helper()
	j, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func TestWorker_DispatchesByType(t *testing.T) {
	store := openTestStore(t)
	clipJob := enqueueTestJob(t, store, storage.JobClipURL, "entry-url")
	pdfJob := enqueueTestJob(t, store, storage.JobExtractPDF, "entry-pdf")

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 0, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error: %v", err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false, expected true", i)
		}
	}

	if len(proc.clipped) != 1 || proc.clipped[0] != "entry-url" {
		t.Errorf("clipped = %v, want [entry-url]", proc.clipped)
	}
	if len(proc.read) != 1 || proc.read[0] != "entry-pdf" {
		t.Errorf("pdf reads = %v, want [entry-pdf]", proc.read)
	}
	for _, id := range []string{clipJob, pdfJob} {
		if j := jobStatus(t, store, id); j.Status != "completed" {
			t.Errorf("job %s status = %q, want completed", id, j.Status)
		}
	}

	didWork, err := w.RunOnce(ctx)
	if err != nil || didWork {
		t.Errorf("RunOnce on empty queue = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, storage.JobClipURL, "entry-r")

	w := NewWorker(store, &mockProcessor{
		clipFn: func(context.Context, string) (storage.Entry, error) {
			return storage.Entry{}, failure.External("web clip", fmt.Errorf("HTTP 503"))
		},
	}, 0, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	j := jobStatus(t, store, id)
	if j.Status != "pending" || j.Attempts != 1 {
		t.Errorf("after failure: status=%q attempts=%d, want pending/1", j.Status, j.Attempts)
	}
	if j.LastError == "" {
		t.Error("last_error not recorded")
	}
	if !j.RunAfter.After(time.Now().Add(-time.Second)) {
		t.Errorf("run_after = %v, want a backoff in the future", j.RunAfter)
	}
}

func TestWorker_MissingEntryCompletesSilently(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, storage.JobExtractPDF, "gone")

	w := NewWorker(store, &mockProcessor{
		pdfFn: func(context.Context, string) (storage.Entry, error) {
			return storage.Entry{}, failure.NotFound("get entry", "gone")
		},
	}, 0, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if j := jobStatus(t, store, id); j.Status != "completed" || j.Attempts != 0 {
		t.Errorf("status=%q attempts=%d, want completed/0", j.Status, j.Attempts)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	job := storage.Job{ID: "job-bad", Type: storage.JobClipURL, PayloadJSON: `{}`}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 0, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if len(proc.clipped) != 0 {
		t.Error("processor called for a payload without entry_id")
	}
	if j := jobStatus(t, store, "job-bad"); j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
}

func TestWorker_JobTimeout(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, storage.JobClipURL, "slow")

	w := NewWorker(store, &mockProcessor{
		clipFn: func(ctx context.Context, _ string) (storage.Entry, error) {
			<-ctx.Done()
			return storage.Entry{}, failure.External("web clip", ctx.Err())
		},
	}, 0, 20*time.Millisecond)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if j := jobStatus(t, store, id); j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 after timeout", j.Attempts)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, storage.JobClipURL, "e1")

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		proc.mu.Lock()
		n := len(proc.clipped)
		proc.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
