// Package inbox implements the capture, card drafting and reconciliation
// workflow on top of the store and the Anki bridge.
package inbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/flashbox/internal/anki"
	"github.com/kalambet/flashbox/internal/capture"
	"github.com/kalambet/flashbox/internal/extract"
	"github.com/kalambet/flashbox/internal/failure"
	"github.com/kalambet/flashbox/internal/metrics"
	"github.com/kalambet/flashbox/internal/settings"
	"github.com/kalambet/flashbox/internal/storage"
)

// Bridge is the subset of anki.Bridge the service needs.
type Bridge interface {
	IsAvailable(ctx context.Context) bool
	Permission(ctx context.Context) anki.Permission
	HasPermission(ctx context.Context) bool
	RequestPermission(ctx context.Context) (bool, error)
	AddCard(ctx context.Context, deckName, modelName, front, back string, tags []string) (int64, error)
}

// WebClipper fetches readable text for URL entries.
type WebClipper interface {
	Clip(ctx context.Context, rawURL string) (extract.Article, error)
}

// PDFTextReader extracts the text layer of spooled PDFs.
type PDFTextReader interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Deps wires the service. Metrics may be nil.
type Deps struct {
	Store    *storage.Store
	Spooler  *capture.Spooler
	Settings *settings.Manager
	Bridge   Bridge
	Clipper  WebClipper
	PDF      PDFTextReader
	Metrics  *metrics.Collector

	// AnkiTimeout bounds each call into Anki. Zero means 30s.
	AnkiTimeout time.Duration
	// SyncConcurrency caps parallel card syncs per entry. Zero means 4.
	SyncConcurrency int
}

// Service is the inbox workflow.
type Service struct {
	store       *storage.Store
	spooler     *capture.Spooler
	settings    *settings.Manager
	bridge      Bridge
	clipper     WebClipper
	pdf         PDFTextReader
	metrics     *metrics.Collector
	ankiTimeout time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time

	syncing cardLocks
}

// New creates a Service.
func New(d Deps) *Service {
	if d.AnkiTimeout <= 0 {
		d.AnkiTimeout = 30 * time.Second
	}
	if d.SyncConcurrency <= 0 {
		d.SyncConcurrency = 4
	}
	return &Service{
		store:       d.Store,
		spooler:     d.Spooler,
		settings:    d.Settings,
		bridge:      d.Bridge,
		clipper:     d.Clipper,
		pdf:         d.PDF,
		metrics:     d.Metrics,
		ankiTimeout: d.AnkiTimeout,
		concurrency: d.SyncConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

// CaptureText classifies payload, stores it and schedules a web clip for
// URLs.
func (s *Service) CaptureText(ctx context.Context, payload string) (storage.Entry, error) {
	e, err := capture.ClassifyText(payload)
	if err != nil {
		return storage.Entry{}, err
	}
	if err := s.store.SaveEntry(ctx, e); err != nil {
		return storage.Entry{}, fmt.Errorf("saving captured entry: %w", err)
	}
	s.metrics.EntryCaptured(string(e.ContentType))
	if e.ContentType == storage.ContentURL {
		s.enqueue(ctx, storage.JobClipURL, e.ID)
	}
	return e, nil
}

// CapturePDF spools r to disk and stores the entry only once the file is in
// place. A failed save removes the spooled file again.
func (s *Service) CapturePDF(ctx context.Context, r io.Reader, filename string) (storage.Entry, error) {
	e, err := s.spooler.Spool(ctx, r, filename)
	if err != nil {
		return storage.Entry{}, err
	}
	return s.savePDF(ctx, e)
}

// CaptureLocalPDF spools a PDF that sits on the local filesystem. The copy
// runs on the spooler's goroutine; a cancelled ctx abandons the wait and the
// spooler cleans up after itself.
func (s *Service) CaptureLocalPDF(ctx context.Context, path string) (storage.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.Entry{}, failure.Wrap(failure.ErrIO, "open pdf", path, err)
	}
	defer f.Close()

	var res capture.SpoolResult
	select {
	case res = <-s.spooler.SpoolAsync(ctx, f, filepath.Base(path)):
	case <-ctx.Done():
		return storage.Entry{}, ctx.Err()
	}
	if res.Err != nil {
		return storage.Entry{}, res.Err
	}
	return s.savePDF(ctx, res.Entry)
}

func (s *Service) savePDF(ctx context.Context, e storage.Entry) (storage.Entry, error) {
	if err := s.store.SaveEntry(ctx, e); err != nil {
		s.releaseFile(e)
		return storage.Entry{}, fmt.Errorf("saving pdf entry: %w", err)
	}
	s.metrics.EntryCaptured(string(e.ContentType))
	s.enqueue(ctx, storage.JobExtractPDF, e.ID)
	return e, nil
}

// enqueue schedules follow-up work. The entry is already saved, so a queue
// failure is logged rather than failing the capture.
func (s *Service) enqueue(ctx context.Context, jobType, entryID string) {
	if err := s.store.EnqueueJob(ctx, storage.NewEntryJob(jobType, entryID)); err != nil {
		s.logger.Warn("could not schedule job", "type", jobType, "entry_id", entryID, "error", err)
	}
}

// SaveEntry upserts an entry supplied by a client, filling in id, preview
// and creation time when they are missing.
func (s *Service) SaveEntry(ctx context.Context, e storage.Entry) (storage.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.Preview == "" && e.ContentType.Valid() {
		e.Preview = capture.Preview(e.ContentType, e.Content, e.Title)
	}
	if err := s.store.SaveEntry(ctx, e); err != nil {
		return storage.Entry{}, err
	}
	return s.store.GetEntry(ctx, e.ID)
}

// Clip fetches the page behind a URL entry and stores its title and text.
func (s *Service) Clip(ctx context.Context, entryID string) (storage.Entry, error) {
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return storage.Entry{}, err
	}
	if e.ContentType != storage.ContentURL {
		return storage.Entry{}, failure.Validation("clip", fmt.Sprintf("entry %s is %s, not url", entryID, e.ContentType))
	}
	a, err := s.clipper.Clip(ctx, e.Content)
	if err != nil {
		return storage.Entry{}, err
	}
	if err := s.store.UpdateExtractedContent(ctx, entryID, a.Title, a.Text); err != nil {
		return storage.Entry{}, err
	}
	return s.store.GetEntry(ctx, entryID)
}

// ExtractPDF reads the text layer of a PDF entry into extracted_text,
// keeping its title.
func (s *Service) ExtractPDF(ctx context.Context, entryID string) (storage.Entry, error) {
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return storage.Entry{}, err
	}
	if e.ContentType != storage.ContentPDF {
		return storage.Entry{}, failure.Validation("extract pdf", fmt.Sprintf("entry %s is %s, not pdf", entryID, e.ContentType))
	}
	text, err := s.pdf.ExtractText(ctx, e.Content)
	if err != nil {
		return storage.Entry{}, err
	}
	if err := s.store.UpdateExtractedContent(ctx, entryID, e.Title, text); err != nil {
		return storage.Entry{}, err
	}
	return s.store.GetEntry(ctx, entryID)
}

// CardDraft is a generated front/back pair awaiting review.
type CardDraft struct {
	Front string   `json:"front" validate:"required"`
	Back  string   `json:"back" validate:"required"`
	Tags  []string `json:"tags,omitempty"`
}

// SaveOptions controls how drafts are applied to an entry.
type SaveOptions struct {
	// Lock marks the entry as processed after saving.
	Lock bool
	// Replace discards the entry's unsynced cards first. It is required to
	// add drafts to an entry that is already locked.
	Replace bool
}

// SaveCards stores drafts as pending cards of entryID.
func (s *Service) SaveCards(ctx context.Context, entryID string, drafts []CardDraft, opts SaveOptions) ([]storage.Card, error) {
	const op = "save cards"
	if len(drafts) == 0 {
		return nil, failure.Validation(op, "at least one card is required")
	}
	e, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.IsLocked && !opts.Replace {
		return nil, failure.Validation(op, fmt.Sprintf("entry %s is locked; resubmit with replace", entryID))
	}

	stamp := s.now().UnixMilli()
	cards := make([]storage.Card, len(drafts))
	for i, d := range drafts {
		if strings.TrimSpace(d.Front) == "" || strings.TrimSpace(d.Back) == "" {
			return nil, failure.Validation(op, fmt.Sprintf("card %d: front and back are required", i))
		}
		cards[i] = storage.Card{
			ID:      fmt.Sprintf("%s-card-%d-%d", entryID, i, stamp),
			EntryID: entryID,
			Front:   d.Front,
			Back:    d.Back,
			Tags:    d.Tags,
			Status:  storage.CardPending,
		}
	}

	if opts.Replace {
		err = s.store.ReplaceCards(ctx, entryID, cards)
	} else {
		err = s.store.SaveCards(ctx, entryID, cards)
	}
	if err != nil {
		return nil, err
	}
	s.metrics.CardsSaved(len(cards))

	if opts.Lock {
		if err := s.store.LockEntry(ctx, entryID); err != nil {
			return nil, err
		}
	}
	return s.store.ListCards(ctx, entryID)
}

// DeleteEntry removes an entry with its cards and releases its spooled file.
func (s *Service) DeleteEntry(ctx context.Context, entryID string) error {
	e, err := s.store.DeleteEntry(ctx, entryID)
	if err != nil {
		return err
	}
	s.metrics.EntryRemoved("deleted")
	s.releaseFile(e)
	return nil
}

// CheckAutoRemove deletes the entry when it has cards and all of them are
// in Anki. It reports whether the entry was removed.
func (s *Service) CheckAutoRemove(ctx context.Context, entryID string) (bool, error) {
	removed, e, err := s.store.DeleteEntryIfResolved(ctx, entryID)
	if err != nil {
		return false, err
	}
	if removed {
		s.metrics.EntryRemoved("resolved")
		s.logger.Info("entry resolved and removed", "entry_id", entryID)
		s.releaseFile(e)
	}
	return removed, nil
}

// releaseFile removes the spooled PDF of a deleted entry. Failures are
// logged and otherwise ignored.
func (s *Service) releaseFile(e storage.Entry) {
	if e.ContentType != storage.ContentPDF || s.spooler == nil {
		return
	}
	if err := s.spooler.Release(e.Content); err != nil {
		s.logger.Warn("could not remove pdf file", "entry_id", e.ID, "path", e.Content, "error", err)
	}
}
