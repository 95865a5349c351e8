package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/flashbox/internal/failure"
	"github.com/kalambet/flashbox/internal/storage"
)

// Spooler copies PDF streams into a directory the process owns, so entries
// reference a stable path instead of a caller's transient stream.
type Spooler struct {
	dir    string
	logger *slog.Logger
}

// NewSpooler returns a Spooler writing into dir. The directory is created on
// first use.
func NewSpooler(dir string) (*Spooler, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving spool dir: %w", err)
	}
	return &Spooler{dir: abs, logger: slog.Default()}, nil
}

// Dir returns the absolute spool directory.
func (s *Spooler) Dir() string { return s.dir }

// SpoolResult carries the outcome of SpoolAsync.
type SpoolResult struct {
	Entry storage.Entry
	Err   error
}

// Spool writes r to <dir>/pdf_<uuid>.pdf and returns the entry draft for it.
// The file is fsynced and renamed into place before Spool returns, so a
// persisted entry never points at a partial file. On failure nothing is left
// behind and the error is an IO (or validation, for an empty stream) error.
func (s *Spooler) Spool(ctx context.Context, r io.Reader, filename string) (storage.Entry, error) {
	const op = "spool pdf"
	if r == nil {
		return storage.Entry{}, failure.Validation(op, "no pdf stream")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return storage.Entry{}, failure.Wrap(failure.ErrIO, op, "creating spool dir", err)
	}

	id := uuid.NewString()
	final := filepath.Join(s.dir, "pdf_"+id+".pdf")

	tmp, err := os.CreateTemp(s.dir, ".pdf_"+id+"-*.tmp")
	if err != nil {
		return storage.Entry{}, failure.Wrap(failure.ErrIO, op, "creating temp file", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return storage.Entry{}, failure.Wrap(failure.ErrIO, op, "copying stream", err)
	}
	if n == 0 {
		return storage.Entry{}, failure.Validation(op, "pdf stream is empty")
	}
	if err := tmp.Sync(); err != nil {
		return storage.Entry{}, failure.Wrap(failure.ErrIO, op, "syncing file", err)
	}
	if err := tmp.Close(); err != nil {
		return storage.Entry{}, failure.Wrap(failure.ErrIO, op, "closing file", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return storage.Entry{}, failure.Wrap(failure.ErrIO, op, "renaming into place", err)
	}
	committed = true
	if err := syncDir(s.dir); err != nil {
		os.Remove(final)
		return storage.Entry{}, failure.Wrap(failure.ErrIO, op, "syncing spool dir", err)
	}

	title := TitleFromFilename(filename)
	s.logger.Debug("pdf spooled", "id", id, "bytes", n, "path", final)
	return storage.Entry{
		ID:          id,
		ContentType: storage.ContentPDF,
		Content:     final,
		Preview:     Preview(storage.ContentPDF, final, title),
		Title:       title,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// SpoolAsync runs Spool on its own goroutine. The channel receives exactly
// one result, after the file is durably written or the copy failed.
func (s *Spooler) SpoolAsync(ctx context.Context, r io.Reader, filename string) <-chan SpoolResult {
	ch := make(chan SpoolResult, 1)
	go func() {
		e, err := s.Spool(ctx, r, filename)
		ch <- SpoolResult{Entry: e, Err: err}
	}()
	return ch
}

// Release removes a spooled file. Paths outside the spool directory are
// refused; a file that is already gone is not an error.
func (s *Spooler) Release(path string) error {
	const op = "release pdf"
	abs, err := filepath.Abs(path)
	if err != nil {
		return failure.Wrap(failure.ErrIO, op, path, err)
	}
	rel, err := filepath.Rel(s.dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.ContainsRune(rel, filepath.Separator) {
		return failure.Validation(op, fmt.Sprintf("%s is not a spooled file", path))
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return failure.Wrap(failure.ErrIO, op, path, err)
	}
	return nil
}

// syncDir flushes dir so a rename inside it survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
