package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/flashbox/internal/failure"
)

// PDFReader extracts plain text from PDF files on disk.
type PDFReader struct {
	maxChars int
}

// NewPDFReader returns a reader that truncates output to maxChars characters;
// zero means no limit.
func NewPDFReader(maxChars int) *PDFReader {
	return &PDFReader{maxChars: maxChars}
}

// ExtractText returns the text layer of the PDF at path. Malformed documents
// are reported as IO errors.
func (p *PDFReader) ExtractText(ctx context.Context, path string) (text string, err error) {
	const op = "extract pdf"
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return "", failure.Wrap(failure.ErrIO, op, path, statErr)
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", failure.Wrap(failure.ErrIO, op, path, fmt.Errorf("malformed pdf: %v", r))
		}
	}()

	f, r, openErr := pdf.Open(path)
	if openErr != nil {
		return "", failure.Wrap(failure.ErrIO, op, path, openErr)
	}
	defer f.Close()

	if r.NumPage() == 0 {
		return "", failure.Wrap(failure.ErrIO, op, path, errors.New("pdf has no pages"))
	}

	plain, readErr := r.GetPlainText()
	if readErr != nil {
		return "", failure.Wrap(failure.ErrIO, op, path, readErr)
	}
	var buf bytes.Buffer
	if _, readErr := buf.ReadFrom(plain); readErr != nil {
		return "", failure.Wrap(failure.ErrIO, op, path, readErr)
	}
	return Truncate(normalizeText(buf.String()), p.maxChars), nil
}
