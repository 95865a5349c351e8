// Package capture turns shared payloads into inbox entry drafts.
package capture

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/flashbox/internal/failure"
	"github.com/kalambet/flashbox/internal/storage"
)

const (
	previewLimit     = 100
	previewEllipsis  = "..."
	placeholderTitle = "document.pdf"
)

var urlPattern = regexp.MustCompile(`(?i)^https?://`)

// IsURL reports whether s starts with an http(s) scheme.
func IsURL(s string) bool {
	return urlPattern.MatchString(s)
}

// ClassifyText builds an unlocked entry draft from a shared text payload.
func ClassifyText(payload string) (storage.Entry, error) {
	content := strings.TrimSpace(payload)
	if content == "" {
		return storage.Entry{}, failure.Validation("classify", "nothing to save")
	}
	ct := storage.ContentText
	if IsURL(content) {
		ct = storage.ContentURL
	}
	return storage.Entry{
		ID:          uuid.NewString(),
		ContentType: ct,
		Content:     content,
		Preview:     Preview(ct, content, ""),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Preview derives the list display string of an entry. PDF previews name the
// title; text and URL previews are the first 100 characters.
func Preview(ct storage.ContentType, content, title string) string {
	if ct == storage.ContentPDF {
		return "PDF: " + title
	}
	if ct == storage.ContentText {
		content = strings.TrimSpace(content)
	}
	if utf8.RuneCountInString(content) <= previewLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLimit]) + previewEllipsis
}

// TitleFromFilename returns the base name of a client-supplied filename, or a
// placeholder when none is usable.
func TitleFromFilename(filename string) string {
	name := strings.TrimSpace(filename)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return placeholderTitle
	}
	return name
}
