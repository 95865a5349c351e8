package storage

import (
	"time"

	"github.com/kalambet/flashbox/internal/failure"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = failure.ErrNotFound

// ContentType classifies what an inbox entry holds.
type ContentType string

const (
	ContentText ContentType = "text"
	ContentURL  ContentType = "url"
	ContentPDF  ContentType = "pdf"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentURL, ContentPDF:
		return true
	}
	return false
}

// CardStatus tracks a card's progress towards the external store.
// Added is terminal.
type CardStatus string

const (
	CardPending CardStatus = "pending"
	CardAdded   CardStatus = "added"
	CardError   CardStatus = "error"
)

func (s CardStatus) Valid() bool {
	switch s {
	case CardPending, CardAdded, CardError:
		return true
	}
	return false
}

// Entry is one captured item waiting in the inbox. For PDF entries Content is
// the absolute path of the spooled file.
type Entry struct {
	ID            string      `json:"id"`
	ContentType   ContentType `json:"content_type"`
	Content       string      `json:"content"`
	Preview       string      `json:"preview"`
	Title         string      `json:"title,omitempty"`
	ExtractedText string      `json:"extracted_text,omitempty"`
	DeckName      string      `json:"deck_name,omitempty"`
	IsLocked      bool        `json:"is_locked"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Card is a flashcard draft owned by exactly one entry.
// NoteID is set if and only if Status is CardAdded.
type Card struct {
	ID      string     `json:"id"`
	EntryID string     `json:"entry_id"`
	Front   string     `json:"front"`
	Back    string     `json:"back"`
	Tags    []string   `json:"tags"`
	Status  CardStatus `json:"status"`
	NoteID  *int64     `json:"note_id,omitempty"`
}

type EntryWithCards struct {
	Entry Entry  `json:"entry"`
	Cards []Card `json:"cards"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
