package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/flashbox/internal/failure"
)

const entryColumns = `id, content_type, content, preview, title, extracted_text, deck_name, is_locked, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                      Entry
		contentType            string
		title, extracted, deck sql.NullString
		locked                 int
		createdAt              int64
	)
	if err := row.Scan(&e.ID, &contentType, &e.Content, &e.Preview, &title, &extracted, &deck, &locked, &createdAt); err != nil {
		return Entry{}, err
	}
	e.ContentType = ContentType(contentType)
	e.Title = title.String
	e.ExtractedText = extracted.String
	e.DeckName = deck.String
	e.IsLocked = locked != 0
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}

func validateEntry(e Entry) error {
	const op = "save entry"
	if strings.TrimSpace(e.ID) == "" {
		return failure.Validation(op, "id is required")
	}
	if !e.ContentType.Valid() {
		return failure.Validation(op, fmt.Sprintf("content_type %q must be text, url or pdf", e.ContentType))
	}
	if e.Content == "" {
		return failure.Validation(op, "content is required")
	}
	return nil
}

// ListEntries returns every entry, newest first.
func (s *Store) ListEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM inbox_entries ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	results := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *Store) GetEntry(ctx context.Context, id string) (Entry, error) {
	return getEntry(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getEntry(ctx context.Context, q querier, id string) (Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM inbox_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, failure.NotFound("get entry", id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("getting entry %s: %w", id, err)
	}
	return e, nil
}

// GetEntryWithCards returns the entry and all of its cards, read in one transaction.
func (s *Store) GetEntryWithCards(ctx context.Context, id string) (EntryWithCards, error) {
	var out EntryWithCards
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		cards, err := listCards(ctx, tx, id)
		if err != nil {
			return err
		}
		out = EntryWithCards{Entry: e, Cards: cards}
		return nil
	})
	return out, err
}

// SaveEntry inserts e or overwrites the entry with the same id. The lock flag
// never goes back to false and created_at is kept from the first write.
func (s *Store) SaveEntry(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	locked := 0
	if e.IsLocked {
		locked = 1
	}
	_, err := s.execWithRetry(ctx, `
		INSERT INTO inbox_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_type = excluded.content_type,
			content = excluded.content,
			preview = excluded.preview,
			title = excluded.title,
			extracted_text = excluded.extracted_text,
			deck_name = excluded.deck_name,
			is_locked = MAX(inbox_entries.is_locked, excluded.is_locked)`,
		e.ID, string(e.ContentType), e.Content, e.Preview,
		nullString(e.Title), nullString(e.ExtractedText), nullString(e.DeckName),
		locked, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving entry %s: %w", e.ID, err)
	}
	return nil
}

// DeleteEntry removes the entry and its cards in one transaction and returns
// the deleted entry so the caller can release its backing file.
func (s *Store) DeleteEntry(ctx context.Context, id string) (Entry, error) {
	var deleted Entry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := deleteEntryTx(ctx, tx, id); err != nil {
			return err
		}
		deleted = e
		return nil
	})
	return deleted, err
}

func deleteEntryTx(ctx context.Context, tx *sql.Tx, id string) error {
	// Cards go first explicitly so the cascade holds even on a connection
	// opened without foreign_keys.
	if _, err := tx.ExecContext(ctx, `DELETE FROM generated_cards WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("deleting cards of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inbox_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting entry %s: %w", id, err)
	}
	return nil
}

// DeleteEntryIfResolved removes the entry when it has at least one card and
// every card is added. The counts and the delete share one transaction.
func (s *Store) DeleteEntryIfResolved(ctx context.Context, id string) (bool, Entry, error) {
	var (
		removed bool
		deleted Entry
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		removed = false
		e, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		var total, pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(CASE WHEN status != 'added' THEN 1 ELSE 0 END), 0)
			FROM generated_cards WHERE entry_id = ?`, id).Scan(&total, &pending); err != nil {
			return fmt.Errorf("counting cards of %s: %w", id, err)
		}
		if total == 0 || pending > 0 {
			return nil
		}
		if err := deleteEntryTx(ctx, tx, id); err != nil {
			return err
		}
		removed, deleted = true, e
		return nil
	})
	if err != nil {
		return false, Entry{}, err
	}
	return removed, deleted, nil
}

func (s *Store) updateEntry(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return failure.NotFound(op, id)
	}
	return nil
}

// LockEntry marks the entry locked. Locking an already locked entry is a no-op.
func (s *Store) LockEntry(ctx context.Context, id string) error {
	return s.updateEntry(ctx, "lock entry", id, `UPDATE inbox_entries SET is_locked = 1 WHERE id = ?`, id)
}

func (s *Store) UpdateExtractedContent(ctx context.Context, id, title, text string) error {
	return s.updateEntry(ctx, "update extracted content", id,
		`UPDATE inbox_entries SET title = ?, extracted_text = ? WHERE id = ?`,
		nullString(title), nullString(text), id)
}

// UpdateDeckName sets the target deck. An empty name clears it.
func (s *Store) UpdateDeckName(ctx context.Context, id, deckName string) error {
	return s.updateEntry(ctx, "update deck name", id,
		`UPDATE inbox_entries SET deck_name = ? WHERE id = ?`,
		nullString(strings.TrimSpace(deckName)), id)
}

// PendingCardCount counts the entry's cards that are not yet added.
func (s *Store) PendingCardCount(ctx context.Context, entryID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generated_cards WHERE entry_id = ? AND status != 'added'`, entryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending cards of %s: %w", entryID, err)
	}
	return n, nil
}

func (s *Store) TotalCardCount(ctx context.Context, entryID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generated_cards WHERE entry_id = ?`, entryID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting cards of %s: %w", entryID, err)
	}
	return n, nil
}
