package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/flashbox/internal/failure"
)

const cardColumns = `id, entry_id, front, back, tags, status, note_id`

func scanCard(row rowScanner) (Card, error) {
	var (
		c      Card
		tags   string
		status string
		noteID sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.EntryID, &c.Front, &c.Back, &tags, &status, &noteID); err != nil {
		return Card{}, err
	}
	c.Status = CardStatus(status)
	if noteID.Valid {
		id := noteID.Int64
		c.NoteID = &id
	}
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return Card{}, fmt.Errorf("decoding tags of card %s: %w", c.ID, err)
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c, nil
}

// NormalizeTags trims tags, drops empties and removes duplicates, keeping the
// first occurrence of each.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func validateCard(op string, c Card) error {
	if strings.TrimSpace(c.ID) == "" {
		return failure.Validation(op, "card id is required")
	}
	if strings.TrimSpace(c.Front) == "" || strings.TrimSpace(c.Back) == "" {
		return failure.Validation(op, fmt.Sprintf("card %s needs both front and back", c.ID))
	}
	if !c.Status.Valid() {
		return failure.Validation(op, fmt.Sprintf("card %s has unknown status %q", c.ID, c.Status))
	}
	if c.Status == CardAdded && c.NoteID == nil {
		return failure.Validation(op, fmt.Sprintf("card %s is added without a note id", c.ID))
	}
	return nil
}

// SaveCards upserts cards for entryID in one transaction. Missing statuses
// default to pending. A card that is already added cannot be overwritten.
func (s *Store) SaveCards(ctx context.Context, entryID string, cards []Card) error {
	return s.saveCards(ctx, entryID, cards, false)
}

// ReplaceCards drops the entry's cards that are not added and saves cards in
// their place, atomically.
func (s *Store) ReplaceCards(ctx context.Context, entryID string, cards []Card) error {
	return s.saveCards(ctx, entryID, cards, true)
}

func (s *Store) saveCards(ctx context.Context, entryID string, cards []Card, replace bool) error {
	const op = "save cards"
	prepared := make([]Card, 0, len(cards))
	for _, c := range cards {
		if c.EntryID != "" && c.EntryID != entryID {
			return failure.Validation(op, fmt.Sprintf("card %s belongs to entry %s", c.ID, c.EntryID))
		}
		c.EntryID = entryID
		if c.Status == "" {
			c.Status = CardPending
		}
		if c.Status != CardAdded {
			c.NoteID = nil
		}
		c.Tags = NormalizeTags(c.Tags)
		if err := validateCard(op, c); err != nil {
			return err
		}
		prepared = append(prepared, c)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getEntry(ctx, tx, entryID); err != nil {
			return err
		}
		if replace {
			if _, err := tx.ExecContext(ctx, `DELETE FROM generated_cards WHERE entry_id = ? AND status != 'added'`, entryID); err != nil {
				return fmt.Errorf("clearing cards of %s: %w", entryID, err)
			}
		}
		for _, c := range prepared {
			existing, err := scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM generated_cards WHERE id = ?`, c.ID))
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("reading card %s: %w", c.ID, err)
			case existing.EntryID != entryID:
				return failure.Validation(op, fmt.Sprintf("card id %s already used by entry %s", c.ID, existing.EntryID))
			case existing.Status == CardAdded:
				return failure.Validation(op, fmt.Sprintf("card %s is already added", c.ID))
			}

			tags, err := json.Marshal(c.Tags)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO generated_cards (`+cardColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					front = excluded.front,
					back = excluded.back,
					tags = excluded.tags,
					status = excluded.status,
					note_id = excluded.note_id`,
				c.ID, c.EntryID, c.Front, c.Back, string(tags), string(c.Status), nullNoteID(c.NoteID),
			); err != nil {
				return fmt.Errorf("saving card %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func nullNoteID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func (s *Store) GetCard(ctx context.Context, id string) (Card, error) {
	c, err := scanCard(s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM generated_cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, failure.NotFound("get card", id)
	}
	if err != nil {
		return Card{}, fmt.Errorf("getting card %s: %w", id, err)
	}
	return c, nil
}

// ListCards returns the entry's cards in insertion order.
func (s *Store) ListCards(ctx context.Context, entryID string) ([]Card, error) {
	return listCards(ctx, s.db, entryID)
}

func listCards(ctx context.Context, q querier, entryID string) ([]Card, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+cardColumns+` FROM generated_cards WHERE entry_id = ? ORDER BY rowid ASC`, entryID)
	if err != nil {
		return nil, fmt.Errorf("listing cards of %s: %w", entryID, err)
	}
	defer rows.Close()

	cards := []Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// UpdateCardStatus moves a card to status. CardAdded requires noteID; any
// other status clears the note id. Added cards cannot change status.
func (s *Store) UpdateCardStatus(ctx context.Context, cardID string, status CardStatus, noteID *int64) error {
	const op = "update card status"
	if !status.Valid() {
		return failure.Validation(op, fmt.Sprintf("unknown status %q", status))
	}
	if status == CardAdded && noteID == nil {
		return failure.Validation(op, "added requires a note id")
	}
	if status != CardAdded {
		noteID = nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureCardMutable(ctx, tx, op, cardID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE generated_cards SET status = ?, note_id = ? WHERE id = ?`, string(status), nullNoteID(noteID), cardID)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, cardID, err)
		}
		return nil
	})
}

// UpdateCardContent rewrites front and back of a card that is not yet added.
func (s *Store) UpdateCardContent(ctx context.Context, cardID, front, back string) error {
	const op = "update card content"
	if strings.TrimSpace(front) == "" || strings.TrimSpace(back) == "" {
		return failure.Validation(op, "front and back are required")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureCardMutable(ctx, tx, op, cardID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE generated_cards SET front = ?, back = ? WHERE id = ?`, front, back, cardID)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op, cardID, err)
		}
		return nil
	})
}

func ensureCardMutable(ctx context.Context, tx *sql.Tx, op, cardID string) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM generated_cards WHERE id = ?`, cardID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return failure.NotFound(op, cardID)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, cardID, err)
	}
	if CardStatus(status) == CardAdded {
		return failure.Validation(op, fmt.Sprintf("card %s is already added", cardID))
	}
	return nil
}
