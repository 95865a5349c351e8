package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/flashbox/internal/anki"
	"github.com/kalambet/flashbox/internal/failure"
	"github.com/kalambet/flashbox/internal/storage"
)

// AnkiStatus describes whether cards can be synced right now.
type AnkiStatus struct {
	Available  bool            `json:"available"`
	Permission anki.Permission `json:"permission"`
}

// Status probes Anki.
func (s *Service) Status(ctx context.Context) AnkiStatus {
	ctx, cancel := context.WithTimeout(ctx, s.ankiTimeout)
	defer cancel()
	if !s.bridge.IsAvailable(ctx) {
		return AnkiStatus{Available: false, Permission: anki.PermissionUnknown}
	}
	return AnkiStatus{Available: true, Permission: s.bridge.Permission(ctx)}
}

// RequestPermission asks Anki for access on behalf of the user.
func (s *Service) RequestPermission(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ankiTimeout)
	defer cancel()
	return s.bridge.RequestPermission(ctx)
}

// ensureReady checks availability and permission, asking for permission
// once when it is not yet granted.
func (s *Service) ensureReady(ctx context.Context) error {
	const op = "anki sync"
	if !s.bridge.IsAvailable(ctx) {
		return failure.External(op, errors.New("anki is not reachable; is Anki running with AnkiConnect installed?"))
	}
	if s.bridge.HasPermission(ctx) {
		return nil
	}
	granted, err := s.bridge.RequestPermission(ctx)
	if err != nil {
		return err
	}
	if !granted {
		return failure.External(op, errors.New("permission to add notes was denied"))
	}
	return nil
}

// target resolves the deck and note type used for the entry's cards.
func (s *Service) target(ctx context.Context, e storage.Entry) (deck, model string, err error) {
	if deck, err = s.settings.DeckFor(ctx, e.DeckName); err != nil {
		return "", "", err
	}
	if model, err = s.settings.ModelName(ctx); err != nil {
		return "", "", err
	}
	return deck, model, nil
}

// addCard pushes one card to Anki and records the note id. Pushes of the
// same card are serialized and the card is re-read under its lock, so a card
// another sync already added is returned as is instead of being sent twice.
// A failure leaves the card untouched so it can be retried.
func (s *Service) addCard(ctx context.Context, cardID, deck, model string) (int64, error) {
	release, err := s.syncing.acquire(ctx, cardID)
	if err != nil {
		return 0, failure.External("anki sync", err)
	}
	defer release()

	c, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return 0, err
	}
	if c.Status == storage.CardAdded && c.NoteID != nil {
		return *c.NoteID, nil
	}

	noteID, err := s.bridge.AddCard(ctx, deck, model, c.Front, c.Back, c.Tags)
	s.metrics.CardSynced(err == nil)
	if err != nil {
		s.logger.Warn("card sync failed", "card_id", c.ID, "entry_id", c.EntryID, "error", err)
		return 0, err
	}
	if err := s.store.UpdateCardStatus(context.WithoutCancel(ctx), c.ID, storage.CardAdded, &noteID); err != nil {
		s.logger.Error("note added to anki but card status not saved", "card_id", c.ID, "note_id", noteID, "error", err)
		return 0, fmt.Errorf("recording note %d for card %s: %w", noteID, c.ID, err)
	}
	return noteID, nil
}

// CardSyncResult is the outcome of syncing one card.
type CardSyncResult struct {
	CardID string `json:"card_id"`
	NoteID int64  `json:"note_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SyncCard adds one card to Anki, then removes its entry when that was the
// last card outstanding. Already added cards are reported as they are.
func (s *Service) SyncCard(ctx context.Context, cardID string) (CardSyncResult, bool, error) {
	c, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return CardSyncResult{}, false, err
	}
	if c.Status == storage.CardAdded {
		removed, err := s.CheckAutoRemove(ctx, c.EntryID)
		return CardSyncResult{CardID: c.ID, NoteID: *c.NoteID}, removed, err
	}
	e, err := s.store.GetEntry(ctx, c.EntryID)
	if err != nil {
		return CardSyncResult{}, false, err
	}
	deck, model, err := s.target(ctx, e)
	if err != nil {
		return CardSyncResult{}, false, err
	}

	actx, cancel := context.WithTimeout(ctx, s.ankiTimeout)
	defer cancel()
	if err := s.ensureReady(actx); err != nil {
		return CardSyncResult{}, false, err
	}
	noteID, err := s.addCard(actx, c.ID, deck, model)
	if err != nil {
		return CardSyncResult{}, false, err
	}

	removed, err := s.CheckAutoRemove(ctx, c.EntryID)
	if err != nil {
		return CardSyncResult{CardID: c.ID, NoteID: noteID}, false, err
	}
	return CardSyncResult{CardID: c.ID, NoteID: noteID}, removed, nil
}

// SyncReport summarizes SyncEntry.
type SyncReport struct {
	EntryID string           `json:"entry_id"`
	Added   int              `json:"added"`
	Failed  int              `json:"failed"`
	Skipped int              `json:"skipped"`
	Removed bool             `json:"removed"`
	Cards   []CardSyncResult `json:"cards"`
}

// SyncEntry adds every card of the entry that is not in Anki yet. Cards are
// synced in parallel; one card failing does not stop the others.
func (s *Service) SyncEntry(ctx context.Context, entryID string) (SyncReport, error) {
	ewc, err := s.store.GetEntryWithCards(ctx, entryID)
	if err != nil {
		return SyncReport{}, err
	}
	report := SyncReport{EntryID: entryID, Cards: []CardSyncResult{}}

	var todo []storage.Card
	for _, c := range ewc.Cards {
		if c.Status == storage.CardAdded {
			report.Skipped++
			continue
		}
		todo = append(todo, c)
	}

	if len(todo) > 0 {
		deck, model, err := s.target(ctx, ewc.Entry)
		if err != nil {
			return SyncReport{}, err
		}
		rctx, cancel := context.WithTimeout(ctx, s.ankiTimeout)
		err = s.ensureReady(rctx)
		cancel()
		if err != nil {
			return SyncReport{}, err
		}

		results := make([]CardSyncResult, len(todo))
		var mu sync.Mutex
		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for i, c := range todo {
			g.Go(func() error {
				actx, cancel := context.WithTimeout(ctx, s.ankiTimeout)
				defer cancel()
				res := CardSyncResult{CardID: c.ID}
				noteID, err := s.addCard(actx, c.ID, deck, model)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					res.Error = err.Error()
					report.Failed++
				} else {
					res.NoteID = noteID
					report.Added++
				}
				results[i] = res
				return nil
			})
		}
		g.Wait()
		report.Cards = results
	}

	removed, err := s.CheckAutoRemove(ctx, entryID)
	if err != nil {
		return report, err
	}
	report.Removed = removed
	return report, nil
}
