package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/flashbox/internal/inbox"
	"github.com/kalambet/flashbox/internal/metrics"
	"github.com/kalambet/flashbox/internal/settings"
	"github.com/kalambet/flashbox/internal/storage"
)

const (
	maxJSONBodySize = 10 << 20  // 10MB
	maxPDFBodySize  = 100 << 20 // 100MB
)

// SaveEntryRequest upserts an entry. Missing id, preview and created_at are
// filled in by the server.
type SaveEntryRequest struct {
	ID            string    `json:"id"`
	ContentType   string    `json:"content_type" validate:"required,oneof=text url pdf"`
	Content       string    `json:"content" validate:"required"`
	Preview       string    `json:"preview"`
	Title         string    `json:"title"`
	ExtractedText string    `json:"extracted_text"`
	DeckName      string    `json:"deck_name"`
	IsLocked      bool      `json:"is_locked"`
	CreatedAt     time.Time `json:"created_at"`
}

type CaptureRequest struct {
	Content string `json:"content" validate:"required"`
}

type SaveCardsRequest struct {
	Cards   []inbox.CardDraft `json:"cards" validate:"required,min=1,dive"`
	Lock    bool              `json:"lock"`
	Replace bool              `json:"replace"`
}

type UpdateCardStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending added error"`
	NoteID *int64 `json:"note_id"`
}

type UpdateCardContentRequest struct {
	Front string `json:"front" validate:"required"`
	Back  string `json:"back" validate:"required"`
}

type UpdateExtractedContentRequest struct {
	Title         string `json:"title"`
	ExtractedText string `json:"extracted_text" validate:"required"`
}

// UpdateDeckNameRequest sets the entry's deck; an empty name clears it.
type UpdateDeckNameRequest struct {
	DeckName string `json:"deck_name"`
}

// SetSettingRequest sets a setting; an empty value restores the default.
type SetSettingRequest struct {
	Value string `json:"value"`
}

type AppDeps struct {
	Store    *storage.Store
	Inbox    *inbox.Service
	Settings *settings.Manager
	Metrics  *metrics.Collector // optional; /metrics is only mounted when set
	Token    string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(instrument(deps.Metrics))
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/entries", handleListEntries(deps))
		r.Post("/entries", handleSaveEntry(deps))
		r.Get("/entries/{id}", handleGetEntry(deps))
		r.Delete("/entries/{id}", handleDeleteEntry(deps))
		r.Post("/entries/{id}/cards", handleSaveCards(deps))
		r.Post("/entries/{id}/auto-remove", handleAutoRemove(deps))
		r.Post("/entries/{id}/lock", handleLockEntry(deps))
		r.Patch("/entries/{id}/extracted", handleUpdateExtracted(deps))
		r.Patch("/entries/{id}/deck", handleUpdateDeck(deps))
		r.Post("/entries/{id}/clip", handleClip(deps))
		r.Post("/entries/{id}/sync", handleSyncEntry(deps))

		r.Post("/capture", handleCapture(deps))
		r.Post("/capture/pdf", handleCapturePDF(deps))

		r.Patch("/cards/{id}/status", handleUpdateCardStatus(deps))
		r.Patch("/cards/{id}/content", handleUpdateCardContent(deps))
		r.Post("/cards/{id}/sync", handleSyncCard(deps))

		r.Get("/anki/status", handleAnkiStatus(deps))
		r.Post("/anki/permission", handleAnkiPermission(deps))

		r.Get("/settings", handleGetSettings(deps))
		r.Put("/settings/{key}", handleSetSetting(deps))
	})

	return r
}

// instrument records request counts and latency by route pattern.
func instrument(m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}

func handleListEntries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.ListEntries(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if entries == nil {
			entries = []storage.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleGetEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ewc, err := deps.Store.GetEntryWithCards(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if ewc.Cards == nil {
			ewc.Cards = []storage.Card{}
		}
		writeJSON(w, http.StatusOK, ewc)
	}
}

func handleSaveEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SaveEntryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		e, err := deps.Inbox.SaveEntry(r.Context(), storage.Entry{
			ID:            req.ID,
			ContentType:   storage.ContentType(req.ContentType),
			Content:       req.Content,
			Preview:       req.Preview,
			Title:         req.Title,
			ExtractedText: req.ExtractedText,
			DeckName:      req.DeckName,
			IsLocked:      req.IsLocked,
			CreatedAt:     req.CreatedAt,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": e.ID})
	}
}

func handleDeleteEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Inbox.DeleteEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CaptureRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		e, err := deps.Inbox.CaptureText(r.Context(), req.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

// handleCapturePDF streams the "file" part of a multipart upload straight
// into the spool. A "filename" field sent before the file overrides the
// part's own file name.
func handleCapturePDF(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPDFBodySize)
		defer r.Body.Close()

		mr, err := r.MultipartReader()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "expected multipart/form-data: %v", err)
			return
		}

		var filename string
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
				return
			}
			switch part.FormName() {
			case "filename":
				b, _ := io.ReadAll(io.LimitReader(part, 1024))
				filename = string(b)
			case "file":
				capturePart(w, r, deps, part, filename)
				return
			}
			part.Close()
		}
		httpError(w, http.StatusBadRequest, "invalid_request_error", "file is required")
	}
}

func capturePart(w http.ResponseWriter, r *http.Request, deps AppDeps, part *multipart.Part, filename string) {
	defer part.Close()
	if filename == "" {
		filename = part.FileName()
	}
	e, err := deps.Inbox.CapturePDF(r.Context(), part, filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func handleSaveCards(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SaveCardsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		cards, err := deps.Inbox.SaveCards(r.Context(), chi.URLParam(r, "id"), req.Cards, inbox.SaveOptions{
			Lock:    req.Lock,
			Replace: req.Replace,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"saved": len(req.Cards), "cards": cards})
	}
}

func handleAutoRemove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Inbox.CheckAutoRemove(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
	}
}

func handleLockEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.LockEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "locked"})
	}
}

func handleUpdateExtracted(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateExtractedContentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := deps.Store.UpdateExtractedContent(r.Context(), chi.URLParam(r, "id"), req.Title, req.ExtractedText); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleUpdateDeck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateDeckNameRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := deps.Store.UpdateDeckName(r.Context(), chi.URLParam(r, "id"), req.DeckName); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleClip(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Inbox.Clip(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleSyncEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Inbox.SyncEntry(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleUpdateCardStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateCardStatusRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		err := deps.Store.UpdateCardStatus(r.Context(), chi.URLParam(r, "id"), storage.CardStatus(req.Status), req.NoteID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
	}
}

func handleUpdateCardContent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateCardContentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := deps.Store.UpdateCardContent(r.Context(), chi.URLParam(r, "id"), req.Front, req.Back); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleSyncCard(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, removed, err := deps.Inbox.SyncCard(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"note_id": res.NoteID, "removed": removed})
	}
}

func handleAnkiStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Inbox.Status(r.Context()))
	}
}

func handleAnkiPermission(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		granted, err := deps.Inbox.RequestPermission(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
	}
}

func handleGetSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Get(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleSetSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SetSettingRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := deps.Settings.Set(r.Context(), chi.URLParam(r, "key"), req.Value); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}
