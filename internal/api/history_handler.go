package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/qrea"
	"github.com/mikeyg42/tileabr/internal/storage"
)

// History is the read side of the metadata store.
type History interface {
	ListSessions(ctx context.Context, limit int) ([]storage.Session, error)
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	GetSamples(ctx context.Context, sessionID string) ([]qrea.Sample, error)
	GetSwitches(ctx context.Context, sessionID string) ([]storage.SwitchRecord, error)
}

var _ History = (*storage.MetadataStore)(nil)

// HistoryHandler serves persisted sessions, including ended ones.
type HistoryHandler struct {
	store  History
	logger *zap.Logger
}

func NewHistoryHandler(store History, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, logger: logger}
}

func (h *HistoryHandler) Routes(r chi.Router) {
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/{id}", h.handleGet)
}

type historySession struct {
	storage.Session
	EndedAt  *int64                 `json:"endedAt,omitempty"`
	Samples  []qrea.Sample          `json:"samples,omitempty"`
	Switches []storage.SwitchRecord `json:"switches,omitempty"`
}

func toHistory(s storage.Session) historySession {
	out := historySession{Session: s}
	if s.EndedAt.Valid {
		ended := s.EndedAt.Int64
		out.EndedAt = &ended
	}
	return out
}

func (h *HistoryHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]historySession, len(sessions))
	for i, s := range sessions {
		out[i] = toHistory(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HistoryHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.store.GetSession(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session", zap.String("session", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	out := toHistory(*sess)
	if out.Samples, err = h.store.GetSamples(r.Context(), id); err != nil {
		h.logger.Error("Failed to load samples", zap.String("session", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load samples")
		return
	}
	if out.Switches, err = h.store.GetSwitches(r.Context(), id); err != nil {
		h.logger.Error("Failed to load switches", zap.String("session", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load switches")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
