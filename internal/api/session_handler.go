package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/session"
	"github.com/mikeyg42/tileabr/internal/storage"
)

type sessionKey struct{}

// SessionHandler serves the running sessions under /api/sessions.
type SessionHandler struct {
	sessions *session.Manager
	limiter  *RateLimiter
	logger   *zap.Logger
}

// NewSessionHandler creates a session handler. POST routes go through limiter.
func NewSessionHandler(sessions *session.Manager, limiter *RateLimiter, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, limiter: limiter, logger: logger}
}

// Routes mounts the handler on r.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Route("/{id}", func(r chi.Router) {
		r.Use(h.sessionCtx)
		r.Get("/", h.handleGet)
		r.Delete("/", h.handleClose)
		r.Get("/qrea", h.handleQREA)
		r.Get("/qrea.csv", h.download(storage.QREAFile, (*session.Session).WriteQREA))
		r.Get("/trace.csv", h.download(storage.TraceFile, (*session.Session).WriteTrace))
		r.Get("/quality_log.json", h.download(storage.QualityLogFile, (*session.Session).WriteQualityLog))

		r.Group(func(r chi.Router) {
			r.Use(h.limiter.Middleware)
			r.Post("/play", h.handlePlay)
			r.Post("/export", h.handleExport)
		})
	})
}

func (h *SessionHandler) sessionCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
	})
}

func sessionFrom(r *http.Request) *session.Session {
	return r.Context().Value(sessionKey{}).(*session.Session)
}

func (h *SessionHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

func (h *SessionHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r).Info())
}

func (h *SessionHandler) handleQREA(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r).Scorer().Log().Samples())
}

// download renders an export file into memory first so a failure can still
// change the status code.
func (h *SessionHandler) download(name string, write func(*session.Session, io.Writer) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := sessionFrom(r)
		var buf bytes.Buffer
		if err := write(s, &buf); err != nil {
			if errors.Is(err, session.ErrNotRecording) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			h.logger.Error("Failed to render export", zap.String("session", s.ID()), zap.String("file", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to render "+name)
			return
		}
		w.Header().Set("Content-Type", storage.ContentType(name))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.Write(buf.Bytes())
	}
}

func (h *SessionHandler) handlePlay(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	if s.Closed() {
		writeError(w, http.StatusConflict, session.ErrClosed.Error())
		return
	}
	s.Play()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "play requested"})
}

type exportResponse struct {
	Files map[string]string `json:"files"`
	Error string            `json:"error,omitempty"`
}

func (h *SessionHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	files, err := s.Export(r.Context())
	if err != nil {
		h.logger.Warn("Export failed", zap.String("session", s.ID()), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, exportResponse{Files: files, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, exportResponse{Files: files})
}

func (h *SessionHandler) handleClose(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	if err := h.sessions.Close(r.Context(), s.ID()); err != nil && !errors.Is(err, session.ErrNotFound) {
		h.logger.Warn("Session closed with errors", zap.String("session", s.ID()), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}
