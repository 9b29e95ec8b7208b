package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/session"
	"github.com/mikeyg42/tileabr/internal/viewer"
)

const closeTimeout = 30 * time.Second

func parseOverrides(q url.Values) (session.Overrides, error) {
	o := session.Overrides{
		Mode:   q.Get("mode"),
		Policy: q.Get("policy"),
	}
	if v := q.Get("tiles"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, fmt.Errorf("tiles: %w", err)
		}
		o.Tiles = n
	}
	return o, nil
}

// handleViewer upgrades to a websocket and runs one session for the lifetime
// of the connection: /ws/viewer?tiles=8&mode=adaptive&policy=per_tile.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	o, err := parseOverrides(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := s.sessions.Config(o)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	s.metrics.Viewers.Inc()
	defer s.metrics.Viewers.Dec()

	id := uuid.NewString()
	peer := viewer.NewPeer(id, viewer.Options{
		Tiles:    cfg.Session.TileCount,
		Adaptive: cfg.Session.Mode == session.ModeAdaptive,
	}, s.clock, s.logger)

	peer.Notify(viewer.MethodSession, viewer.SessionParams{
		ID:    id,
		Tiles: cfg.Session.TileCount,
		Mode:  cfg.Session.Mode,
	})

	sess, err := s.sessions.Open(id, cfg, peer)
	if err != nil {
		s.logger.Error("Failed to open session", zap.String("session", id), zap.Error(err))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	peer.SetListener(sess)

	if err := peer.Serve(r.Context(), ws); err != nil {
		s.logger.Debug("Viewer connection ended", zap.String("session", id), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), closeTimeout)
	defer cancel()
	if err := s.sessions.Close(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.logger.Warn("Session closed with errors", zap.String("session", id), zap.Error(err))
	}
}
