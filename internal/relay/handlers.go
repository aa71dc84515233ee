package relay

import (
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/keyrelay/internal/protocol"
)

//go:embed static/gift-tester.html
var staticFS embed.FS

const (
	overlayRefreshSeconds = 1
	recentTriggersLimit   = 50
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}

// handleGift turns an external trigger into a broadcast press.
func (s *Server) handleGift(w http.ResponseWriter, r *http.Request) {
	sent, err := s.ingress.Submit(r.Context(), Trigger{
		Token:      r.FormValue("token"),
		Key:        r.FormValue("key"),
		Duration:   r.FormValue("duration_ms"),
		RemoteAddr: r.RemoteAddr,
	})

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"sent_to": sent,
		})
	case errors.Is(err, ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Invalid token"})
	case errors.Is(err, protocol.ErrEmptyKey):
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Key is empty"})
	case errors.Is(err, protocol.ErrKeyLength):
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "Key must be 1 char"})
	case errors.Is(err, protocol.ErrInvalidCommand):
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
	default:
		s.log.Error().Err(err).Msg("trigger failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": "Internal Server Error"})
	}
}

// handleWebSocket accepts agent connections. A bad token still completes the
// upgrade so the agent sees a policy-violation close instead of an HTTP error.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ok := s.auth.Authenticate(TokenFromRequest(r))

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if !ok {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("agent rejected: invalid token")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	agent := r.Header.Get(protocol.AgentHeader)
	if agent == "" {
		agent = r.URL.Query().Get("agent")
	}
	s.hub.Attach(conn, agent)
}

// handleOverlay renders the OBS counter overlay.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := Overlay(s.counter.Get(), overlayRefreshSeconds).Render(r.Context(), w); err != nil {
		s.log.Debug().Err(err).Msg("overlay render failed")
	}
}

func parseValue(r *http.Request) (int64, bool) {
	v, err := strconv.ParseInt(r.URL.Query().Get("value"), 10, 64)
	return v, err == nil
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	delta, ok := parseValue(r)
	if !ok {
		writeText(w, http.StatusBadRequest, "value must be an integer")
		return
	}
	writeText(w, http.StatusOK, strconv.FormatInt(s.counter.Add(r.Context(), delta), 10))
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	v, ok := parseValue(r)
	if !ok {
		writeText(w, http.StatusBadRequest, "value must be an integer")
		return
	}
	writeText(w, http.StatusOK, strconv.FormatInt(s.counter.Set(r.Context(), v), 10))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, strconv.FormatInt(s.counter.Reset(r.Context()), 10))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, strconv.FormatInt(s.counter.Get(), 10))
}

func (s *Server) handleTester(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/gift-tester.html")
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.Registry().Len(),
		"version":     VersionInfo(),
	})
}

type connectionInfo struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// handleConnections lists live agent connections.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.hub.Registry().Snapshot()
	out := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionInfo{
			ID:          c.ID,
			Agent:       c.Agent,
			RemoteAddr:  c.RemoteAddr,
			ConnectedAt: c.ConnectedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

// handleTriggers returns the most recent accepted triggers.
func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	triggers := []TriggerRecord{}
	if s.store != nil {
		recent, err := s.store.RecentTriggers(r.Context(), recentTriggersLimit)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to fetch triggers")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if recent != nil {
			triggers = recent
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}
