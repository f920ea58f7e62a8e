package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/upstream"
)

// RealtimeHandler handles /ws/realtime/{session_id} relay sessions.
type RealtimeHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Registry
	Connector upstream.Connector
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, r, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "relay is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, r, http.StatusForbidden, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		writeErrorJSON(w, r, http.StatusBadRequest, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "session_id is required", Param: "session_id"})
		return
	}
	if h.Sessions == nil || h.Connector == nil {
		writeErrorJSON(w, r, http.StatusInternalServerError, &apierror.Error{Type: apierror.ErrAPI, Message: "relay is not configured"})
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", requestIDFromRequest(r), "session_id", sessionID)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	s, err := h.Sessions.Create(sessions.Options{SessionID: sessionID, Client: conn})
	if err != nil {
		message := "failed to create session"
		if errors.Is(err, sessions.ErrConflict) {
			message = "session already exists"
		}
		logger.Warn("session rejected", "error", err)
		h.writeWSError(conn, message, websocket.ClosePolicyViolation)
		return
	}
	defer s.Close()

	logger.Info("client connected")
	if err := s.Start(r.Context(), h.Connector); err != nil {
		// Start already sent the error frame and tore the session down.
		return
	}
	_ = s.Run()
	logger.Info("relay finished", "transcript_entries", len(s.Transcript()))
}

func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h RealtimeHandler) writeWSError(conn *websocket.Conn, message string, closeCode int) {
	timeout := h.Config.WSWriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	payload, err := json.Marshal(protocol.NewServerError(message))
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), time.Now().Add(timeout))
}
