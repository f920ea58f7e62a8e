package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/upstream"
)

const EventCallIncoming = "realtime.call.incoming"

type sipEvent struct {
	Type string `json:"type"`
	Data struct {
		CallID string `json:"call_id"`
	} `json:"data"`
}

type sipResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
}

// SIPWebhookHandler accepts incoming phone calls by attaching a telephony
// session to the call id.
type SIPWebhookHandler struct {
	Sessions     *sessions.Registry
	Connector    upstream.Connector
	Lifecycle    *lifecycle.Lifecycle
	Logger       *slog.Logger
	MaxBodyBytes int64
}

func (h SIPWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var ev sipEvent
	if err := decodeJSONBody(w, r, h.MaxBodyBytes, &ev); err != nil {
		writeAPIError(w, r, err)
		return
	}
	if strings.TrimSpace(ev.Type) != EventCallIncoming {
		writeJSON(w, http.StatusOK, sipResponse{Status: "processed"})
		return
	}

	callID := strings.TrimSpace(ev.Data.CallID)
	if callID == "" {
		writeErrorJSON(w, r, http.StatusBadRequest, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "data.call_id is required", Param: "data.call_id"})
		return
	}
	if h.Lifecycle.IsDraining() {
		writeErrorJSON(w, r, http.StatusServiceUnavailable, &apierror.Error{Type: apierror.ErrUnavailable, Message: "relay is draining", Code: "draining"})
		return
	}

	s, err := h.Sessions.Create(sessions.Options{CallID: callID})
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", s.ID(), "call_id", callID)

	// The webhook reply must not wait for the upstream handshake.
	go func() {
		defer s.Close()
		if err := s.Start(context.Background(), h.Connector); err != nil {
			logger.Warn("telephony session setup failed", "error", err)
			return
		}
		_ = s.Run()
	}()

	logger.Info("incoming call accepted")
	writeJSON(w, http.StatusOK, sipResponse{Status: "accepted", SessionID: s.ID(), CallID: callID})
}
