package handlers

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/realtime/session"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/sessions"
)

type TranscriptHandler struct {
	Sessions *sessions.Registry
}

type transcriptResponse struct {
	SessionID  string          `json:"session_id"`
	CallID     string          `json:"call_id,omitempty"`
	State      string          `json:"state"`
	Active     bool            `json:"active"`
	Transcript []session.Entry `json:"transcript"`
}

func (h TranscriptHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	s, err := h.Sessions.Lookup(strings.TrimSpace(r.PathValue("session_id")))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID:  s.ID(),
		CallID:     s.CallID(),
		State:      s.State().String(),
		Active:     s.IsActive(),
		Transcript: s.Transcript(),
	})
}
