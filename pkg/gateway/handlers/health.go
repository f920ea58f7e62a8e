package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/sessions"
)

type HealthHandler struct {
	Now func() time.Time
}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": protocol.FormatTimestamp(now()),
	})
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		DrainingSince  string   `json:"draining_since,omitempty"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.OpenAIAPIKey == "" {
		issues = append(issues, "openai api key is not configured")
	}
	if h.Config.RealtimeURL == "" {
		issues = append(issues, "realtime url is not configured")
	}
	if h.Config.UpstreamHandshakeTimeout <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}
	if h.Sessions == nil {
		issues = append(issues, "session registry is not configured")
	}

	resp := readyResp{Draining: h.Lifecycle.IsDraining(), Issues: issues}
	if resp.Draining {
		resp.DrainingSince = protocol.FormatTimestamp(h.Lifecycle.DrainingSince())
	}
	if h.Sessions != nil {
		resp.ActiveSessions = h.Sessions.Count()
	}

	status := http.StatusOK
	switch {
	case resp.Draining:
		status = http.StatusServiceUnavailable
	case len(issues) > 0:
		status = http.StatusInternalServerError
	default:
		resp.OK = true
	}
	writeJSON(w, status, resp)
}
