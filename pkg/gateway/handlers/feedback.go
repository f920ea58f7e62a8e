package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/analysis"
	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/sessions"
)

type FeedbackAnalyzer interface {
	Analyze(ctx context.Context, req analysis.Request, transcript string) (analysis.Feedback, error)
}

// FeedbackHandler scores the transcript of a live session.
type FeedbackHandler struct {
	Sessions     *sessions.Registry
	Analyzer     FeedbackAnalyzer
	Logger       *slog.Logger
	MaxBodyBytes int64
}

func (h FeedbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req analysis.Request
	if err := decodeJSONBody(w, r, h.MaxBodyBytes, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeErrorJSON(w, r, http.StatusBadRequest, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "session_id is required", Param: "session_id"})
		return
	}

	s, err := h.Sessions.Lookup(req.SessionID)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	feedback, err := h.Analyzer.Analyze(r.Context(), req, s.FormatTranscript())
	if err != nil {
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("error analyzing feedback", "request_id", requestIDFromRequest(r), "session_id", req.SessionID, "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedback)
}
