package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/realtime/tokens"
)

type TokenMinter interface {
	Mint(ctx context.Context, req tokens.Request) (tokens.Token, error)
}

// TokenHandler mints ephemeral credentials for clients that connect to the
// realtime API directly over WebRTC.
type TokenHandler struct {
	Minter       TokenMinter
	Logger       *slog.Logger
	MaxBodyBytes int64
}

func (h TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokens.Request
	if err := decodeJSONBody(w, r, h.MaxBodyBytes, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}

	tok, err := h.Minter.Mint(r.Context(), req)
	if err != nil {
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("error generating ephemeral token", "request_id", requestIDFromRequest(r), "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
