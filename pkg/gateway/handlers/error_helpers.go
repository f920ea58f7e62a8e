package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
)

const defaultMaxBodyBytes = 1 << 20

func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	apierror.Write(w, err, requestIDFromRequest(r))
}

func writeErrorJSON(w http.ResponseWriter, r *http.Request, status int, apiErr *apierror.Error) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = requestIDFromRequest(r)
	}
	apierror.WriteJSON(w, status, apiErr)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeErrorJSON(w, r, http.StatusMethodNotAllowed, &apierror.Error{
		Type:    apierror.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSONBody decodes a bounded JSON request body into dst. An empty body
// leaves dst untouched.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	err := json.NewDecoder(body).Decode(dst)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &apierror.Error{
				Type:    apierror.ErrInvalidRequest,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxBytes),
				Code:    "body_too_large",
				Status:  http.StatusRequestEntityTooLarge,
			}
		}
		return &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "invalid JSON body",
		}
	}
}

func requestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id, ok := mw.RequestIDFrom(r.Context()); ok {
		return id
	}
	return ""
}
