package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"
	"github.com/vango-go/vai-relay/pkg/gateway/analysis"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/tokens"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrAPI            ErrorType = "api_error"
	ErrProvider       ErrorType = "provider_error"
	ErrUnavailable    ErrorType = "unavailable_error"
)

type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Param     string    `json:"param,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	// Status overrides the status derived from Type when non-zero.
	Status int `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		status := apiErr.Status
		if status == 0 {
			status = statusFromType(apiErr.Type)
		}
		return &out, status
	}

	if errors.Is(err, sessions.ErrNotFound) {
		return &Error{
			Type:      ErrNotFound,
			Message:   "Session not found",
			RequestID: requestID,
		}, http.StatusNotFound
	}
	if errors.Is(err, sessions.ErrConflict) {
		return &Error{
			Type:      ErrConflict,
			Message:   "session already exists",
			RequestID: requestID,
		}, http.StatusConflict
	}

	// Provider errors keep the upstream status so callers see what OpenAI said.
	var tokenErr *tokens.StatusError
	if errors.As(err, &tokenErr) && tokenErr != nil {
		return &Error{
			Type:      ErrProvider,
			Message:   tokenErr.Message,
			RequestID: requestID,
		}, upstreamStatus(tokenErr.StatusCode)
	}

	var openaiErr *openai.APIError
	if errors.As(err, &openaiErr) && openaiErr != nil {
		out := &Error{
			Type:      ErrProvider,
			Message:   "Analysis failed",
			RequestID: requestID,
		}
		if code, ok := openaiErr.Code.(string); ok {
			out.Code = code
		}
		if openaiErr.Param != nil {
			out.Param = *openaiErr.Param
		}
		return out, upstreamStatus(openaiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr != nil {
		return &Error{
			Type:      ErrProvider,
			Message:   "Analysis failed",
			RequestID: requestID,
		}, upstreamStatus(reqErr.HTTPStatusCode)
	}

	if errors.Is(err, analysis.ErrMalformedFeedback) {
		return &Error{
			Type:      ErrProvider,
			Message:   "Analysis failed",
			Code:      "malformed_feedback",
			RequestID: requestID,
		}, http.StatusBadGateway
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// Write renders err as a JSON error envelope.
func Write(w http.ResponseWriter, err error, requestID string) {
	apiErr, status := FromError(err, requestID)
	WriteJSON(w, status, apiErr)
}

func WriteJSON(w http.ResponseWriter, status int, err *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}

func upstreamStatus(status int) int {
	if status < 400 {
		return http.StatusBadGateway
	}
	return status
}

func statusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrProvider, ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
