package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	DefaultAPIBase = "https://api.openai.com/v1"
	DefaultModel   = "gpt-realtime"

	maxErrorBody = 4 << 10
)

// StatusError is a non-200 reply from the client_secrets endpoint.
type StatusError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client_secrets returned %d: %s", e.StatusCode, e.Message)
}

type Request struct {
	SessionConfig   map[string]any `json:"session_config,omitempty"`
	ScenarioID      string         `json:"scenario_id,omitempty"`
	CulturalContext string         `json:"cultural_context,omitempty"`
}

type Token struct {
	Value         string         `json:"value"`
	ExpiresAt     int64          `json:"expires_at"`
	SessionConfig map[string]any `json:"session_config"`
}

// Minter obtains ephemeral client credentials for the direct-WebRTC path.
type Minter struct {
	APIBase    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// DefaultSessionConfig is the realtime session a token is minted for before
// scenario instructions and caller overrides are applied.
func DefaultSessionConfig(model string) map[string]any {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return map[string]any{
		"type":  "realtime",
		"model": model,
		"audio": map[string]any{
			"input": map[string]any{
				"format": "pcm16",
				"turn_detection": map[string]any{
					"type":                "semantic_vad",
					"create_response":     true,
					"threshold":           0.5,
					"prefix_padding_ms":   300,
					"silence_duration_ms": 500,
				},
			},
			"output": map[string]any{
				"format": "pcm16",
				"voice":  "alloy",
				"speed":  1.0,
			},
		},
		"input_audio_transcription": map[string]any{
			"model": "gpt-4o-transcribe",
		},
	}
}

// BuildSessionConfig applies scenario instructions, cultural context and a
// shallow merge of req.SessionConfig over the defaults.
func BuildSessionConfig(model string, req Request) map[string]any {
	cfg := DefaultSessionConfig(model)

	var instructions []string
	if id := strings.TrimSpace(req.ScenarioID); id != "" {
		instructions = append(instructions,
			"You are participating in a team communication practice scenario.",
			"Scenario ID: "+id,
			"Be natural, conversational, and help the user practice effective communication.",
			"Provide constructive feedback when appropriate.",
		)
	}
	if cc := strings.TrimSpace(req.CulturalContext); cc != "" {
		instructions = append(instructions, "Cultural context: "+cc)
	}
	if len(instructions) > 0 {
		cfg["instructions"] = strings.Join(instructions, "\n")
	}

	for k, v := range req.SessionConfig {
		cfg[k] = v
	}
	return cfg
}

func (m *Minter) Mint(ctx context.Context, req Request) (Token, error) {
	if m == nil || strings.TrimSpace(m.APIKey) == "" {
		return Token{}, errors.New("tokens: api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(m.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	session := BuildSessionConfig(m.Model, req)
	body, err := json.Marshal(map[string]any{"session": session})
	if err != nil {
		return Token{}, fmt.Errorf("encode session config: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/realtime/client_secrets", bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("build client_secrets request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Token{}, fmt.Errorf("client_secrets request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Token{}, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    "Failed to generate token",
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	var out struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("decode client_secrets response: %w", err)
	}

	return Token{
		Value:         out.Value,
		ExpiresAt:     out.ExpiresAt,
		SessionConfig: session,
	}, nil
}
