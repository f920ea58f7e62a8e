package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/protocol"
)

const DefaultModel = "gpt-4"

const systemPrompt = `Analyze this team communication practice session.
Provide feedback on:
1. Communication effectiveness
2. Active listening
3. Empathy and emotional intelligence
4. Problem-solving approach
5. Areas for improvement

Format as JSON with scores (0-100) and specific feedback.`

// ErrMalformedFeedback is returned when the model reply is not a JSON object.
var ErrMalformedFeedback = errors.New("analysis model returned malformed feedback")

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Now        func() time.Time
}

type Request struct {
	SessionID       string  `json:"session_id"`
	ScenarioID      string  `json:"scenario_id"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Feedback is the model's JSON object plus the relay's metadata keys.
type Feedback map[string]any

type Analyzer struct {
	client *openai.Client
	model  string
	now    func() time.Time
}

func New(cfg Config) *Analyzer {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Analyzer{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		now:    now,
	}
}

// Analyze scores a formatted transcript ("role: text" lines).
func (a *Analyzer) Analyze(ctx context.Context, req Request, transcript string) (Feedback, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Scenario: %s\n\nTranscript:\n%s", req.ScenarioID, transcript)},
		},
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedFeedback)
	}

	feedback := Feedback{}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &feedback); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFeedback, err)
	}

	feedback["session_id"] = req.SessionID
	feedback["scenario_id"] = req.ScenarioID
	feedback["duration_seconds"] = req.DurationSeconds
	feedback["timestamp"] = protocol.FormatTimestamp(a.now())
	return feedback, nil
}
