package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Upstream event discriminators inspected by the relay.
const (
	EventInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventOutputTranscriptDone        = "response.audio_transcript.done"
	EventResponseDone                = "response.done"
)

// Client command discriminators.
const (
	CommandSessionUpdate          = "session.update"
	CommandInputAudioBufferAppend = "input_audio_buffer.append"
	CommandResponseCreate         = "response.create"
)

// Relay-originated frame types.
const (
	FrameSessionCreated = "session.created"
	FrameError          = "error"
)

// ServerEvent is one decoded upstream frame. Every variant keeps the original
// bytes so the relay can forward the frame unmodified.
type ServerEvent interface {
	EventType() string
	Raw() []byte
}

type InputTranscriptionCompleted struct {
	raw        []byte
	ItemID     string
	Transcript string
}

func (e InputTranscriptionCompleted) EventType() string { return EventInputTranscriptionCompleted }
func (e InputTranscriptionCompleted) Raw() []byte       { return e.raw }

type OutputTranscriptDone struct {
	raw        []byte
	ResponseID string
	ItemID     string
	Transcript string
}

func (e OutputTranscriptDone) EventType() string { return EventOutputTranscriptDone }
func (e OutputTranscriptDone) Raw() []byte       { return e.raw }

type ResponseDone struct {
	raw        []byte
	ResponseID string
	// Usage is nil when the response carried no usage object.
	Usage *Usage
}

func (e ResponseDone) EventType() string { return EventResponseDone }
func (e ResponseDone) Raw() []byte       { return e.raw }

// Usage mirrors the numeric fields of a response.done usage object. Raw holds
// the whole object for logging.
type Usage struct {
	TotalTokens  int             `json:"total_tokens"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Raw          json.RawMessage `json:"-"`
}

// OpaqueEvent is any upstream frame the relay does not inspect, including
// frames that are not valid JSON.
type OpaqueEvent struct {
	raw  []byte
	Type string
}

func (e OpaqueEvent) EventType() string { return e.Type }
func (e OpaqueEvent) Raw() []byte       { return e.raw }

// DecodeServerEvent never fails: anything that is not one of the recognized
// discriminators, or does not decode, comes back as an OpaqueEvent.
func DecodeServerEvent(data []byte) ServerEvent {
	typ, ok := decodeType(data)
	if !ok {
		return OpaqueEvent{raw: data}
	}

	switch typ {
	case EventInputTranscriptionCompleted:
		var msg struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return OpaqueEvent{raw: data, Type: typ}
		}
		return InputTranscriptionCompleted{raw: data, ItemID: msg.ItemID, Transcript: msg.Transcript}
	case EventOutputTranscriptDone:
		var msg struct {
			ResponseID string `json:"response_id"`
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return OpaqueEvent{raw: data, Type: typ}
		}
		return OutputTranscriptDone{raw: data, ResponseID: msg.ResponseID, ItemID: msg.ItemID, Transcript: msg.Transcript}
	case EventResponseDone:
		var msg struct {
			Response struct {
				ID    string          `json:"id"`
				Usage json.RawMessage `json:"usage"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return OpaqueEvent{raw: data, Type: typ}
		}
		out := ResponseDone{raw: data, ResponseID: msg.Response.ID}
		if usage := decodeUsage(msg.Response.Usage); usage != nil {
			out.Usage = usage
		}
		return out
	default:
		return OpaqueEvent{raw: data, Type: typ}
	}
}

// ClientCommand is one decoded client frame. All variants are forwarded
// upstream verbatim; the kinds exist so handling can diverge later.
type ClientCommand interface {
	CommandType() string
	Raw() []byte
}

type SessionUpdate struct{ raw []byte }

func (c SessionUpdate) CommandType() string { return CommandSessionUpdate }
func (c SessionUpdate) Raw() []byte         { return c.raw }

type InputAudioBufferAppend struct{ raw []byte }

func (c InputAudioBufferAppend) CommandType() string { return CommandInputAudioBufferAppend }
func (c InputAudioBufferAppend) Raw() []byte         { return c.raw }

type ResponseCreate struct{ raw []byte }

func (c ResponseCreate) CommandType() string { return CommandResponseCreate }
func (c ResponseCreate) Raw() []byte         { return c.raw }

type OpaqueCommand struct {
	raw  []byte
	Type string
}

func (c OpaqueCommand) CommandType() string { return c.Type }
func (c OpaqueCommand) Raw() []byte         { return c.raw }

func DecodeClientCommand(data []byte) ClientCommand {
	typ, ok := decodeType(data)
	if !ok {
		return OpaqueCommand{raw: data}
	}
	switch typ {
	case CommandSessionUpdate:
		return SessionUpdate{raw: data}
	case CommandInputAudioBufferAppend:
		return InputAudioBufferAppend{raw: data}
	case CommandResponseCreate:
		return ResponseCreate{raw: data}
	default:
		return OpaqueCommand{raw: data, Type: typ}
	}
}

type SessionCreated struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

func NewSessionCreated(sessionID string, at time.Time) SessionCreated {
	return SessionCreated{Type: FrameSessionCreated, SessionID: sessionID, Timestamp: FormatTimestamp(at)}
}

type ServerError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewServerError(message string) ServerError {
	return ServerError{Type: FrameError, Error: message}
}

// FormatTimestamp renders wall-clock times the way every relay frame and
// transcript entry carries them.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeType(data []byte) (string, bool) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", false
	}
	return strings.TrimSpace(envelope.Type), true
}

func decodeUsage(raw json.RawMessage) *Usage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return nil
	}
	var usage Usage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil
	}
	usage.Raw = append(json.RawMessage(nil), raw...)
	return &usage
}
