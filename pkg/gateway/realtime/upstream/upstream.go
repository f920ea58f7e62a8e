package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/vango-go/vai-relay/pkg/gateway/realtime/upstream"

const (
	DefaultURL        = "wss://api.openai.com/v1/realtime"
	DefaultModel      = "gpt-realtime"
	DefaultBetaHeader = "realtime=v1"
)

var (
	// ErrClosed is returned by Send once the connection has been closed.
	ErrClosed = errors.New("upstream connection closed")
	// ErrHandshake wraps every failed connection attempt.
	ErrHandshake = errors.New("upstream handshake failed")
)

// HandshakeError carries the HTTP status of a rejected upgrade when the
// upstream answered at all.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrHandshake, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrHandshake, e.Err)
}

func (e *HandshakeError) Unwrap() []error { return []error{ErrHandshake, e.Err} }

// Target selects the connection mode. CallID set means a telephony-originated
// session addressed by call id; otherwise the default model is used.
type Target struct {
	SessionID string
	CallID    string
}

// Conn is one open upstream channel owned by a single session.
type Conn interface {
	Send(ctx context.Context, messageType int, data []byte) error
	Receive() (messageType int, data []byte, err error)
	Close() error
}

// Connector opens upstream channels. Implementations make exactly one attempt.
type Connector interface {
	Connect(ctx context.Context, target Target) (Conn, error)
}

type Config struct {
	URL              string
	APIKey           string
	Model            string
	BetaHeader       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
}

// Dialer is the websocket Connector for the realtime speech endpoint.
type Dialer struct {
	Config Config
	// WS overrides the websocket dialer; nil uses a copy of websocket.DefaultDialer.
	WS *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{Config: cfg}
}

func (d *Dialer) Connect(ctx context.Context, target Target) (Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mode := "model"
	if target.CallID != "" {
		mode = "call_id"
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "realtime.upstream.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session_id", target.SessionID),
			attribute.String("call_id", target.CallID),
			attribute.String("connect_mode", mode),
		),
	)
	defer span.End()

	conn, err := d.connect(ctx, target)
	if err != nil {
		var hs *HandshakeError
		if errors.As(err, &hs) && hs.StatusCode > 0 {
			span.SetAttributes(attribute.Int("http.status_code", hs.StatusCode))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) connect(ctx context.Context, target Target) (Conn, error) {
	if d == nil {
		return nil, &HandshakeError{Err: errors.New("dialer is nil")}
	}
	if strings.TrimSpace(d.Config.APIKey) == "" {
		return nil, &HandshakeError{Err: errors.New("api key is required")}
	}
	wsURL, err := BuildURL(d.Config.URL, d.Config.Model, target.CallID)
	if err != nil {
		return nil, &HandshakeError{Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(d.Config.APIKey))
	beta := strings.TrimSpace(d.Config.BetaHeader)
	if beta == "" {
		beta = DefaultBetaHeader
	}
	header.Set("OpenAI-Beta", beta)

	dialer := websocket.DefaultDialer
	if d.WS != nil {
		dialer = d.WS
	}
	dialCopy := *dialer
	if d.Config.HandshakeTimeout > 0 {
		dialCopy.HandshakeTimeout = d.Config.HandshakeTimeout
	}

	conn, resp, err := dialCopy.DialContext(ctx, wsURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return nil, &HandshakeError{StatusCode: status, Err: err}
	}
	if d.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(d.Config.MaxMessageBytes)
	}
	return newWSConn(conn, d.Config.WriteTimeout), nil
}

// BuildURL appends either call_id or model to base; the two are never both set.
func BuildURL(base, model, callID string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Del("call_id")
	q.Del("model")
	if callID = strings.TrimSpace(callID); callID != "" {
		q.Set("call_id", callID)
	} else {
		model = strings.TrimSpace(model)
		if model == "" {
			model = DefaultModel
		}
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (c *wsConn) Send(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return c.wrapWriteErr(err)
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return c.wrapWriteErr(err)
	}
	return nil
}

func (c *wsConn) Receive() (int, []byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return 0, nil, ErrClosed
		default:
		}
		return 0, nil, err
	}
	return messageType, data, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// WriteControl may run concurrently with an in-flight WriteMessage.
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}

func (c *wsConn) wrapWriteErr(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return err
}
