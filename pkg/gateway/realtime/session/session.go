package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/upstream"
)

var (
	// ErrSetup wraps every failure of Start.
	ErrSetup = errors.New("session setup failed")
	// ErrInactive is returned by sends once the session left the active state.
	ErrInactive = errors.New("session is not active")
)

// SetupFailedMessage is the error frame text sent to the client when the
// upstream connection cannot be established.
const SetupFailedMessage = "Failed to connect to OpenAI Realtime API"

const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"

	ModeRelay     = "relay"
	ModeTelephony = "telephony"
)

// Close reasons, also used as the sessions_total status label.
const (
	ReasonClosed              = "closed"
	ReasonSetupFailed         = "setup_failed"
	ReasonClientDisconnected  = "client_disconnected"
	ReasonUpstreamClosed      = "upstream_closed"
	ReasonUpstreamWriteFailed = "upstream_write_failed"
	ReasonClientWriteFailed   = "client_write_failed"
	ReasonPanic               = "panic"
)

type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ClientConn is the client-facing channel. *websocket.Conn satisfies it.
type ClientConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type Config struct {
	ClientWriteTimeout time.Duration
	// PingInterval > 0 sends websocket pings to the client while active.
	PingInterval time.Duration
}

type Dependencies struct {
	SessionID string
	CallID    string
	// Client is nil for telephony sessions, which have no client channel.
	Client  ClientConn
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Config  Config
	Now     func() time.Time
	// OnClose runs once, after both channels are closed.
	OnClose func(*Session)
}

// Session relays one client channel to one upstream channel.
type Session struct {
	id      string
	callID  string
	client  ClientConn
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
	onClose func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	upstream  upstream.Conn
	createdAt time.Time

	clientMu sync.Mutex

	state      atomic.Int32
	active     atomic.Bool
	wasActive  atomic.Bool
	transcript Transcript

	closeOnce sync.Once
	done      chan struct{}
}

func New(deps Dependencies) (*Session, error) {
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.ClientWriteTimeout <= 0 {
		deps.Config.ClientWriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        deps.SessionID,
		callID:    strings.TrimSpace(deps.CallID),
		client:    deps.Client,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		cfg:       deps.Config,
		now:       deps.Now,
		onClose:   deps.OnClose,
		ctx:       ctx,
		cancel:    cancel,
		createdAt: deps.Now(),
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateCreated))
	return s, nil
}

func (s *Session) ID() string     { return s.id }
func (s *Session) CallID() string { return s.callID }
func (s *Session) State() State   { return State(s.state.Load()) }
func (s *Session) IsActive() bool { return s.active.Load() }

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Transcript returns a copy of the entries accumulated so far.
func (s *Session) Transcript() []Entry { return s.transcript.Entries() }

// FormatTranscript renders the transcript as "role: text" lines.
func (s *Session) FormatTranscript() string { return s.transcript.Format() }

func (s *Session) mode() string {
	if s.client == nil {
		return ModeTelephony
	}
	return ModeRelay
}

// Start makes the single upstream connection attempt. On failure the client
// gets one error frame and the session is torn down.
func (s *Session) Start(ctx context.Context, connector upstream.Connector) error {
	if connector == nil {
		s.failSetup(errors.New("connector is nil"))
		return fmt.Errorf("%w: connector is nil", ErrSetup)
	}
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateConnecting)) {
		return fmt.Errorf("%w: session %s is %s", ErrSetup, s.id, s.State())
	}

	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	conn, err := connector.Connect(dialCtx, upstream.Target{SessionID: s.id, CallID: s.callID})
	if err != nil {
		if s.ctx.Err() != nil {
			return fmt.Errorf("%w: session %s closed while connecting: %w", ErrSetup, s.id, err)
		}
		s.failSetup(err)
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	s.mu.Lock()
	if s.State() != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: session %s closed while connecting", ErrSetup, s.id)
	}
	s.upstream = conn
	s.active.Store(true)
	s.wasActive.Store(true)
	s.state.Store(int32(StateActive))
	s.mu.Unlock()

	s.metrics.RecordSessionActive()
	s.logger.Info("upstream connected", "session_id", s.id, "call_id", s.callID, "mode", s.mode())

	if err := s.writeClientJSON(protocol.NewSessionCreated(s.id, s.now())); err != nil {
		s.logger.Warn("failed to send session.created", "session_id", s.id, "error", err)
		s.closeWith(ReasonClientWriteFailed)
		return fmt.Errorf("%w: send session.created: %w", ErrSetup, err)
	}
	return nil
}

func (s *Session) failSetup(err error) {
	s.metrics.RecordConnectFailure()
	s.logger.Error("failed to connect upstream", "session_id", s.id, "call_id", s.callID, "error", err)
	if werr := s.writeClientJSON(protocol.NewServerError(SetupFailedMessage)); werr != nil {
		s.logger.Debug("failed to send setup error frame", "session_id", s.id, "error", werr)
	}
	s.closeWith(ReasonSetupFailed)
}

// Run drives the relay until either direction ends, then returns once both
// loops have exited. The session is closed when Run returns.
func (s *Session) Run() error {
	if s.State() != StateActive {
		return ErrInactive
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.closeWith(s.guard("upstream", s.upstreamLoop))
	}()

	if s.client != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.closeWith(s.guard("downstream", s.downstreamLoop))
		}()
		if s.cfg.PingInterval > 0 {
			go s.pingLoop()
		}
	}

	wg.Wait()
	return nil
}

// Send forwards one frame upstream. It fails with ErrInactive once the
// session is no longer active.
func (s *Session) Send(ctx context.Context, messageType int, data []byte) error {
	if !s.active.Load() {
		return ErrInactive
	}
	s.mu.Lock()
	up := s.upstream
	s.mu.Unlock()
	if up == nil {
		return ErrInactive
	}
	if ctx == nil {
		ctx = s.ctx
	}
	if err := up.Send(ctx, messageType, data); err != nil {
		return fmt.Errorf("send upstream: %w", err)
	}
	return nil
}

// NotifyError writes an error frame to the client without ending the session.
func (s *Session) NotifyError(message string) error {
	if !s.active.Load() {
		return ErrInactive
	}
	return s.writeClientJSON(protocol.NewServerError(message))
}

// Close tears the session down. It is safe to call any number of times from
// any goroutine.
func (s *Session) Close() error {
	s.closeWith(ReasonClosed)
	return nil
}

func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateClosing))
		s.active.Store(false)
		up := s.upstream
		s.mu.Unlock()

		s.cancel()
		if up != nil {
			if err := up.Close(); err != nil {
				s.logger.Debug("upstream close failed", "session_id", s.id, "error", err)
			}
		}
		if s.client != nil {
			_ = s.client.Close()
		}

		s.state.Store(int32(StateClosed))
		close(s.done)

		s.metrics.RecordSessionEnd(s.mode(), reason, s.wasActive.Load(), s.now().Sub(s.createdAt))
		s.logger.Info("session closed", "session_id", s.id, "call_id", s.callID, "reason", reason, "transcript_entries", s.transcript.Len())

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Session) guard(loop string, fn func() string) (reason string) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("relay loop panic", "session_id", s.id, "loop", loop, "panic", v)
			reason = ReasonPanic
		}
	}()
	return fn()
}

func (s *Session) upstreamLoop() string {
	s.mu.Lock()
	up := s.upstream
	s.mu.Unlock()

	for {
		messageType, data, err := up.Receive()
		if err != nil {
			if !s.active.Load() {
				return ReasonClosed
			}
			if isConnectionClosed(err) {
				s.logger.Info("upstream connection closed", "session_id", s.id, "error", err)
			} else {
				s.logger.Warn("upstream receive failed", "session_id", s.id, "error", err)
			}
			return ReasonUpstreamClosed
		}
		if !s.active.Load() {
			return ReasonClosed
		}

		if messageType == websocket.TextMessage {
			s.observe(Classify(protocol.DecodeServerEvent(data), &s.transcript, s.now()))
		}

		if s.client == nil {
			continue
		}
		if err := s.writeClient(messageType, data); err != nil {
			s.metrics.RecordDroppedSend(DirectionUpstreamToClient)
			if s.active.Load() {
				s.logger.Warn("client write failed", "session_id", s.id, "error", err)
			}
			return ReasonClientWriteFailed
		}
		s.metrics.RecordFrame(DirectionUpstreamToClient)
	}
}

func (s *Session) downstreamLoop() string {
	for {
		messageType, data, err := s.client.ReadMessage()
		if err != nil {
			if !s.active.Load() {
				return ReasonClosed
			}
			if isConnectionClosed(err) {
				s.logger.Info("client disconnected", "session_id", s.id)
			} else {
				s.logger.Warn("client read failed", "session_id", s.id, "error", err)
				_ = s.writeClientJSON(protocol.NewServerError(err.Error()))
			}
			return ReasonClientDisconnected
		}

		cmd := protocol.DecodeClientCommand(data)
		if err := s.Send(s.ctx, messageType, cmd.Raw()); err != nil {
			s.metrics.RecordDroppedSend(DirectionClientToUpstream)
			if !s.active.Load() || errors.Is(err, ErrInactive) || errors.Is(err, upstream.ErrClosed) {
				s.logger.Debug("dropped client command", "session_id", s.id, "type", cmd.CommandType(), "error", err)
				continue
			}
			s.logger.Warn("upstream write failed", "session_id", s.id, "type", cmd.CommandType(), "error", err)
			return ReasonUpstreamWriteFailed
		}
		s.metrics.RecordFrame(DirectionClientToUpstream)
	}
}

func (s *Session) observe(c Classification) {
	if c.Entry != nil {
		s.metrics.RecordTranscriptEntry(string(c.Entry.Role))
	}
	if c.Usage != nil {
		s.metrics.RecordUsage(c.Usage.InputTokens, c.Usage.OutputTokens)
		s.logger.Info("response usage",
			"session_id", s.id,
			"total_tokens", c.Usage.TotalTokens,
			"input_tokens", c.Usage.InputTokens,
			"output_tokens", c.Usage.OutputTokens,
			"usage", string(c.Usage.Raw),
		)
	}
}

func (s *Session) pingLoop() {
	pinger, ok := s.client.(controlWriter)
	if !ok {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := pinger.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.cfg.ClientWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeClientJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeClient(websocket.TextMessage, payload)
}

func (s *Session) writeClient(messageType int, data []byte) error {
	if s.client == nil {
		return nil
	}
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	if d, ok := s.client.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(s.cfg.ClientWriteTimeout)); err != nil {
			return err
		}
	}
	return s.client.WriteMessage(messageType, data)
}

func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, upstream.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
