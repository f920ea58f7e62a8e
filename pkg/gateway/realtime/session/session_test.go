package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/upstream"
)

type frame struct {
	messageType int
	data        []byte
}

type fakeClient struct {
	in        chan frame
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu      sync.Mutex
	writes  []frame
	onWrite func(frame)
}

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan frame, 64), closed: make(chan struct{})}
}

func (c *fakeClient) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeClient) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f := frame{messageType: messageType, data: append([]byte(nil), data...)}
	if c.onWrite != nil {
		c.onWrite(f)
	}
	c.writes = append(c.writes, f)
	return nil
}

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeClient) setOnWrite(fn func(frame)) {
	c.mu.Lock()
	c.onWrite = fn
	c.mu.Unlock()
}

func (c *fakeClient) written() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.writes...)
}

type fakeUpstream struct {
	recv chan frame

	remoteOnce   sync.Once
	remoteClosed chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closes    atomic.Int32

	panicOnReceive bool
	sendErr        error

	mu   sync.Mutex
	sent []frame
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		recv:         make(chan frame, 64),
		remoteClosed: make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

func (u *fakeUpstream) Send(_ context.Context, messageType int, data []byte) error {
	select {
	case <-u.closed:
		return upstream.ErrClosed
	default:
	}
	if u.sendErr != nil {
		return u.sendErr
	}
	u.mu.Lock()
	u.sent = append(u.sent, frame{messageType: messageType, data: append([]byte(nil), data...)})
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) Receive() (int, []byte, error) {
	if u.panicOnReceive {
		panic("boom")
	}
	select {
	case f := <-u.recv:
		return f.messageType, f.data, nil
	case <-u.remoteClosed:
		return 0, nil, io.EOF
	case <-u.closed:
		return 0, nil, upstream.ErrClosed
	}
}

func (u *fakeUpstream) Close() error {
	u.closes.Add(1)
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) hangUp() {
	u.remoteOnce.Do(func() { close(u.remoteClosed) })
}

func (u *fakeUpstream) sentFrames() []frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]frame(nil), u.sent...)
}

type fakeConnector struct {
	conn upstream.Conn
	err  error

	mu      sync.Mutex
	targets []upstream.Target
}

func (c *fakeConnector) Connect(_ context.Context, target upstream.Target) (upstream.Conn, error) {
	c.mu.Lock()
	c.targets = append(c.targets, target)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.conn, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runAsync(s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	return done
}

func waitRun(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func startedSession(t *testing.T, client ClientConn, up *fakeUpstream) *Session {
	t.Helper()
	s, err := New(Dependencies{SessionID: "s_1", Client: client})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := s.Start(context.Background(), &fakeConnector{conn: up}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return s
}

func TestNew_RequiresID(t *testing.T) {
	if _, err := New(Dependencies{SessionID: "  "}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}

func TestStart_SendsSessionCreated(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := New(Dependencies{SessionID: "s_1", Client: client, Now: func() time.Time { return at }})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if s.State() != StateCreated {
		t.Fatalf("state=%s, want created", s.State())
	}
	if err := s.Start(context.Background(), &fakeConnector{conn: up}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if !s.IsActive() || s.State() != StateActive {
		t.Fatalf("active=%v state=%s", s.IsActive(), s.State())
	}

	writes := client.written()
	if len(writes) != 1 {
		t.Fatalf("writes=%d, want 1", len(writes))
	}
	want := `{"type":"session.created","session_id":"s_1","timestamp":"2026-01-02T03:04:05Z"}`
	if got := string(writes[0].data); got != want {
		t.Fatalf("frame=%s, want %s", got, want)
	}

	if err := s.Start(context.Background(), &fakeConnector{conn: up}); !errors.Is(err, ErrSetup) {
		t.Fatalf("second Start err=%v, want ErrSetup", err)
	}
	_ = s.Close()
}

func TestStart_PassesCallID(t *testing.T) {
	up := newFakeUpstream()
	connector := &fakeConnector{conn: up}
	s, err := New(Dependencies{SessionID: "s_sip", CallID: "rtc_1"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := s.Start(context.Background(), connector); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Close()

	if len(connector.targets) != 1 {
		t.Fatalf("connect attempts=%d, want 1", len(connector.targets))
	}
	if got := connector.targets[0]; got.SessionID != "s_sip" || got.CallID != "rtc_1" {
		t.Fatalf("target=%+v", got)
	}
}

func TestStart_FailureSendsOneErrorFrame(t *testing.T) {
	client := newFakeClient()
	var closedCalls atomic.Int32
	s, err := New(Dependencies{
		SessionID: "s_1",
		Client:    client,
		OnClose:   func(*Session) { closedCalls.Add(1) },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	connector := &fakeConnector{err: errors.New("dial refused")}
	err = s.Start(context.Background(), connector)
	if !errors.Is(err, ErrSetup) {
		t.Fatalf("err=%v, want ErrSetup", err)
	}

	writes := client.written()
	if len(writes) != 1 {
		t.Fatalf("writes=%d, want exactly 1", len(writes))
	}
	var msg struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(writes[0].data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "error" || msg.Error != SetupFailedMessage {
		t.Fatalf("frame=%+v", msg)
	}
	if s.State() != StateClosed || s.IsActive() {
		t.Fatalf("state=%s active=%v", s.State(), s.IsActive())
	}
	if closedCalls.Load() != 1 {
		t.Fatalf("onClose calls=%d, want 1", closedCalls.Load())
	}
	if client.closes.Load() == 0 {
		t.Fatalf("client channel was not closed")
	}
	if len(connector.targets) != 1 {
		t.Fatalf("connect attempts=%d, want 1", len(connector.targets))
	}
	if err := s.Run(); !errors.Is(err, ErrInactive) {
		t.Fatalf("Run err=%v, want ErrInactive", err)
	}
}

func TestRun_UpstreamFramesForwardedInOrder(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	s := startedSession(t, client, up)
	done := runAsync(s)

	const n = 40
	var want []frame
	for i := 0; i < n; i++ {
		var f frame
		switch i % 4 {
		case 0:
			f = frame{websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"response.audio.delta","delta":"%d"}`, i))}
		case 1:
			f = frame{websocket.BinaryMessage, []byte{0x00, byte(i), 0xff}}
		case 2:
			f = frame{websocket.TextMessage, []byte(fmt.Sprintf("not json %d", i))}
		default:
			f = frame{websocket.TextMessage, []byte(fmt.Sprintf(`{ "type" : "x.%d",  "extra": [1, 2] }`, i))}
		}
		want = append(want, f)
		up.recv <- f
	}

	waitFor(t, "client writes", func() bool { return len(client.written()) == n+1 })

	got := client.written()[1:]
	for i := range want {
		if got[i].messageType != want[i].messageType || string(got[i].data) != string(want[i].data) {
			t.Fatalf("frame %d = (%d,%q), want (%d,%q)", i, got[i].messageType, got[i].data, want[i].messageType, want[i].data)
		}
	}

	up.hangUp()
	waitRun(t, done)
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if up.closes.Load() != 1 {
		t.Fatalf("upstream closes=%d, want 1", up.closes.Load())
	}
	if client.closes.Load() == 0 {
		t.Fatalf("client channel was not closed")
	}
}

func TestRun_ClientCommandsForwardedInOrder(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	s := startedSession(t, client, up)
	done := runAsync(s)

	want := []frame{
		{websocket.TextMessage, []byte(`{"type":"session.update","session":{"voice":"alloy"}}`)},
		{websocket.TextMessage, []byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`)},
		{websocket.TextMessage, []byte(`{"type":"response.create"}`)},
		{websocket.TextMessage, []byte(`{"type":"conversation.item.create","item":{}}`)},
		{websocket.TextMessage, []byte(`{"no_type":true}`)},
		{websocket.TextMessage, []byte(`garbage`)},
		{websocket.BinaryMessage, []byte{1, 2, 3}},
	}
	for _, f := range want {
		client.in <- f
	}

	waitFor(t, "upstream sends", func() bool { return len(up.sentFrames()) == len(want) })
	got := up.sentFrames()
	for i := range want {
		if got[i].messageType != want[i].messageType || string(got[i].data) != string(want[i].data) {
			t.Fatalf("command %d = %q, want %q", i, got[i].data, want[i].data)
		}
	}

	close(client.in)
	waitRun(t, done)
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if up.closes.Load() != 1 {
		t.Fatalf("upstream closes=%d, want 1", up.closes.Load())
	}
}

func TestRun_TranscriptScript(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	s := startedSession(t, client, up)

	var (
		mu          sync.Mutex
		lenAtWrites []int
	)
	client.setOnWrite(func(frame) {
		mu.Lock()
		lenAtWrites = append(lenAtWrites, s.transcript.Len())
		mu.Unlock()
	})

	done := runAsync(s)
	up.recv <- frame{websocket.TextMessage, []byte(`{"type":"conversation.item.input_audio_transcription.completed","item_id":"i1","transcript":"hello"}`)}
	up.recv <- frame{websocket.TextMessage, []byte(`{"type":"response.audio_transcript.done","response_id":"r1","transcript":"hi there"}`)}
	up.recv <- frame{websocket.TextMessage, []byte(`{"type":"response.done","response":{"id":"r1","usage":{"total_tokens":7,"input_tokens":3,"output_tokens":4}}}`)}

	waitFor(t, "client writes", func() bool { return len(client.written()) == 4 })

	entries := s.Transcript()
	if len(entries) != 2 {
		t.Fatalf("entries=%d, want 2", len(entries))
	}
	if entries[0].Role != RoleUser || entries[0].Text != "hello" {
		t.Fatalf("entry0=%+v", entries[0])
	}
	if entries[1].Role != RoleAssistant || entries[1].Text != "hi there" {
		t.Fatalf("entry1=%+v", entries[1])
	}
	if got := s.FormatTranscript(); got != "user: hello\nassistant: hi there" {
		t.Fatalf("formatted=%q", got)
	}

	mu.Lock()
	got := append([]int(nil), lenAtWrites...)
	mu.Unlock()
	// Each transcript append is visible before its frame reaches the client.
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 2 {
		t.Fatalf("transcript length at writes=%v, want [1 2 2]", got)
	}

	_ = s.Close()
	waitRun(t, done)
}

func TestSend_AfterCloseIsInactive(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	s := startedSession(t, client, up)

	if err := s.Send(context.Background(), websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	_ = s.Close()
	_ = s.Close()

	if err := s.Send(context.Background(), websocket.TextMessage, []byte(`{}`)); !errors.Is(err, ErrInactive) {
		t.Fatalf("err=%v, want ErrInactive", err)
	}
	if up.closes.Load() != 1 {
		t.Fatalf("upstream closes=%d, want 1", up.closes.Load())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestRun_ClientDisconnectClosesUpstream(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	var closedCalls atomic.Int32
	s, err := New(Dependencies{
		SessionID: "s_1",
		Client:    client,
		OnClose:   func(*Session) { closedCalls.Add(1) },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := s.Start(context.Background(), &fakeConnector{conn: up}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	done := runAsync(s)

	_ = client.Close()
	waitRun(t, done)

	if up.closes.Load() != 1 {
		t.Fatalf("upstream closes=%d, want 1", up.closes.Load())
	}
	if closedCalls.Load() != 1 {
		t.Fatalf("onClose calls=%d, want 1", closedCalls.Load())
	}
}

func TestRun_UpstreamWriteFailureEndsSession(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	up.sendErr = &net.OpError{Op: "write", Net: "tcp", Err: errors.New("i/o timeout")}
	s := startedSession(t, client, up)
	done := runAsync(s)

	for i := 0; i < 3; i++ {
		client.in <- frame{websocket.TextMessage, []byte(`{"type":"input_audio_buffer.append","audio":"AAAA"}`)}
	}
	waitRun(t, done)

	if s.IsActive() {
		t.Fatalf("session still active after upstream write failure")
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if up.closes.Load() != 1 {
		t.Fatalf("upstream closes=%d, want 1", up.closes.Load())
	}
	if client.closes.Load() == 0 {
		t.Fatalf("client not closed")
	}
}

type blockingConnector struct {
	entered chan struct{}
}

func (c *blockingConnector) Connect(ctx context.Context, _ upstream.Target) (upstream.Conn, error) {
	close(c.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStart_CloseAbortsPendingConnect(t *testing.T) {
	client := newFakeClient()
	s, err := New(Dependencies{SessionID: "s_1", Client: client})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	connector := &blockingConnector{entered: make(chan struct{})}

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background(), connector) }()
	<-connector.entered
	_ = s.Close()

	select {
	case err := <-started:
		if !errors.Is(err, ErrSetup) || !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v, want ErrSetup wrapping context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Start did not return after Close")
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
	if got := len(client.written()); got != 0 {
		t.Fatalf("client frames=%d, want 0", got)
	}
}

func TestRun_TelephonyWithoutClient(t *testing.T) {
	up := newFakeUpstream()
	s, err := New(Dependencies{SessionID: "s_sip", CallID: "rtc_1"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := s.Start(context.Background(), &fakeConnector{conn: up}); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	done := runAsync(s)

	up.recv <- frame{websocket.TextMessage, []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hola"}`)}
	waitFor(t, "transcript entry", func() bool { return len(s.Transcript()) == 1 })

	up.hangUp()
	waitRun(t, done)
	if up.closes.Load() != 1 {
		t.Fatalf("upstream closes=%d, want 1", up.closes.Load())
	}
}

func TestRun_RecoversLoopPanic(t *testing.T) {
	client := newFakeClient()
	up := newFakeUpstream()
	up.panicOnReceive = true
	s := startedSession(t, client, up)

	waitRun(t, runAsync(s))
	if s.State() != StateClosed {
		t.Fatalf("state=%s, want closed", s.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateCreated:    "created",
		StateConnecting: "connecting",
		StateActive:     "active",
		StateClosing:    "closing",
		StateClosed:     "closed",
		State(9):        "state(9)",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%d.String()=%q, want %q", int(state), got, want)
		}
	}
}
