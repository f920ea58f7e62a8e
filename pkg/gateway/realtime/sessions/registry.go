package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/session"
	"golang.org/x/sync/errgroup"
)

var (
	ErrConflict = errors.New("session already exists")
	ErrNotFound = errors.New("session not found")
)

// closeConcurrency bounds the parallel closes issued by CloseAll.
const closeConcurrency = 32

type Config struct {
	Session session.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Options struct {
	// SessionID is generated when empty.
	SessionID string
	CallID    string
	Client    session.ClientConn
}

// Registry is the process-wide table of live sessions. A session leaves the
// table exactly once, when it closes.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session.Session
	// live counts sessions whose close hook has not run yet. idle is closed
	// when live drops to zero and replaced by the next Create.
	live int
	idle chan struct{}
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*session.Session),
	}
}

// Create registers a new session in the created state. A duplicate id fails
// with ErrConflict and leaves the registered session untouched.
func (r *Registry) Create(opts Options) (*session.Session, error) {
	id := strings.TrimSpace(opts.SessionID)
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrConflict, id)
	}

	s, err := session.New(session.Dependencies{
		SessionID: id,
		CallID:    opts.CallID,
		Client:    opts.Client,
		Logger:    r.cfg.Logger,
		Metrics:   r.cfg.Metrics,
		Config:    r.cfg.Session,
		Now:       r.cfg.Now,
		OnClose:   func(closed *session.Session) { r.forget(id, closed) },
	})
	if err != nil {
		return nil, err
	}

	r.sessions[id] = s
	if r.live == 0 {
		r.idle = make(chan struct{})
	}
	r.live++
	return s, nil
}

func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup is Get with an ErrNotFound error for absent ids.
func (r *Registry) Lookup(id string) (*session.Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Remove closes and forgets the session. Absent or already closed sessions
// are a no-op.
func (r *Registry) Remove(id string) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	_ = s.Close()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// forget runs from the session's close hook, so it is called once per
// session.
func (r *Registry) forget(id string, s *session.Session) {
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.live--
	if r.live == 0 {
		close(r.idle)
	}
	r.mu.Unlock()
}

func (r *Registry) snapshot() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// NotifyAll sends a best-effort error frame to every active client.
func (r *Registry) NotifyAll(message string) (sent int) {
	for _, s := range r.snapshot() {
		if err := s.NotifyError(message); err == nil {
			sent++
		}
	}
	return sent
}

// CloseAll closes every registered session in parallel and returns how many
// closes were issued. It stops scheduling closes once ctx is done.
func (r *Registry) CloseAll(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}

	var g errgroup.Group
	g.SetLimit(closeConcurrency)

	closed := 0
	for _, s := range r.snapshot() {
		if ctx.Err() != nil {
			break
		}
		g.Go(s.Close)
		closed++
	}
	if err := g.Wait(); err != nil {
		r.cfg.Logger.Warn("session close failed", "error", err)
	}
	return closed
}

// Wait blocks until no session is live, or ctx is done. Sessions created
// while waiting keep Wait blocked until they close too.
func (r *Registry) Wait(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		r.mu.Lock()
		if r.live == 0 {
			r.mu.Unlock()
			return true
		}
		idle := r.idle
		r.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return false
		}
	}
}
