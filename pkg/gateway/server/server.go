package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-relay/pkg/gateway/analysis"
	"github.com/vango-go/vai-relay/pkg/gateway/config"
	"github.com/vango-go/vai-relay/pkg/gateway/handlers"
	"github.com/vango-go/vai-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-relay/pkg/gateway/metrics"
	"github.com/vango-go/vai-relay/pkg/gateway/mw"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/session"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/sessions"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/tokens"
	"github.com/vango-go/vai-relay/pkg/gateway/realtime/upstream"
)

// ShutdownMessage is the error frame sent to live clients when the relay
// begins draining.
const ShutdownMessage = "Server shutting down"

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Registry

	connector upstream.Connector
	minter    handlers.TokenMinter
	analyzer  handlers.FeedbackAnalyzer
}

// deps lets tests swap the outbound collaborators.
type deps struct {
	connector upstream.Connector
	minter    handlers.TokenMinter
	analyzer  handlers.FeedbackAnalyzer
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	httpClient := &http.Client{
		Timeout: cfg.UpstreamHTTPTimeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return newServer(cfg, logger, deps{
		connector: upstream.NewDialer(upstream.Config{
			URL:              cfg.RealtimeURL,
			APIKey:           cfg.OpenAIAPIKey,
			Model:            cfg.RealtimeModel,
			BetaHeader:       cfg.RealtimeBetaHeader,
			HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
			WriteTimeout:     cfg.UpstreamWriteTimeout,
			MaxMessageBytes:  cfg.WSMaxMessageBytes,
		}),
		minter: &tokens.Minter{
			APIBase:    cfg.OpenAIAPIBase,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.RealtimeModel,
			HTTPClient: httpClient,
		},
		analyzer: analysis.New(analysis.Config{
			BaseURL:    cfg.OpenAIAPIBase,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.AnalysisModel,
			HTTPClient: httpClient,
		}),
	})
}

func newServer(cfg config.Config, logger *slog.Logger, d deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New(cfg.MetricsNamespace)
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		metrics:   m,
		lifecycle: &lifecycle.Lifecycle{},
		sessions: sessions.NewRegistry(sessions.Config{
			Session: session.Config{
				ClientWriteTimeout: cfg.WSWriteTimeout,
				PingInterval:       cfg.ClientPingInterval,
			},
			Logger:  logger,
			Metrics: m,
		}),
		connector: d.connector,
		minter:    d.minter,
		analyzer:  d.analyzer,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	health := handlers.HealthHandler{}
	s.mux.Handle("/health", health)
	s.mux.Handle("/healthz", health)
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/ws/realtime/{session_id}", handlers.RealtimeHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Connector: s.connector,
	})
	s.mux.Handle("/api/token", handlers.TokenHandler{
		Minter:       s.minter,
		Logger:       s.logger,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
	})
	s.mux.Handle("/api/sessions/{session_id}/transcript", handlers.TranscriptHandler{
		Sessions: s.sessions,
	})
	s.mux.Handle("/api/feedback/analyze", handlers.FeedbackHandler{
		Sessions:     s.sessions,
		Analyzer:     s.analyzer,
		Logger:       s.logger,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
	})
	s.mux.Handle("/webhooks/sip", handlers.SIPWebhookHandler{
		Sessions:     s.sessions,
		Connector:    s.connector,
		Lifecycle:    s.lifecycle,
		Logger:       s.logger,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.Tracing(h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Sessions() *sessions.Registry { return s.sessions }

// SetDraining stops intake of new sessions and flips /readyz to 503.
func (s *Server) SetDraining() bool {
	return s.lifecycle.BeginDrain(time.Now())
}

// NotifySessions tells every live client the relay is going away.
func (s *Server) NotifySessions() int {
	return s.sessions.NotifyAll(ShutdownMessage)
}

func (s *Server) CloseSessions(ctx context.Context) int {
	return s.sessions.CloseAll(ctx)
}

// WaitSessions reports whether every session finished before ctx was done.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}
