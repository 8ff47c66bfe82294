// Package api provides the HTTP surface and the main server wiring for the
// flow engine.
//
// It exposes the provider webhook, flow and run state inspection endpoints,
// and operator endpoints for the continuation queue. Run assembles the store,
// flow registry, interpreter, continuation runner, outbox sender and
// messaging service into a running service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/hanna-crm/flowengine/internal/flow"
	"github.com/hanna-crm/flowengine/internal/flowdef"
	"github.com/hanna-crm/flowengine/internal/messaging"
	"github.com/hanna-crm/flowengine/internal/store"
	"github.com/hanna-crm/flowengine/internal/whatsapp"
)

// Default configuration constants.
const (
	// DefaultAddr is the default API server listen address.
	DefaultAddr = ":8080"
	// DefaultContinuationPollInterval is how often the runner polls the queue.
	DefaultContinuationPollInterval = 2 * time.Second
	// DefaultOutboxPollInterval is how often the sender polls the outbox.
	DefaultOutboxPollInterval = 5 * time.Second
	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr        string
	VerifyToken string
	FlowID      string
	FlowsDir    string
	Provider    string // whatsmeow | twilio | noop
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithVerifyToken sets the webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) {
		o.VerifyToken = token
	}
}

// WithFlowID sets the flow new contacts are enrolled in.
func WithFlowID(id string) Option {
	return func(o *Opts) {
		o.FlowID = id
	}
}

// WithFlowsDir sets the directory additional flow definitions are loaded from.
func WithFlowsDir(dir string) Option {
	return func(o *Opts) {
		o.FlowsDir = dir
	}
}

// WithProvider selects the outbound messaging provider.
func WithProvider(provider string) Option {
	return func(o *Opts) {
		o.Provider = provider
	}
}

// Server handles HTTP requests for the flow engine.
type Server struct {
	addr        string
	verifyToken string
	st          store.Store
	flows       *flowdef.Registry
	interp      *flow.Interpreter
	msgService  messaging.Service
}

// NewServer creates a new Server with the given collaborators.
func NewServer(st store.Store, flows *flowdef.Registry, interp *flow.Interpreter, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		addr:        cfg.Addr,
		verifyToken: cfg.VerifyToken,
		st:          st,
		flows:       flows,
		interp:      interp,
		msgService:  msgService,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/webhook", s.verifyWebhookHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/webhook", s.webhookHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/flows", s.listFlowsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/flows/{id}", s.getFlowHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/contacts/{id}/state", s.runStateHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/contacts/{id}/reset", s.resetHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/contacts/{id}/continue", s.continueHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/continuations/dead", s.deadContinuationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: API listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		slog.Info("Server.ListenAndServe: API server stopped")
		return nil
	}
}

// Run assembles and runs the whole service: store, flow registry,
// interpreter, continuation runner, outbox sender, messaging provider and
// HTTP server. It blocks until SIGINT/SIGTERM.
func Run(storeOpts []store.Option, waOpts []whatsapp.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.FlowID == "" {
		cfg.FlowID = flowdef.DefaultFlowID
	}

	st, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	flows, err := flowdef.NewRegistry()
	if err != nil {
		return fmt.Errorf("failed to initialize flow registry: %w", err)
	}
	if cfg.FlowsDir != "" {
		if err := flows.LoadDir(cfg.FlowsDir); err != nil {
			return fmt.Errorf("failed to load flows: %w", err)
		}
	}
	if _, ok := flows.Get(cfg.FlowID); !ok {
		return fmt.Errorf("configured flow %q is not registered", cfg.FlowID)
	}

	msgService, err := buildMessagingService(cfg.Provider, waOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging service: %w", err)
	}

	interp := flow.NewInterpreter(st, flows, cfg.FlowID)
	runner := store.NewContinuationRunner(st, interp.Handler(), DefaultContinuationPollInterval)
	sender := store.NewOutboxSender(st, messaging.SendFunc(msgService), DefaultOutboxPollInterval)

	// Crash recovery before accepting traffic.
	if err := runner.RecoverStale(); err != nil {
		return fmt.Errorf("failed to recover stale continuations: %w", err)
	}
	if err := sender.RecoverStale(); err != nil {
		return fmt.Errorf("failed to recover stale outbox messages: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	go runner.Run(ctx)
	go sender.Run(ctx)

	server := NewServer(st, flows, interp, msgService, apiOpts...)
	return server.ListenAndServe(ctx)
}

// buildStore selects the store backend from the configured DSN. No DSN means
// the in-memory store.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("No database DSN configured, using in-memory store; state is lost on restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		return store.NewPostgresStore(storeOpts...)
	}
	return store.NewSQLiteStore(storeOpts...)
}

// buildMessagingService selects the outbound provider.
func buildMessagingService(provider string, waOpts []whatsapp.Option) (messaging.Service, error) {
	switch provider {
	case "", "whatsmeow":
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(client), nil
	case "twilio":
		return messaging.NewTwilioService()
	case "noop":
		slog.Warn("Using noop messaging provider; outbound messages are recorded, not delivered")
		return messaging.NewMockService(), nil
	default:
		return nil, fmt.Errorf("unknown messaging provider: %q", provider)
	}
}
