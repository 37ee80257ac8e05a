// ABOUTME: Gateway wires the conversation service, channel registry and HTTP server
// ABOUTME: Manages listeners (TCP or Tailscale), health endpoints and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/h2h-gateway/internal/agent"
	"github.com/2389/h2h-gateway/internal/auth"
	"github.com/2389/h2h-gateway/internal/channel"
	"github.com/2389/h2h-gateway/internal/config"
	"github.com/2389/h2h-gateway/internal/conversation"
	"github.com/2389/h2h-gateway/internal/dedupe"
	"github.com/2389/h2h-gateway/internal/metrics"
	"github.com/2389/h2h-gateway/internal/persona"
	"github.com/2389/h2h-gateway/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	readyTimeout    = 5 * time.Second
)

// Gateway owns the h2h-gateway server components.
type Gateway struct {
	config       *config.Config
	conversation *conversation.Service
	registry     *channel.Registry
	transcripts  store.TranscriptStore
	personas     *persona.Catalog
	events       *conversation.EventBroadcaster
	signals      *dedupe.Cache
	metrics      *metrics.Metrics
	creds        agent.CredentialSource
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
}

// New creates a Gateway that generates turns against the configured
// upstream endpoint.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := newCredentialSource(cfg.Upstream, logger)
	if err != nil {
		return nil, err
	}
	client := agent.NewClient(creds, agent.Config{
		Endpoint: cfg.Upstream.AgentEndpoint,
		Model:    cfg.Upstream.Model,
		Logger:   logger,
	})
	return newGateway(cfg, client, creds, logger)
}

// newCredentialSource picks the identity service when api_base is set and
// the static agent key otherwise.
func newCredentialSource(cfg config.UpstreamConfig, logger *slog.Logger) (agent.CredentialSource, error) {
	if !cfg.UsesIdentityService() {
		if cfg.AgentKey == "" {
			logger.Warn("upstream.agent_key is empty - requests will be sent without credentials")
		}
		return agent.StaticToken(cfg.AgentKey), nil
	}

	provider, err := auth.NewCredentialProvider(auth.CredentialConfig{
		APIBase:  cfg.APIBase,
		AgentID:  cfg.AgentID,
		AgentKey: cfg.AgentKey,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating credential provider: %w", err)
	}
	logger.Info("upstream credentials from identity service", "api_base", cfg.APIBase)
	return provider, nil
}

// newGateway assembles the components around gen. creds may be nil.
func newGateway(cfg *config.Config, gen conversation.Generator, creds agent.CredentialSource, logger *slog.Logger) (*Gateway, error) {
	personas, err := loadPersonas(cfg.Personas.Path)
	if err != nil {
		return nil, err
	}

	transcripts, err := store.NewSQLiteStore(store.MemoryPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing transcript store: %w", err)
	}

	registry := channel.NewRegistry(channel.RegistryConfig{
		SweepInterval: cfg.Channels.SweepInterval,
		GracePeriod:   cfg.Channels.GracePeriod,
		Logger:        logger,
	})
	signals := dedupe.New(dedupe.Config{
		TTL:        cfg.Dedupe.TTL,
		MaxEntries: cfg.Dedupe.MaxEntries,
	})
	events := conversation.NewEventBroadcaster(logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// An explicit "0s" in the config means no delay.
	turnDelay := cfg.Conversation.TurnDelay
	if turnDelay == 0 {
		turnDelay = -1
	}

	svc := conversation.NewService(gen, registry, conversation.Config{
		TurnDelay:   turnDelay,
		MaxTurns:    cfg.Conversation.MaxTurns,
		Retention:   cfg.Conversation.Retention,
		Transcripts: transcripts,
		Signals:     signals,
		Metrics:     m,
		Events:      events,
		Logger:      logger,
	})

	gw := &Gateway{
		config:       cfg,
		conversation: svc,
		registry:     registry,
		transcripts:  transcripts,
		personas:     personas,
		events:       events,
		signals:      signals,
		metrics:      m,
		creds:        creds,
		logger:       logger.With("component", "gateway"),
	}

	if m != nil {
		m.RegisterGauge("conversations_active", "Conversations that have not been stopped.", func() float64 {
			return float64(svc.Active())
		})
		m.RegisterGauge("channels_bound", "Bound real-time channels.", func() float64 {
			return float64(registry.Len())
		})
		m.RegisterGauge("turns_pending", "Turns scheduled after the inter-turn delay.", func() float64 {
			return float64(svc.PendingTurns())
		})
	}

	handler, err := gw.routes()
	if err != nil {
		return nil, err
	}
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func loadPersonas(path string) (*persona.Catalog, error) {
	catalog, err := persona.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading personas: %w", err)
	}
	return catalog, nil
}

// routes builds the HTTP handler. API and websocket routes require a
// bearer token when auth.jwt_secret is set.
func (g *Gateway) routes() (http.Handler, error) {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	protect := func(h http.HandlerFunc) http.Handler { return h }
	if g.config.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		middleware := auth.HTTPAuthMiddleware(verifier, g.logger)
		protect = func(h http.HandlerFunc) http.Handler { return middleware(h) }
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("POST /h2h/init", protect(g.handleInit))
	mux.Handle("POST /h2h/start", protect(g.handleStart))
	mux.Handle("POST /h2h/stop", protect(g.handleStop))
	mux.Handle("GET /ws", protect(g.handleWebSocket))
	mux.Handle("GET /api/personalities", protect(g.handlePersonalities))
	mux.Handle("GET /api/conversations", protect(g.handleListConversations))
	mux.Handle("GET /api/conversations/{id}", protect(g.handleGetConversation))
	mux.Handle("GET /api/conversations/{id}/transcript", protect(g.handleTranscript))
	mux.Handle("GET /api/conversations/{id}/events", protect(g.handleEvents))

	return mux, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "h2h-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on the tailnet.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the HTTP listener the config asks for.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, then the conversation service, channels
// and stores.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.conversation.Close()
	g.registry.Shutdown()
	g.events.Close()
	g.signals.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "transcript store close", g.transcripts.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once an upstream credential can be obtained.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.creds != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if _, err := g.creds.Token(ctx); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("upstream credentials unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d active conversations)", g.conversation.Active())
}
