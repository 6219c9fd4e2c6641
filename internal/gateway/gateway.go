// ABOUTME: Gateway orchestrator that wires the relay and runs its HTTP, gRPC and queue front-ends
// ABOUTME: Owns every process-wide object: store, credentials, remote client, sessions, handler

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
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/agent-relay/internal/auth"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/conversation"
	"github.com/2389/agent-relay/internal/credential"
	"github.com/2389/agent-relay/internal/queue"
	"github.com/2389/agent-relay/internal/relay"
	"github.com/2389/agent-relay/internal/remote"
	"github.com/2389/agent-relay/internal/search"
	"github.com/2389/agent-relay/internal/session"
	"github.com/2389/agent-relay/internal/store"
)

// shutdownTimeout bounds the HTTP drain on shutdown.
const shutdownTimeout = 5 * time.Second

// Gateway runs the relay.
type Gateway struct {
	config      *config.Config
	store       store.Store
	credentials *credential.Resolver
	client      *remote.Client // nil when the endpoint is not configured
	sessions    *session.Manager
	coordinator *conversation.Service
	handler     *relay.Handler
	feed        *relay.Feed
	monitor     *Monitor
	queue       queue.Queue // nil when the queue transport is off
	worker      *queue.Worker
	searchQueue queue.Queue // nil when search is off
	search      *queue.Worker
	missing     []string

	grpcServer   *grpc.Server // nil when gRPC is off
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	strategies  []credential.Strategy
	queue       queue.Queue
	searchQueue queue.Queue
	httpClient  *http.Client
}

// Option customizes New.
type Option func(*options)

// WithStrategies replaces the default credential strategies.
func WithStrategies(strategies ...credential.Strategy) Option {
	return func(o *options) { o.strategies = strategies }
}

// WithQueue enables the queue transport over q regardless of configuration.
func WithQueue(q queue.Queue) Option {
	return func(o *options) { o.queue = q }
}

// WithSearchQueue carries search queries over q instead of Redis. Search
// still needs search.endpoint to be configured.
func WithSearchQueue(q queue.Queue) Option {
	return func(o *options) { o.searchQueue = q }
}

// WithHTTPClient sets the client used for the agent service and identity endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// initStore opens the SQLite store, honoring AGENT_RELAY_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENT_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server carrying the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// New builds a gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Remote.RequestTimeout}
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		store:   s,
		feed:    relay.NewFeed(logger),
		missing: cfg.Remote.Missing(),
		logger:  logger.With("component", "gateway"),
	}
	if err := gw.build(cfg, logger, o); err != nil {
		if gw.sessions != nil {
			gw.sessions.Close()
		}
		if gw.queue != nil {
			_ = gw.queue.Close()
		}
		gw.feed.Close()
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) build(cfg *config.Config, logger *slog.Logger, o options) error {
	strategies := o.strategies
	if strategies == nil {
		strategies = credential.DefaultStrategies(credential.Options{
			APIKey:     cfg.Remote.APIKey,
			Resource:   cfg.Remote.TokenResource,
			HTTPClient: o.httpClient,
		})
	}
	g.credentials = credential.NewResolver(logger, strategies...)

	if cfg.Remote.Endpoint != "" {
		client, err := remote.NewClient(remote.ClientConfig{
			Endpoint:    cfg.Remote.Endpoint,
			APIVersion:  cfg.Remote.APIVersion,
			Credentials: g.credentials,
			HTTPClient:  o.httpClient,
			Timeout:     cfg.Remote.RequestTimeout,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("remote.endpoint: %w", err)
		}
		g.client = client
	}

	var agents remote.AgentService = unconfiguredService{}
	if g.client != nil {
		agents = g.client
	}

	sessCfg := session.Config{
		Capacity: cfg.Sessions.Capacity,
		IdleTTL:  cfg.Sessions.IdleTTL,
		Logger:   logger,
	}
	if cfg.Sessions.Persist {
		sessCfg.Store = g.store
	}
	g.sessions = session.NewManager(agents, sessCfg)

	g.coordinator = conversation.New(agents, g.sessions, conversation.Config{
		AgentID:      cfg.Remote.AgentID,
		PollInterval: cfg.Run.PollInterval,
		MaxWait:      cfg.Run.MaxWait,
		Logger:       logger,
	})

	g.handler = relay.NewHandler(relay.HandlerConfig{
		Coordinator: g.coordinator,
		Missing:     g.missing,
		Exchanges:   g.store,
		Feed:        g.feed,
		RenderHTML:  cfg.Response.RenderHTML,
		Logger:      logger,
	})

	switch {
	case o.queue != nil:
		g.queue = o.queue
	case cfg.Queue.Enabled:
		q, err := queue.NewRedisQueue(queue.RedisConfig{
			Addr:     cfg.Queue.RedisAddr,
			Username: cfg.Queue.RedisUsername,
			Password: cfg.Queue.RedisPassword,
			Input:    cfg.Queue.Input,
			Output:   cfg.Queue.Output,
		})
		if err != nil {
			return fmt.Errorf("creating queue: %w", err)
		}
		g.queue = q
	}
	if g.queue != nil {
		g.worker = queue.NewWorker(g.queue, g.handler, queue.WorkerConfig{
			Workers: cfg.Queue.Workers,
			Logger:  logger,
		})
	}

	if err := g.buildSearch(cfg, logger, o); err != nil {
		return err
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		g.grpcServer, g.healthServer = createGRPCServer()
	}

	g.monitor = NewMonitor(MonitorConfig{
		Credentials: g.credentials,
		Agents:      g.coordinator,
		Missing:     g.missing,
		Health:      g.healthServer,
		Logger:      logger,
	})

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// buildSearch wires the direct search consumer when an index is configured.
// It has its own credentials since tokens are issued per resource.
func (g *Gateway) buildSearch(cfg *config.Config, logger *slog.Logger, o options) error {
	if !cfg.Search.Enabled() {
		return nil
	}

	sq := o.searchQueue
	if sq == nil {
		if !cfg.Queue.Enabled {
			g.logger.Warn("search endpoint configured but the queue transport is off, search disabled")
			return nil
		}
		q, err := queue.NewRedisQueue(queue.RedisConfig{
			Addr:     cfg.Queue.RedisAddr,
			Username: cfg.Queue.RedisUsername,
			Password: cfg.Queue.RedisPassword,
			Input:    cfg.Search.Input,
			Output:   cfg.Search.Output,
		})
		if err != nil {
			return fmt.Errorf("creating search queue: %w", err)
		}
		sq = q
	}

	creds := credential.NewResolver(logger, credential.DefaultStrategies(credential.Options{
		APIKey:     cfg.Search.APIKey,
		Resource:   search.TokenResource,
		HTTPClient: o.httpClient,
	})...)
	client, err := search.NewClient(search.ClientConfig{
		Endpoint:    cfg.Search.Endpoint,
		Index:       cfg.Search.Index,
		APIVersion:  cfg.Search.APIVersion,
		Credentials: creds,
		HTTPClient:  o.httpClient,
		Logger:      logger,
	})
	if err != nil {
		_ = sq.Close()
		return fmt.Errorf("search: %w", err)
	}

	g.searchQueue = sq
	g.search = queue.NewSearchWorker(sq, client, queue.SearchConfig{
		WorkerConfig: queue.WorkerConfig{Workers: cfg.Search.Workers, Logger: logger},
		Top:          cfg.Search.Top,
	})
	return nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/api/health", g.handleAPIHealth)

	protect := func(h http.HandlerFunc) http.Handler { return h }
	if g.config.Auth.JWTSecret != "" {
		mw := auth.HTTPAuthMiddleware(auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret)))
		protect = func(h http.HandlerFunc) http.Handler { return mw(h) }
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("/api/chat", protect(g.handleChat))
	mux.Handle("GET /api/exchanges", protect(g.handleListExchanges))
	mux.Handle("GET /api/exchanges/stream", protect(g.handleExchangeStream))
	mux.Handle("GET /api/exchanges/{correlationId}", protect(g.handleGetExchange))
	mux.HandleFunc("OPTIONS /api/exchanges", g.handlePreflight)
	mux.HandleFunc("OPTIONS /api/exchanges/", g.handlePreflight)

	return withCORS(mux)
}

// Handler returns the HTTP handler, for embedding and tests.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) startServers(ctx context.Context, grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 3)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts every front-end and blocks until ctx is canceled or a server
// fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	// Background work stops before Shutdown runs.
	bgCtx, stopBackground := context.WithCancel(ctx)
	var bg sync.WaitGroup

	bg.Go(func() { g.monitor.Run(bgCtx, g.config.Health.ProbeInterval) })
	bg.Go(func() { g.pruneSessions(bgCtx) })
	if g.worker != nil {
		bg.Go(func() {
			if err := g.worker.Run(bgCtx); err != nil {
				g.logger.Error("queue worker stopped", "error", err)
			}
		})
	}
	if g.search != nil {
		bg.Go(func() {
			if err := g.search.Run(bgCtx); err != nil {
				g.logger.Error("search worker stopped", "error", err)
			}
		})
	}

	errCh := g.startServers(ctx, grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	shutdownErr := g.gracefulShutdown(&bg)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown(bg *sync.WaitGroup) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// HTTP drains while queue workers finish their in-flight messages.
	err := g.shutdownServers(ctx)
	bg.Wait()
	return errors.Join(err, g.Close())
}

// pruneSessions drops idle persisted sessions once per idle TTL.
func (g *Gateway) pruneSessions(ctx context.Context) {
	if !g.config.Sessions.Persist || g.config.Sessions.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(g.config.Sessions.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.sessions.PruneStore(ctx)
			if err != nil {
				g.logger.Warn("pruning idle sessions failed", "error", err)
				continue
			}
			if n > 0 {
				g.logger.Info("pruned idle sessions", "count", n)
			}
		}
	}
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "agent-relay", "tailscale"), nil
}

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

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		UserLogf: func(format string, args ...any) {
			g.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

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

func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	if g.healthServer != nil {
		g.healthServer.Shutdown()
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) shutdownServers(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	return errors.Join(errs...)
}

// Shutdown stops the servers and releases every resource. Background work
// started by Run must already be stopped.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return errors.Join(g.shutdownServers(ctx), g.Close())
}

// Close releases the queue, sessions, feed and store. It is idempotent.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		var errs []error
		if g.queue != nil {
			errs = appendCloseError(errs, "queue close", g.queue.Close())
		}
		if g.searchQueue != nil {
			errs = appendCloseError(errs, "search queue close", g.searchQueue.Close())
		}
		g.sessions.Close()
		g.feed.Close()
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

// unconfiguredService stands in for the remote client when no endpoint is
// configured. The handler rejects requests before it is reached.
type unconfiguredService struct{}

var errNotConfigured = errors.New("agent service endpoint not configured")

func (unconfiguredService) GetAgent(context.Context, string) (*remote.Agent, error) {
	return nil, errNotConfigured
}

func (unconfiguredService) CreateThread(context.Context) (*remote.Thread, error) {
	return nil, errNotConfigured
}

func (unconfiguredService) CreateMessage(context.Context, string, string, string) (*remote.Message, error) {
	return nil, errNotConfigured
}

func (unconfiguredService) CreateRun(context.Context, string, string) (*remote.Run, error) {
	return nil, errNotConfigured
}

func (unconfiguredService) GetRun(context.Context, string, string) (*remote.Run, error) {
	return nil, errNotConfigured
}

func (unconfiguredService) ListMessages(context.Context, string) ([]remote.Message, error) {
	return nil, errNotConfigured
}
