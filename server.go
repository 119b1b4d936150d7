package itinerd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/itinerd/internal/broadcast"
	"pkt.systems/itinerd/internal/clock"
	"pkt.systems/itinerd/internal/httpapi"
	"pkt.systems/itinerd/internal/lockmgr"
	"pkt.systems/itinerd/internal/lsf"
	"pkt.systems/itinerd/internal/pipeline"
	"pkt.systems/itinerd/internal/qrf"
	"pkt.systems/itinerd/internal/resilience"
	"pkt.systems/itinerd/internal/storage"
	loggingstore "pkt.systems/itinerd/internal/storage/logging"
	retrystore "pkt.systems/itinerd/internal/storage/retry"
	"pkt.systems/itinerd/internal/svcfields"
	"pkt.systems/itinerd/internal/upstream"
	"pkt.systems/pslog"
)

// ErrShuttingDown is reported by the readiness probe once Shutdown has begun.
var ErrShuttingDown = errors.New("itinerd: shutting down")

// Server wraps the HTTP server, lock store and coordination components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	store        storage.LockStore
	ownedStore   bool
	locks        *lockmgr.Manager
	hub          *broadcast.Hub
	invoker      *resilience.Invoker
	registry     *pipeline.Registry
	runner       *pipeline.Runner
	throttle     *qrf.Controller
	observer     *lsf.Observer
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	bgCancel  context.CancelFunc
	bgDone    sync.WaitGroup
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger            pslog.Logger
	Store             storage.LockStore
	Clock             clock.Clock
	OTLPEndpoint      string
	Agents            []pipeline.Agent
	UpstreamTransport http.RoundTripper
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStore injects a pre-built lock store (useful for tests). The server does
// not close injected stores.
func WithStore(s storage.LockStore) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithAgents registers in-process agents next to any remote agents declared in
// Config.Agents.
func WithAgents(agents ...pipeline.Agent) Option {
	return func(o *options) {
		o.Agents = append(o.Agents, agents...)
	}
}

// WithUpstreamTransport overrides the round tripper used for remote agents.
func WithUpstreamTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.UpstreamTransport = rt
	}
}

// NewServer constructs an itinerd server according to cfg.
// Example:
//
//	cfg := itinerd.Config{Store: "mem://", Listen: ":9351"}
//	srv, err := itinerd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ctx := context.Background()
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	if err := s.build(ctx, o, logger); err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, o options, logger pslog.Logger) error {
	cfg := s.cfg
	store := o.Store
	if store == nil {
		var err error
		store, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}
		s.ownedStore = true
	}
	s.store = store
	s.logger.Info("store.opened", "store", cfg.Store, "injected", !s.ownedStore)

	serverClock := clock.OrReal(o.Clock)
	cacheTTL := cfg.LockCacheTTL
	if cfg.DisableCache {
		cacheTTL = -1
	}
	lockStore := retrystore.Wrap(store, logger, serverClock, retrystore.Config{MaxAttempts: cfg.StoreRetryAttempts})
	locks, err := lockmgr.New(lockmgr.Config{
		Store:         loggingstore.Wrap(lockStore, svcfields.WithSubsystem(logger, "storage")),
		Clock:         serverClock,
		Logger:        logger,
		CacheTTL:      cacheTTL,
		SweepInterval: cfg.SweeperInterval,
		CASAttempts:   cfg.CASAttempts,
	})
	if err != nil {
		return err
	}
	s.locks = locks
	s.hub = broadcast.NewHub(broadcast.Config{
		BufferCapacity:      cfg.ReplayCapacity,
		Retention:           cfg.ReplayRetention,
		MaintenanceInterval: cfg.HubMaintenanceInterval,
		Clock:               serverClock,
		Logger:              logger,
	})
	s.invoker = resilience.NewInvoker(resilience.Config{
		Name:   "upstream",
		Policy: cfg.RetryPolicy(),
		Breaker: resilience.BreakerConfig{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		},
		Clock:  serverClock,
		Logger: logger,
	})

	s.registry = pipeline.NewRegistry()
	for _, agent := range o.Agents {
		if err := s.registry.Register(agent); err != nil {
			return err
		}
	}
	if cfg.UpstreamURL != "" {
		client, err := upstream.New(upstream.Config{
			BaseURL:   cfg.UpstreamURL,
			Timeout:   cfg.UpstreamTimeout,
			Transport: o.UpstreamTransport,
			Invoker:   s.invoker,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		specs, err := cfg.AgentSpecs()
		if err != nil {
			return err
		}
		for _, spec := range specs {
			if err := s.registry.Register(pipeline.NewHTTPAgent(spec.Capability, client, spec.Path)); err != nil {
				return err
			}
		}
	}
	s.logger.Info("pipeline.agents", "count", s.registry.Len())
	s.runner, err = pipeline.NewRunner(pipeline.RunnerConfig{
		Registry:       s.registry,
		Locks:          s.locks,
		Events:         s.hub,
		Invoker:        s.invoker,
		Clock:          serverClock,
		Logger:         logger,
		LockTTL:        cfg.RunLockTTL,
		AcquireTimeout: cfg.RunAcquireTimeout,
	})
	if err != nil {
		return err
	}

	s.throttle = qrf.NewController(cfg.QRFConfig(logger))
	s.observer = lsf.NewObserver(lsf.Config{
		Enabled:        cfg.QRFEnabled,
		SampleInterval: cfg.LSFSampleInterval,
		LogInterval:    time.Minute,
	}, s.throttle, logger)

	s.handler, err = httpapi.New(httpapi.Config{
		Locks:           s.locks,
		Hub:             s.hub,
		Runner:          s.runner,
		Registry:        s.registry,
		Invoker:         s.invoker,
		Logger:          logger,
		Observer:        s.observer,
		Throttle:        s.throttle,
		JSONMaxBytes:    cfg.JSONMaxBytes,
		PublishMaxBytes: cfg.PublishMaxBytes,
		DefaultLockTTL:  cfg.DefaultLockTTL,
		MaxLockTTL:      cfg.MaxLockTTL,
		SSEIdleTimeout:  cfg.SSEIdleTimeout,
		SSEHeartbeat:    cfg.SSEHeartbeat,
		SSEQueueSize:    cfg.SSEQueueSize,
		TracingEnabled:  cfg.TracingEnabled,
		Ready:           s.ready,
	})
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	return nil
}

// abort releases whatever a failed NewServer managed to build.
func (s *Server) abort() {
	if s.ownedStore && s.store != nil {
		_ = s.store.Close()
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.telemetry.Shutdown(ctx)
		cancel()
	}
}

func (s *Server) ready(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShuttingDown
	}
	return nil
}

// Handler returns the underlying HTTP handler so itinerd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Locks exposes the lock manager for embedding programs.
func (s *Server) Locks() *lockmgr.Manager { return s.locks }

// Hub exposes the broadcast hub for embedding programs.
func (s *Server) Hub() *broadcast.Hub { return s.hub }

// Runner exposes the pipeline runner.
func (s *Server) Runner() *pipeline.Runner { return s.runner }

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.startBackground()
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. In-flight runs are cancelled and their locks released, event streams
// are completed, and the HTTP server drains before the store is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	s.logger.Info("server.shutdown.begin")

	var errs []error
	if err := s.runner.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runner close: %w", err))
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopBackground()
	if s.ownedStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

// startBackground runs the lock sweeper, hub maintenance and load sampling
// until Shutdown.
func (s *Server) startBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bgCancel != nil || s.shutdown {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.bgDone.Add(2)
	go func() {
		defer s.bgDone.Done()
		s.locks.Run(ctx)
	}()
	go func() {
		defer s.bgDone.Done()
		s.hub.Run(ctx)
	}()
	s.observer.Start(ctx)
}

func (s *Server) stopBackground() {
	s.mu.Lock()
	cancel := s.bgCancel
	s.bgCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.bgDone.Wait()
		s.observer.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts an itinerd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	srv, stop, err := itinerd.StartServer(ctx, itinerd.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	waitCtx, cancelWait := context.WithCancel(waitCtx)
	defer cancelWait()
	readyCh := make(chan error, 1)
	go func() { readyCh <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-readyCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		srv.abort()
		if err == nil {
			err = errors.New("itinerd: server exited before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
