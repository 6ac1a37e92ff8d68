// Package runtime wires configuration, storage, the CPG engine, stage
// clients and the orchestrator into a running service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphide/graphide/internal/adapters/apply/file"
	"github.com/graphide/graphide/internal/adapters/events/direct"
	"github.com/graphide/graphide/internal/adapters/storage"
	"github.com/graphide/graphide/internal/api"
	"github.com/graphide/graphide/internal/auth"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/cpg"
	"github.com/graphide/graphide/internal/cpg/joern"
	"github.com/graphide/graphide/internal/graphstore/neo4j"
	"github.com/graphide/graphide/internal/orchestrator"
	"github.com/graphide/graphide/internal/pipeline"
	"github.com/graphide/graphide/internal/pkg/config"
	"github.com/graphide/graphide/internal/registry"
	"github.com/graphide/graphide/internal/server"
	"github.com/graphide/graphide/internal/telemetry"
)

// pruneInterval is how often finished runs are evicted from memory.
const pruneInterval = time.Minute

// Service is the analysis service. It can serve HTTP, back the MCP server
// or run one-shot analyses from the CLI.
type Service struct {
	// Dependencies (injected via options)
	config     ports.ConfigProvider
	store      ports.RunStore
	events     ports.EventPublisher
	engine     ports.GraphEngine
	graphs     ports.FlowGraphStore
	applier    ports.PatchApplier
	httpClient *http.Client
	metricsReg *prometheus.Registry
	logger     *slog.Logger
	tracing    bool
	version    string

	// Built by Init
	cfg      *config.Config
	registry *registry.Registry
	sessions *cpg.Manager
	clients  *pipeline.Clients
	orch     *orchestrator.Orchestrator
	server   *server.Server

	closers []func(context.Context) error

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// New creates a Service with the given options.
// By default it reads config.yaml and builds everything else from it.
func New(opts ...Option) (*Service, error) {
	s := &Service{
		logger:     slog.Default(),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if s.config == nil {
		if err := WithFileConfig(config.DefaultPath)(s); err != nil {
			return nil, err
		}
	}
	if s.metricsReg == nil {
		s.metricsReg = prometheus.NewRegistry()
		s.metricsReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return s, nil
}

// Init loads the configuration and builds the pipeline without serving
// HTTP.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.orch != nil {
		return nil
	}

	cfg, err := s.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if s.tracing && cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer("graphide", s.version, nil, s.logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		s.closers = append(s.closers, shutdown)
	}

	if err := s.initStorage(cfg); err != nil {
		return err
	}
	if err := s.initGraphs(ctx, cfg); err != nil {
		return err
	}
	if s.engine == nil {
		s.engine = joern.New(joern.Config{
			URL:                  cfg.Joern.URL,
			Username:             cfg.Joern.Username,
			Password:             cfg.Joern.Password,
			Timeout:              cfg.Joern.Timeout,
			HostExchangeDir:      cfg.Joern.HostExchangeDir,
			ContainerExchangeDir: cfg.Joern.ContainerExchangeDir,
			Logger:               s.logger,
		})
	}
	if s.applier == nil {
		s.applier = file.New()
	}

	metrics := telemetry.NewMetrics(s.metricsReg)
	s.sessions = cpg.NewManager(s.engine, cpg.WithLogger(s.logger), cpg.WithObserver(metrics))
	s.registry = registry.New(
		registry.WithStore(s.store),
		registry.WithPublisher(s.events),
		registry.WithLogger(s.logger),
	)

	s.clients = pipeline.NewClients()
	if err := s.bindClients(s.clients, cfg.Pipeline.Stages); err != nil {
		return fmt.Errorf("bind stage clients: %w", err)
	}

	s.orch = orchestrator.New(s.clients, s.sessions, s.registry,
		orchestrator.WithSettings(settingsFrom(cfg)),
		orchestrator.WithApplier(s.applier),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(s.logger),
	)

	s.logger.Info("pipeline initialized",
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("graph_store", s.graphs != nil),
		slog.Any("stages", s.clients.Stages()))
	return nil
}

func (s *Service) initStorage(cfg *config.Config) error {
	if s.store == nil {
		store, err := storage.New(cfg.Storage)
		if err != nil {
			return fmt.Errorf("create run store: %w", err)
		}
		s.store = store
	}
	if s.store != nil {
		s.closers = append(s.closers, func(context.Context) error { return s.store.Close() })
	}
	if s.events == nil && s.store != nil {
		publisher, err := direct.NewPublisher(s.store, s.logger)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		s.events = publisher
	}
	if s.events != nil {
		s.closers = append(s.closers, func(context.Context) error { return s.events.Close() })
	}
	return nil
}

func (s *Service) initGraphs(ctx context.Context, cfg *config.Config) error {
	if s.graphs == nil && cfg.Neo4j.Enabled {
		graphs, err := neo4j.New(ctx, neo4j.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("connect graph store: %w", err)
		}
		s.graphs = graphs
	}
	if s.graphs != nil {
		s.closers = append(s.closers, s.graphs.Close)
	}
	return nil
}

// Start initializes the service, starts the HTTP server, and begins
// watching the config file and pruning finished runs.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.server = s.newServer(s.cfg)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Server.Port, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("server failed", slog.String("error", err.Error()))
		}
	}()

	s.watchConfig()
	s.wg.Add(1)
	go s.pruneLoop(s.cfg.Storage.Retention)

	s.logger.Info("service started", slog.Int("port", s.cfg.Server.Port))
	return nil
}

// newServer builds the HTTP server and its routes.
func (s *Service) newServer(cfg *config.Config) *server.Server {
	scfg := server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Public:         api.PublicPaths,
	}
	if cfg.Auth.Enabled {
		scfg.Authenticator = auth.NewAuthenticator(cfg.Auth.APIKeys)
	}
	srv := server.New(scfg, s.logger)
	api.New(s.orch,
		api.WithSessions(s.sessions),
		api.WithGraphStore(s.graphs),
		api.WithMetricsHandler(promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{})),
		api.WithLogger(s.logger),
	).Routes(srv.Router)
	return srv
}

// Handler returns the HTTP handler, building it when Start was not called.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		s.server = s.newServer(s.cfg)
	}
	return s.server.Router
}

// Orchestrator returns the orchestrator built by Init.
func (s *Service) Orchestrator() *orchestrator.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch
}

// Config returns the configuration currently in effect.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// watchConfig applies config file changes to the running pipeline.
func (s *Service) watchConfig() {
	onChange := func(cfg *config.Config) {
		s.logger.Info("config changed, reloading")
		if err := s.reload(cfg); err != nil {
			s.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload rebinds stage clients and updates the settings read by new runs.
// Runs in flight keep the settings they started with.
func (s *Service) reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bindClients(s.clients, cfg.Pipeline.Stages); err != nil {
		return fmt.Errorf("rebind stage clients: %w", err)
	}
	s.orch.UpdateSettings(settingsFrom(cfg))
	s.cfg = cfg

	s.logger.Info("reload complete", slog.Any("stages", s.clients.Stages()))
	return nil
}

func (s *Service) pruneLoop(retention time.Duration) {
	defer s.wg.Done()
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.Prune(retention); n > 0 {
				s.logger.Debug("pruned finished runs", slog.Int("count", n))
			}
		}
	}
}

// Shutdown stops the HTTP server, cancels in-flight runs, closes open CPG
// sessions and releases storage.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down service")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if s.orch != nil {
		if err := s.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown orchestrator: %w", err))
		}
	}
	if s.sessions != nil {
		s.sessions.CloseAll(ctx)
	}
	s.wg.Wait()

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Error("failed to release resource", slog.String("error", err.Error()))
		}
	}
	s.closers = nil

	if err := s.config.Close(); err != nil {
		s.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	s.logger.Info("service shutdown complete")
	return errors.Join(errs...)
}

// settingsFrom maps the pipeline config onto orchestrator settings.
func settingsFrom(cfg *config.Config) orchestrator.Settings {
	return orchestrator.Settings{
		RunDeadline:  cfg.Pipeline.RunDeadline,
		EnrichWait:   cfg.Pipeline.EnrichWait,
		SliceTimeout: cfg.Joern.Timeout,
		ApplyEnabled: cfg.Pipeline.Apply.Enabled,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts:     cfg.Pipeline.Retry.MaxAttempts,
			InitialInterval: cfg.Pipeline.Retry.InitialInterval,
			MaxInterval:     cfg.Pipeline.Retry.MaxInterval,
		},
	}
}
