package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphide/graphide/internal/adapters/config/file"
	"github.com/graphide/graphide/internal/core/ports"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Service) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfigProvider uses a custom configuration provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Service) error {
		s.config = provider
		return nil
	}
}

// WithRunStore uses a custom run store instead of the one named by
// storage.type.
func WithRunStore(store ports.RunStore) Option {
	return func(s *Service) error {
		s.store = store
		return nil
	}
}

// WithEventPublisher uses a custom event publisher. The default writes
// events to the run store.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(s *Service) error {
		s.events = publisher
		return nil
	}
}

// WithGraphEngine uses a custom CPG engine instead of the Joern server.
func WithGraphEngine(engine ports.GraphEngine) Option {
	return func(s *Service) error {
		s.engine = engine
		return nil
	}
}

// WithGraphStore uses a custom flow graph store instead of Neo4j.
func WithGraphStore(graphs ports.FlowGraphStore) Option {
	return func(s *Service) error {
		s.graphs = graphs
		return nil
	}
}

// WithPatchApplier uses a custom patch applier instead of rewriting files
// in place.
func WithPatchApplier(applier ports.PatchApplier) Option {
	return func(s *Service) error {
		s.applier = applier
		return nil
	}
}

// WithHTTPClient sets the client used for model and webhook stages.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) error {
		s.httpClient = client
		return nil
	}
}

// WithMetricsRegistry registers pipeline metrics with reg and serves it at
// /metrics. The default is a fresh registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(s *Service) error {
		if reg == nil {
			return fmt.Errorf("metrics registry cannot be nil")
		}
		s.metricsReg = reg
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithTracing exports pipeline spans when the config enables tracing.
func WithTracing(version string) Option {
	return func(s *Service) error {
		s.tracing = true
		s.version = version
		return nil
	}
}
