// Package graphide provides the public API for embedding the analysis
// service. This is the stable API for external consumers.
package graphide

import (
	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/runtime"
)

// Service is the analysis service.
// See internal/runtime.Service for full documentation.
type Service = runtime.Service

// Option is a functional option for configuring a Service.
type Option = runtime.Option

// Core types exchanged with the service.
type (
	AnalysisRequest = domain.AnalysisRequest
	Run             = domain.Run
	RunStatus       = domain.RunStatus
	Finding         = domain.Finding
	PatchCandidate  = domain.PatchCandidate
	Slice           = domain.Slice
	StageResult     = domain.StageResult
	StageError      = domain.StageError
)

// Collaborator interfaces that embedders may replace.
type (
	ConfigProvider = ports.ConfigProvider
	RunStore       = ports.RunStore
	EventPublisher = ports.EventPublisher
	GraphEngine    = ports.GraphEngine
	FlowGraphStore = ports.FlowGraphStore
	PatchApplier   = ports.PatchApplier
	StageClient    = ports.StageClient
)

// Terminal run states.
const (
	RunCompleted       = domain.RunCompleted
	RunPartiallyFailed = domain.RunPartiallyFailed
	RunFailed          = domain.RunFailed
)

// New creates a new Service with the given options.
// Example:
//
//	svc, err := graphide.New(
//	    graphide.WithFileConfig("config.yaml"),
//	)
//	if err != nil { ... }
//	err = svc.Start(ctx)
var New = runtime.New

// Configuration options
var (
	WithFileConfig      = runtime.WithFileConfig
	WithConfigProvider  = runtime.WithConfigProvider
	WithRunStore        = runtime.WithRunStore
	WithEventPublisher  = runtime.WithEventPublisher
	WithGraphEngine     = runtime.WithGraphEngine
	WithGraphStore      = runtime.WithGraphStore
	WithPatchApplier    = runtime.WithPatchApplier
	WithHTTPClient      = runtime.WithHTTPClient
	WithMetricsRegistry = runtime.WithMetricsRegistry
	WithLogger          = runtime.WithLogger
	WithTracing         = runtime.WithTracing
)
