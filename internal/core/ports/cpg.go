package ports

import (
	"context"
	"encoding/json"
)

// ImportSpec describes a source to import into a fresh engine project.
type ImportSpec struct {
	// Path is the source file on this host.
	Path string
	// Content overrides the file content when non-empty.
	Content string
	// Project is the unique project name to create.
	Project string
}

// GraphEngine is the code-property-graph engine collaborator.
// Implementations: Joern server (default).
type GraphEngine interface {
	// ImportProject imports the source into a new project and returns the
	// engine's handle for it.
	ImportProject(ctx context.Context, spec ImportSpec) (string, error)
	// RunQuery evaluates script against the project and returns the JSON
	// printed by the script's final expression, or nil when there is none.
	RunQuery(ctx context.Context, project, script string) (json.RawMessage, error)
	// DeleteProject removes the project and its graph.
	DeleteProject(ctx context.Context, project string) error
}
