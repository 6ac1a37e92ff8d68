package ports

import "context"

// ApplyResult reports what the patch applier did.
type ApplyResult struct {
	Applied bool   `json:"applied"`
	Diff    string `json:"diff,omitempty"`
}

// PatchApplier is the only collaborator allowed to change the user's files.
// It must only ever receive verified patch candidates.
type PatchApplier interface {
	ApplyPatch(ctx context.Context, filePath, originalCode, newCode string) (ApplyResult, error)
}
