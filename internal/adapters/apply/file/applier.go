// Package file applies verified patches to files on the local disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/graphide/graphide/internal/core/ports"
)

// ErrOriginalNotFound is returned when the code a patch replaces is no
// longer in the file.
var ErrOriginalNotFound = errors.New("original code not found in file")

// contextLines is the unified diff context size.
const contextLines = 3

// Applier rewrites files in place.
type Applier struct {
	root string
}

// Option configures an Applier.
type Option func(*Applier)

// WithRoot refuses patches to files outside dir.
func WithRoot(dir string) Option {
	return func(a *Applier) { a.root = filepath.Clean(dir) }
}

// New creates a file applier.
func New(opts ...Option) *Applier {
	a := &Applier{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApplyPatch replaces the first occurrence of originalCode with newCode, or
// the whole file when originalCode is the whole file, and returns the
// unified diff of the change.
func (a *Applier) ApplyPatch(ctx context.Context, filePath, originalCode, newCode string) (ports.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.ApplyResult{}, err
	}
	path, err := a.resolve(filePath)
	if err != nil {
		return ports.ApplyResult{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return ports.ApplyResult{}, fmt.Errorf("stat %s: %w", filePath, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ports.ApplyResult{}, fmt.Errorf("read %s: %w", filePath, err)
	}
	content := string(data)

	var updated string
	switch {
	case strings.TrimSpace(originalCode) == strings.TrimSpace(content):
		updated = newCode
		if strings.HasSuffix(content, "\n") && !strings.HasSuffix(updated, "\n") {
			updated += "\n"
		}
	case originalCode != "" && strings.Contains(content, originalCode):
		updated = strings.Replace(content, originalCode, newCode, 1)
	default:
		return ports.ApplyResult{}, fmt.Errorf("patch %s: %w", filePath, ErrOriginalNotFound)
	}

	if updated == content {
		return ports.ApplyResult{Applied: false}, nil
	}

	unified, err := Diff(filePath, content, updated)
	if err != nil {
		return ports.ApplyResult{}, err
	}
	if err := writeFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return ports.ApplyResult{}, fmt.Errorf("write %s: %w", filePath, err)
	}
	return ports.ApplyResult{Applied: true, Diff: unified}, nil
}

func (a *Applier) resolve(filePath string) (string, error) {
	path, err := filepath.Abs(filePath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", filePath, err)
	}
	if a.root == "" {
		return path, nil
	}
	root, err := filepath.Abs(a.root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", filePath, a.root)
	}
	return path, nil
}

// writeFile replaces path through a temporary file in the same directory.
func writeFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Diff renders the change from before to after as a single-hunk unified
// diff around the changed lines.
func Diff(name, before, after string) (string, error) {
	a, b := splitLines(before), splitLines(after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	start := max(prefix-contextLines, 0)
	endA := min(len(a)-suffix+contextLines, len(a))
	endB := min(len(b)-suffix+contextLines, len(b))

	var body strings.Builder
	for _, l := range a[start:prefix] {
		body.WriteString(" " + l + "\n")
	}
	for _, l := range a[prefix : len(a)-suffix] {
		body.WriteString("-" + l + "\n")
	}
	for _, l := range b[prefix : len(b)-suffix] {
		body.WriteString("+" + l + "\n")
	}
	for _, l := range a[len(a)-suffix : endA] {
		body.WriteString(" " + l + "\n")
	}

	hunk := &diff.Hunk{
		OrigStartLine: int32(start + 1),
		OrigLines:     int32(endA - start),
		NewStartLine:  int32(start + 1),
		NewLines:      int32(endB - start),
		Body:          []byte(body.String()),
	}
	if hunk.OrigLines == 0 {
		hunk.OrigStartLine = int32(start)
	}
	if hunk.NewLines == 0 {
		hunk.NewStartLine = int32(start)
	}

	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + filepath.ToSlash(name),
		NewName:  "b/" + filepath.ToSlash(name),
		Hunks:    []*diff.Hunk{hunk},
	})
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return string(out), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

var _ ports.PatchApplier = (*Applier)(nil)
