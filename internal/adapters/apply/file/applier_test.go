package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sourcegraph/go-diff/diff"
)

const source = `#include <string.h>

int copy(char *input) {
    char buf[8];
    strcpy(buf, input);
    return 0;
}
`

func writeSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vuln.c")
	if err := os.WriteFile(path, []byte(source), 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyPatch_ReplacesFirstOccurrence(t *testing.T) {
	path := writeSource(t)

	res, err := New().ApplyPatch(context.Background(), path, "strcpy(buf, input);", "strncpy(buf, input, sizeof(buf) - 1);")
	if err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}
	if !res.Applied {
		t.Fatal("ApplyPatch() applied = false")
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "strncpy(buf, input, sizeof(buf) - 1);") || strings.Contains(string(data), "strcpy(buf") {
		t.Errorf("file not patched:\n%s", data)
	}
	if info, _ := os.Stat(path); info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}

	fd, err := diff.ParseFileDiff([]byte(res.Diff))
	if err != nil {
		t.Fatalf("ParseFileDiff() error = %v\n%s", err, res.Diff)
	}
	if len(fd.Hunks) != 1 {
		t.Fatalf("hunks = %d, want 1", len(fd.Hunks))
	}
	h := fd.Hunks[0]
	if h.OrigStartLine != 2 || h.OrigLines != 6 || h.NewLines != 6 {
		t.Errorf("hunk = @@ -%d,%d +%d,%d @@", h.OrigStartLine, h.OrigLines, h.NewStartLine, h.NewLines)
	}
	if !strings.Contains(string(h.Body), "-    strcpy(buf, input);\n+    strncpy(buf, input, sizeof(buf) - 1);\n") {
		t.Errorf("hunk body:\n%s", h.Body)
	}
}

func TestApplyPatch_WholeFile(t *testing.T) {
	path := writeSource(t)
	replacement := strings.Replace(source, "strcpy(buf, input);", "snprintf(buf, sizeof(buf), \"%s\", input);", 1)

	res, err := New().ApplyPatch(context.Background(), path, source, strings.TrimSuffix(replacement, "\n"))
	if err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != replacement {
		t.Errorf("file =\n%s\nwant\n%s", data, replacement)
	}
	if !res.Applied || res.Diff == "" {
		t.Errorf("ApplyPatch() = %+v", res)
	}
}

func TestApplyPatch_OriginalMissing(t *testing.T) {
	path := writeSource(t)

	_, err := New().ApplyPatch(context.Background(), path, "gets(buf);", "fgets(buf, 8, stdin);")
	if !errors.Is(err, ErrOriginalNotFound) {
		t.Fatalf("ApplyPatch() error = %v, want ErrOriginalNotFound", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != source {
		t.Error("file changed despite failed patch")
	}
}

func TestApplyPatch_OutsideRoot(t *testing.T) {
	path := writeSource(t)

	_, err := New(WithRoot(t.TempDir())).ApplyPatch(context.Background(), path, "strcpy(buf, input);", "x();")
	if err == nil || !strings.Contains(err.Error(), "outside") {
		t.Fatalf("ApplyPatch() error = %v, want outside root", err)
	}
}

func TestDiff_Append(t *testing.T) {
	out, err := Diff("a.txt", "one\n", "one\ntwo\n")
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !strings.HasPrefix(out, "--- a/a.txt\n+++ b/a.txt\n") {
		t.Errorf("Diff() header:\n%s", out)
	}
	fd, err := diff.ParseFileDiff([]byte(out))
	if err != nil {
		t.Fatalf("ParseFileDiff() error = %v", err)
	}
	h := fd.Hunks[0]
	if h.OrigStartLine != 1 || h.OrigLines != 1 || h.NewLines != 2 || string(h.Body) != " one\n+two\n" {
		t.Errorf("hunk = %+v body %q", h, h.Body)
	}
}
