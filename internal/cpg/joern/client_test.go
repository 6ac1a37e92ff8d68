package joern

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/testutil"
)

const vulnerableSource = `#include <string.h>
void copy(char *input) {
    char buf[8];
    strcpy(buf, input);
}
`

func TestClient_Session(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "joern_session")
	defer cleanup()

	hostDir := t.TempDir()
	c := New(Config{
		URL:                  "http://localhost:8080",
		HostExchangeDir:      hostDir,
		ContainerExchangeDir: "/data/exchange",
		HTTPClient:           testutil.VCRHTTPClient(r),
	})
	ctx := context.Background()

	project, err := c.ImportProject(ctx, ports.ImportSpec{
		Path:    "/src/copy.c",
		Content: vulnerableSource,
		Project: "graphide_test",
	})
	if err != nil {
		t.Fatalf("ImportProject() error = %v", err)
	}
	if project != "graphide_test" {
		t.Errorf("ImportProject() = %q, want graphide_test", project)
	}
	staged, err := os.ReadFile(filepath.Join(hostDir, "graphide_test", "copy.c"))
	if err != nil {
		t.Fatalf("staged source missing: %v", err)
	}
	if string(staged) != vulnerableSource {
		t.Errorf("staged source = %q", staged)
	}

	raw, err := c.RunQuery(ctx, project, `cpg.method.name("main").l`)
	if err != nil {
		t.Fatalf("RunQuery() error = %v", err)
	}
	want := `[[{"id":7,"line_number":4,"code":"strcpy(buf, input)"}]]`
	if string(raw) != want {
		t.Errorf("RunQuery() = %s, want %s", raw, want)
	}

	_, err = c.RunQuery(ctx, project, "cpg.foo.bar")
	if kind := domain.KindOf(err); kind != domain.ErrorInvalidResponse {
		t.Errorf("RunQuery() bad script kind = %q, want invalid_response (err = %v)", kind, err)
	}

	if err := c.DeleteProject(ctx, project); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(hostDir, "graphide_test")); !os.IsNotExist(err) {
		t.Errorf("staged dir still present after delete: %v", err)
	}
}

func TestClient_ImportMissingSourceIsFatal(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", HostExchangeDir: t.TempDir(), ContainerExchangeDir: "/data/exchange"})

	_, err := c.ImportProject(context.Background(), ports.ImportSpec{
		Path:    filepath.Join(t.TempDir(), "does-not-exist.c"),
		Project: "graphide_missing",
	})
	if kind := domain.KindOf(err); kind != domain.ErrorFatal {
		t.Fatalf("ImportProject() kind = %q, want fatal (err = %v)", kind, err)
	}
}

func TestClient_EngineDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, HostExchangeDir: t.TempDir(), ContainerExchangeDir: "/data/exchange"})
	_, err := c.RunQuery(context.Background(), "p", "cpg.call.l")
	if kind := domain.KindOf(err); kind != domain.ErrorUnavailable {
		t.Fatalf("RunQuery() kind = %q, want unavailable", kind)
	}
}

func TestClient_WaitingCallHonoursContext(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		w.Write([]byte(`{"success":true,"stdout":"val res: Unit = ()"}`))
	}))
	defer srv.Close()
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()

	c := New(Config{URL: srv.URL, HostExchangeDir: t.TempDir(), ContainerExchangeDir: "/data/exchange"})

	done := make(chan error, 1)
	go func() {
		_, err := c.RunQuery(context.Background(), "a", "cpg.call.l")
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.RunQuery(ctx, "b", "cpg.call.l")
	if kind := domain.KindOf(err); kind != domain.ErrorTimeout {
		t.Fatalf("RunQuery() kind = %q, want timeout (err = %v)", kind, err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("RunQuery() waited %v behind another call", waited)
	}

	unblock()
	if err := <-done; err != nil {
		t.Errorf("first RunQuery() error = %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
	}{
		{"triple quoted", `val res: String = """[1,2]"""`, `[1,2]`},
		{"last block wins", `a = """[1]"""` + "\n" + `b = """[2]"""`, `[2]`},
		{"bare json", "  [[]]\n", `[[]]`},
		{"no json", "val res: Unit = ()", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(extractJSON(tt.stdout)); got != tt.want {
				t.Errorf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}
