package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/graphide/graphide/internal/auth"
	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/pkg/config"
	"github.com/graphide/graphide/internal/storage/memory"
)

const source = "#include <string.h>\nvoid f(char *in) {\n  char b[4];\n  strcpy(b, in);\n}\n"

// staticProvider serves a fixed config and never changes.
type staticProvider struct{ cfg *config.Config }

func (p staticProvider) Load(ctx context.Context) (*config.Config, error) { return p.cfg, nil }
func (p staticProvider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	return nil
}
func (p staticProvider) Close() error { return nil }

type fakeEngine struct{}

func (fakeEngine) ImportProject(ctx context.Context, spec ports.ImportSpec) (string, error) {
	return spec.Project, nil
}

func (fakeEngine) RunQuery(ctx context.Context, project, script string) (json.RawMessage, error) {
	if strings.Contains(script, "toJsonPretty") {
		return json.RawMessage(`[[{"id":1,"line_number":2,"code":"f(char *in)"},{"id":2,"line_number":4,"code":"strcpy(b, in)"}]]`), nil
	}
	return nil, nil
}

func (fakeEngine) DeleteProject(ctx context.Context, project string) error { return nil }

// stageWebhooks answers querygen, detect and chat webhooks.
func stageWebhooks(t *testing.T) *httptest.Server {
	t.Helper()
	payloads := map[string]any{
		"/querygen": domain.QueryGenOutput{Queries: []string{`cpg.call.name("strcpy").argument.reachableByFlows(cpg.method.parameter).l`}},
		"/detect": domain.DetectOutput{
			Explanation: "strcpy copies attacker input into a 4 byte buffer",
			Findings: []domain.Finding{{
				Kind:     "buffer-overflow",
				Location: domain.Location{File: "/src/vuln.c", Line: 4},
				Message:  "unbounded copy into b",
			}},
		},
		"/chat": domain.ChatOutput{Reply: "use strncpy"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, ok := payloads[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer stage-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b, _ := json.Marshal(payload)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"outcome": "ok", "payload": json.RawMessage(b)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, webhookURL string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	webhook := func(path string) config.StageConfig {
		return config.StageConfig{Type: ClientWebhook, URL: webhookURL + path, APIKey: "stage-secret", Timeout: 5 * time.Second}
	}
	cfg.Pipeline.Stages.QueryGen = webhook("/querygen")
	cfg.Pipeline.Stages.Detect = webhook("/detect")
	cfg.Pipeline.Stages.Chat = config.StageConfig{Type: ClientNone}
	cfg.Pipeline.Apply.Enabled = false
	cfg.Pipeline.RunDeadline = 30 * time.Second
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	s, err := New(
		WithConfigProvider(staticProvider{cfg: cfg}),
		WithRunStore(memory.New()),
		WithGraphEngine(fakeEngine{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func TestService_AnalyzeOverHTTP(t *testing.T) {
	s := newTestService(t, testConfig(t, stageWebhooks(t).URL))

	body, _ := json.Marshal(domain.AnalysisRequest{FilePath: "/src/vuln.c", Language: "c", Content: source})
	req := httptest.NewRequest("POST", "/v1/analyses?wait=true", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var run domain.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("status = %s (failed stage %s, error %v), want completed", run.Status, run.FailedStage, run.Error)
	}
	if len(run.Findings) != 1 || run.Findings[0].Enrichment == nil || run.Findings[0].Enrichment.CWE != "CWE-120" {
		t.Errorf("findings = %+v, want one enriched with CWE-120", run.Findings)
	}
	if run.Visualization == nil || !strings.HasPrefix(run.Visualization.Diagram, "flowchart TD") {
		t.Errorf("visualization = %+v", run.Visualization)
	}
	if !strings.Contains(run.Report, "## Graphide analysis of `/src/vuln.c`") {
		t.Errorf("report = %q", run.Report)
	}

	// The finished run is persisted with its event trail.
	events, err := s.store.ListEvents(context.Background(), run.ID)
	if err != nil || len(events) == 0 {
		t.Errorf("ListEvents() = %d events, err %v", len(events), err)
	}
}

func TestService_Metrics(t *testing.T) {
	s := newTestService(t, testConfig(t, stageWebhooks(t).URL))
	if _, err := s.Orchestrator().Analyze(context.Background(), domain.AnalysisRequest{FilePath: "/src/vuln.c", Language: "c", Content: source}); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{"graphide_runs_total", "graphide_stage_duration_seconds"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestService_Auth(t *testing.T) {
	cfg := testConfig(t, stageWebhooks(t).URL)
	cfg.Auth = config.AuthConfig{
		Enabled: true,
		APIKeys: []config.APIKeyConfig{{KeyHash: auth.HashAPIKey("ide-key"), Description: "ide"}},
	}
	h := newTestService(t, cfg).Handler()

	tests := []struct {
		path string
		key  string
		want int
	}{
		{"/healthz", "", http.StatusOK},
		{"/v1/analyses", "", http.StatusUnauthorized},
		{"/v1/analyses", "wrong", http.StatusUnauthorized},
		{"/v1/analyses", "ide-key", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if tt.key != "" {
			req.Header.Set("Authorization", "Bearer "+tt.key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("GET %s with key %q = %d, want %d", tt.path, tt.key, rec.Code, tt.want)
		}
	}
}

func TestService_Reload(t *testing.T) {
	srv := stageWebhooks(t)
	s := newTestService(t, testConfig(t, srv.URL))
	if _, ok := s.clients.Lookup(domain.StageChat); ok {
		t.Fatal("chat bound before reload")
	}

	next := testConfig(t, srv.URL)
	next.Pipeline.RunDeadline = time.Minute
	next.Pipeline.Stages.Chat = config.StageConfig{Type: ClientWebhook, URL: srv.URL + "/chat", APIKey: "stage-secret", Timeout: time.Second}
	if err := s.reload(next); err != nil {
		t.Fatalf("reload() error = %v", err)
	}

	if got := s.Orchestrator().Settings().RunDeadline; got != time.Minute {
		t.Errorf("RunDeadline = %s, want 1m", got)
	}
	res := s.clients.Invoke(context.Background(), domain.StageChat, "", domain.ChatInput{Message: "fix?"})
	if !res.OK() {
		t.Fatalf("chat after reload = %+v", res.Error)
	}

	bad := testConfig(t, srv.URL)
	bad.Pipeline.Stages.Detect.Type = ClientMarkdown
	if err := s.reload(bad); err == nil {
		t.Error("reload() with a markdown detect stage succeeded")
	}
}

func TestStageClient_Types(t *testing.T) {
	s := &Service{logger: slog.Default(), httpClient: http.DefaultClient}

	tests := []struct {
		stage   domain.StageName
		typ     string
		wantNil bool
		wantErr bool
	}{
		{domain.StageQueryGen, ClientModel, false, false},
		{domain.StageDetect, ClientModel, false, false},
		{domain.StageChat, ClientModel, false, false},
		{domain.StageEnrich, ClientKnowledge, false, false},
		{domain.StageVisualize, ClientLocal, false, false},
		{domain.StageVerify, ClientTreeSitter, false, false},
		{domain.StageReport, ClientMarkdown, false, false},
		{domain.StageReport, ClientWebhook, false, false},
		{domain.StageChat, ClientNone, true, false},
		{domain.StageEnrich, ClientModel, false, true},
		{domain.StageDetect, ClientKnowledge, false, true},
		{domain.StageVerify, "magic", false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage)+"/"+tt.typ, func(t *testing.T) {
			client, err := s.stageClient(tt.stage, config.StageConfig{Type: tt.typ, URL: "http://localhost:1", Timeout: time.Second})
			if (err != nil) != tt.wantErr {
				t.Fatalf("stageClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (client == nil) != tt.wantNil {
				t.Errorf("stageClient() = %v, wantNil %v", client, tt.wantNil)
			}
		})
	}
}

func TestWebhookHeaders(t *testing.T) {
	got := webhookHeaders(config.StageConfig{APIKey: "k", Headers: map[string]string{"X-Team": "sec"}})
	if got["Authorization"] != "Bearer k" || got["X-Team"] != "sec" {
		t.Errorf("headers = %v", got)
	}

	got = webhookHeaders(config.StageConfig{APIKey: "k", Headers: map[string]string{"Authorization": "Token t"}})
	if got["Authorization"] != "Token t" {
		t.Errorf("explicit Authorization overridden: %v", got)
	}
}
