package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/cpg"
	"github.com/graphide/graphide/internal/pipeline"
	"github.com/graphide/graphide/internal/registry"
)

const vulnSource = "#include <string.h>\nvoid f(char *in) {\n  char b[4];\n  strcpy(b, in);\n}\n"

const flows = `[[{"id":1,"line_number":2,"code":"f(in)"},{"id":2,"line_number":4,"code":"strcpy(b, in)"},{"id":3,"code":"<unknown>"}]]`

// fakeEngine is a graph engine that serves canned flows for every project.
type fakeEngine struct {
	mu        sync.Mutex
	imports   []string
	deletes   []string
	importErr error
	queryErr  error
	answer    string
	// hang makes imports create the project and then outlive ctx.
	hang bool
}

func (e *fakeEngine) ImportProject(ctx context.Context, spec ports.ImportSpec) (string, error) {
	if e.hang {
		e.mu.Lock()
		e.imports = append(e.imports, spec.Project)
		e.mu.Unlock()
		<-ctx.Done()
		return "", domain.AsStageError(ctx.Err())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.importErr != nil {
		return "", e.importErr
	}
	e.imports = append(e.imports, spec.Project)
	return spec.Project, nil
}

func (e *fakeEngine) RunQuery(ctx context.Context, project, script string) (json.RawMessage, error) {
	if strings.Contains(script, "toJsonPretty") {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.queryErr != nil {
			return nil, e.queryErr
		}
		return json.RawMessage(e.answer), nil
	}
	return nil, nil
}

func (e *fakeEngine) DeleteProject(ctx context.Context, project string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deletes = append(e.deletes, project)
	return nil
}

func (e *fakeEngine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.imports), len(e.deletes)
}

// fakeApplier records every patch it is handed.
type fakeApplier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *fakeApplier) ApplyPatch(ctx context.Context, filePath, originalCode, newCode string) (ports.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, newCode)
	if a.err != nil {
		return ports.ApplyResult{}, a.err
	}
	return ports.ApplyResult{Applied: true, Diff: "-" + originalCode + "\n+" + newCode}, nil
}

func reply(v any) ports.StageClientFunc {
	return func(ctx context.Context, req *ports.StageRequest, _ time.Duration) domain.StageResult {
		b, _ := json.Marshal(v)
		now := time.Now()
		return domain.OKResult(req.Stage, b, now, now)
	}
}

func failWith(kind domain.ErrorKind) ports.StageClientFunc {
	return func(ctx context.Context, req *ports.StageRequest, _ time.Duration) domain.StageResult {
		now := time.Now()
		return domain.ErrorResult(req.Stage, domain.NewStageError(kind, "%s failed", req.Stage), now, now)
	}
}

// blockUntilDone never answers before ctx or the stage timeout ends.
func blockUntilDone(started chan<- struct{}) ports.StageClientFunc {
	var once sync.Once
	return func(ctx context.Context, req *ports.StageRequest, timeout time.Duration) domain.StageResult {
		if started != nil {
			once.Do(func() { close(started) })
		}
		now := time.Now()
		select {
		case <-ctx.Done():
			return domain.ErrorResult(req.Stage, domain.NewStageError(domain.KindOf(ctx.Err()), "%v", ctx.Err()), now, time.Now())
		case <-time.After(timeout):
			return domain.ErrorResult(req.Stage, domain.NewStageError(domain.ErrorTimeout, "no answer within %s", timeout), now, time.Now())
		}
	}
}

func detection(n int) domain.DetectOutput {
	out := domain.DetectOutput{Explanation: "strcpy into a fixed buffer"}
	for i := 0; i < n; i++ {
		out.Findings = append(out.Findings, domain.Finding{
			Kind:     "buffer-overflow",
			Location: domain.Location{Line: 4},
			Evidence: 0,
			Message:  fmt.Sprintf("overflow %d", i),
		})
	}
	out.Patches = []domain.PatchCandidate{{
		OriginalCode: "strcpy(b, in);",
		ProposedCode: "strncpy(b, in, sizeof(b) - 1);",
		// Detectors cannot pre-verify their own patches.
		Verification: domain.Verification{State: domain.Valid},
	}}
	return out
}

type harness struct {
	t       *testing.T
	engine  *fakeEngine
	applier *fakeApplier
	clients *pipeline.Clients
	reg     *registry.Registry
	orch    *Orchestrator

	enrichInputs chan domain.EnrichInput
}

func testSettings() Settings {
	return Settings{
		RunDeadline:  5 * time.Second,
		EnrichWait:   time.Second,
		SliceTimeout: time.Second,
		ApplyEnabled: true,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		},
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:            t,
		engine:       &fakeEngine{answer: flows},
		applier:      &fakeApplier{},
		clients:      pipeline.NewClients(),
		reg:          registry.New(),
		enrichInputs: make(chan domain.EnrichInput, 1),
	}

	h.bind(domain.StageQueryGen, reply(domain.QueryGenOutput{Queries: []string{
		`def src = cpg.method.name("f").parameter`,
		`cpg.call.name("strcpy").argument.reachableByFlows(src).l`,
	}}))
	h.bind(domain.StageDetect, reply(detection(1)))
	h.bind(domain.StageEnrich, func(ctx context.Context, req *ports.StageRequest, _ time.Duration) domain.StageResult {
		var in domain.EnrichInput
		json.Unmarshal(req.Payload, &in)
		select {
		case h.enrichInputs <- in:
		default:
		}
		return reply(domain.EnrichOutput{Enrichments: []domain.Enrichment{
			{Kind: "buffer-overflow", CWE: "CWE-120", Severity: "high"},
		}})(ctx, req, 0)
	})
	h.bind(domain.StageVisualize, reply(domain.Visualization{Format: "mermaid", Diagram: "flowchart TD"}))
	h.bind(domain.StageVerify, reply(domain.VerifyOutput{Valid: true}))
	h.bind(domain.StageReport, reply(domain.ReportOutput{Markdown: "# Report"}))

	sessions := cpg.NewManager(h.engine)
	all := append([]Option{WithSettings(testSettings()), WithApplier(h.applier)}, opts...)
	h.orch = New(h.clients, sessions, h.reg, all...)
	t.Cleanup(func() { h.orch.Shutdown(context.Background()) })
	return h
}

func (h *harness) bind(stage domain.StageName, fn ports.StageClientFunc) {
	h.clients.Bind(stage, fn, 200*time.Millisecond)
}

func (h *harness) analyze() *domain.Run {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.orch.Analyze(ctx, request())
	if err != nil {
		h.t.Fatalf("Analyze() error = %v", err)
	}
	return run
}

func (h *harness) assertSessionsReleased() {
	h.t.Helper()
	imports, deletes := h.engine.counts()
	if imports != deletes {
		h.t.Errorf("cpg imports = %d, deletes = %d; every session must be closed exactly once", imports, deletes)
	}
}

func request() domain.AnalysisRequest {
	return domain.AnalysisRequest{FilePath: "/src/vuln.c", Language: "c", Content: vulnSource}
}

func stageOutcome(t *testing.T, run *domain.Run, stage domain.StageName) domain.StageResult {
	t.Helper()
	res, ok := run.Stage(stage)
	if !ok {
		t.Fatalf("stage %s not recorded; stages = %v", stage, stageNames(run))
	}
	return res
}

func stageNames(run *domain.Run) []domain.StageName {
	names := make([]domain.StageName, len(run.Stages))
	for i, s := range run.Stages {
		names[i] = s.Stage
	}
	return names
}

func TestAnalyze_Completed(t *testing.T) {
	h := newHarness(t)
	run := h.analyze()

	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed; error = %v", run.Status, run.Error)
	}
	if run.Partial {
		t.Error("Partial = true, want false")
	}

	names := stageNames(run)
	if len(names) != 9 {
		t.Fatalf("stages = %v, want 9", names)
	}
	if names[0] != domain.StageQueryGen || names[1] != domain.StageSlicing {
		t.Errorf("stages start with %v", names[:2])
	}
	want := []domain.StageName{domain.StageAggregate, domain.StageVisualize, domain.StageVerify, domain.StageApply, domain.StageReport}
	for i, s := range want {
		if names[4+i] != s {
			t.Errorf("stages[%d] = %q, want %q", 4+i, names[4+i], s)
		}
	}

	if run.Slice == nil || len(run.Slice.Paths) != 1 || run.Slice.Dropped != 1 {
		t.Fatalf("Slice = %+v, want one path and one dropped node", run.Slice)
	}
	if got := run.Slice.Paths[0].Nodes[1].Code; got != "strcpy(b, in);" {
		t.Errorf("slice code = %q, want source line", got)
	}

	if len(run.Findings) != 1 {
		t.Fatalf("Findings = %d, want 1", len(run.Findings))
	}
	f := run.Findings[0]
	if f.ID != "f-1" || f.Location.File != "/src/vuln.c" {
		t.Errorf("finding identity = %q at %q", f.ID, f.Location.File)
	}
	if f.Enrichment == nil || f.Enrichment.CWE != "CWE-120" {
		t.Errorf("Enrichment = %+v, want CWE-120", f.Enrichment)
	}

	if len(run.Patches) != 1 || !run.Patches[0].Verified() || !run.Patches[0].Applied {
		t.Errorf("Patches = %+v, want one verified applied patch", run.Patches)
	}
	if len(h.applier.calls) != 1 {
		t.Errorf("applier calls = %d, want 1", len(h.applier.calls))
	}
	if run.Visualization == nil || run.Visualization.Format != "mermaid" {
		t.Errorf("Visualization = %+v", run.Visualization)
	}
	if run.Report != "# Report" {
		t.Errorf("Report = %q", run.Report)
	}
	if run.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	select {
	case in := <-h.enrichInputs:
		if len(in.Findings) != 1 {
			t.Errorf("enrichment saw %d findings, want 1", len(in.Findings))
		}
	default:
		t.Error("enrichment was not called")
	}
	h.assertSessionsReleased()
}

func TestAnalyze_RejectedPatchIsNeverApplied(t *testing.T) {
	h := newHarness(t)
	h.bind(domain.StageVerify, reply(domain.VerifyOutput{Valid: false, Errors: []string{"line 1: syntax error"}}))

	run := h.analyze()

	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	apply := stageOutcome(t, run, domain.StageApply)
	if apply.Outcome != domain.OutcomeSkipped {
		t.Errorf("apply outcome = %q, want skipped", apply.Outcome)
	}
	if len(h.applier.calls) != 0 {
		t.Errorf("applier called %d times with an invalid patch", len(h.applier.calls))
	}
	if got := run.Patches[0].Verification; got.State != domain.Invalid || got.Errors[0] != "line 1: syntax error" {
		t.Errorf("Verification = %+v", got)
	}
}

func TestAnalyze_DetectionOutputStartsUnverified(t *testing.T) {
	h := newHarness(t)
	// The verifier is unreachable, so the detector's own "valid" claim must
	// not let the patch through.
	h.bind(domain.StageVerify, failWith(domain.ErrorFatal))

	run := h.analyze()

	if run.Status != domain.RunPartiallyFailed {
		t.Fatalf("Status = %q, want partially_failed", run.Status)
	}
	if got := run.Patches[0].Verification.State; got != domain.Unverified {
		t.Errorf("Verification.State = %q, want unverified", got)
	}
	if len(run.Patches[0].Verification.Errors) == 0 {
		t.Error("verifier error not surfaced on the candidate")
	}
	if len(h.applier.calls) != 0 {
		t.Errorf("applier called %d times with an unverified patch", len(h.applier.calls))
	}
	if stageOutcome(t, run, domain.StageVerify).Outcome != domain.OutcomeError {
		t.Error("verify outcome should be error when every call failed")
	}
}

func TestAnalyze_DetectionFailure(t *testing.T) {
	h := newHarness(t)
	h.bind(domain.StageDetect, failWith(domain.ErrorRejected))

	run := h.analyze()

	if run.Status != domain.RunFailed {
		t.Fatalf("Status = %q, want failed", run.Status)
	}
	if run.FailedStage != domain.StageDetect {
		t.Errorf("FailedStage = %q, want detect", run.FailedStage)
	}
	if run.Error == nil || run.Error.Kind != domain.ErrorRejected {
		t.Errorf("Error = %v, want rejected", run.Error)
	}
	for _, s := range []domain.StageName{domain.StageAggregate, domain.StageVisualize, domain.StageVerify, domain.StageApply, domain.StageReport} {
		if _, ok := run.Stage(s); ok {
			t.Errorf("stage %s recorded after detection failed", s)
		}
	}
	if detect := stageOutcome(t, run, domain.StageDetect); detect.Attempts != 1 {
		t.Errorf("detect attempts = %d, want 1 for a non-transient error", detect.Attempts)
	}
	h.assertSessionsReleased()
}

func TestAnalyze_EnrichmentTimeoutIsPartial(t *testing.T) {
	h := newHarness(t)
	h.bind(domain.StageDetect, reply(detection(2)))
	h.clients.Bind(domain.StageEnrich, blockUntilDone(nil), 20*time.Millisecond)

	run := h.analyze()

	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	if !run.Partial {
		t.Error("Partial = false, want true")
	}
	if len(run.Findings) != 2 {
		t.Fatalf("Findings = %d, want 2", len(run.Findings))
	}
	for _, f := range run.Findings {
		if f.Enrichment != nil {
			t.Errorf("finding %s has enrichment %+v", f.ID, f.Enrichment)
		}
	}
	if run.Findings[0].ID == run.Findings[1].ID {
		t.Errorf("finding ids collide: %q", run.Findings[0].ID)
	}

	enrich := stageOutcome(t, run, domain.StageEnrich)
	if enrich.Outcome != domain.OutcomeError || enrich.Error.Kind != domain.ErrorTimeout {
		t.Errorf("enrich = %+v, want timeout error", enrich)
	}
	if enrich.Attempts != 3 {
		t.Errorf("enrich attempts = %d, want 3", enrich.Attempts)
	}
}

func TestAnalyze_RetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.bind(domain.StageQueryGen, func(ctx context.Context, req *ports.StageRequest, timeout time.Duration) domain.StageResult {
		if calls.Add(1) < 3 {
			return failWith(domain.ErrorUnavailable)(ctx, req, timeout)
		}
		return reply(domain.QueryGenOutput{Queries: []string{"cpg.call.reachableByFlows(cpg.method.parameter).l"}})(ctx, req, timeout)
	})

	run := h.analyze()

	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed; error = %v", run.Status, run.Error)
	}
	if got := stageOutcome(t, run, domain.StageQueryGen).Attempts; got != 3 {
		t.Errorf("querygen attempts = %d, want 3", got)
	}
}

func TestAnalyze_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.bind(domain.StageQueryGen, failWith(domain.ErrorRateLimited))

	run := h.analyze()

	if run.Status != domain.RunFailed || run.FailedStage != domain.StageQueryGen {
		t.Fatalf("run = %s at %s, want failed at querygen", run.Status, run.FailedStage)
	}
	qg := stageOutcome(t, run, domain.StageQueryGen)
	if qg.Attempts != 3 || qg.Error.Kind != domain.ErrorRateLimited {
		t.Errorf("querygen = %d attempts, kind %q", qg.Attempts, qg.Error.Kind)
	}
	if imports, _ := h.engine.counts(); imports != 0 {
		t.Errorf("cpg imports = %d, want 0", imports)
	}
}

func TestAnalyze_NoQueriesIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.bind(domain.StageQueryGen, reply(domain.QueryGenOutput{Queries: []string{"  "}}))

	run := h.analyze()

	if run.Status != domain.RunFailed {
		t.Fatalf("Status = %q, want failed", run.Status)
	}
	if run.Error.Kind != domain.ErrorInvalidResponse {
		t.Errorf("Error.Kind = %q, want invalid_response", run.Error.Kind)
	}
}

func TestAnalyze_ImportFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.engine.importErr = domain.NewStageError(domain.ErrorFatal, "path does not exist")

	run := h.analyze()

	if run.Status != domain.RunFailed || run.FailedStage != domain.StageSlicing {
		t.Fatalf("run = %s at %s, want failed at slicing", run.Status, run.FailedStage)
	}
	if run.Error.Kind != domain.ErrorFatal {
		t.Errorf("Error.Kind = %q, want fatal", run.Error.Kind)
	}
	if got := stageOutcome(t, run, domain.StageSlicing).Attempts; got != 1 {
		t.Errorf("slicing attempts = %d, want 1", got)
	}
	if _, deletes := h.engine.counts(); deletes != 0 {
		t.Errorf("deletes = %d, want 0 when nothing was imported", deletes)
	}
}

func TestAnalyze_UnreadableSource(t *testing.T) {
	h := newHarness(t, WithFileReader(func(string) ([]byte, error) { return nil, os.ErrNotExist }))

	ctx := context.Background()
	run, err := h.orch.Analyze(ctx, domain.AnalysisRequest{FilePath: "/missing.c", Language: "c"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if run.Status != domain.RunFailed || run.FailedStage != domain.StageSlicing {
		t.Fatalf("run = %s at %s, want failed at slicing", run.Status, run.FailedStage)
	}
	if run.Error.Kind != domain.ErrorFatal {
		t.Errorf("Error.Kind = %q, want fatal", run.Error.Kind)
	}
	if got := stageOutcome(t, run, domain.StageQueryGen).Outcome; got != domain.OutcomeSkipped {
		t.Errorf("querygen outcome = %q, want skipped", got)
	}
	for _, s := range []domain.StageName{domain.StageDetect, domain.StageEnrich, domain.StageVerify, domain.StageApply} {
		if _, ok := run.Stage(s); ok {
			t.Errorf("stage %s recorded after the import failed", s)
		}
	}
	if imports, deletes := h.engine.counts(); imports != 0 || deletes != 0 {
		t.Errorf("cpg imports = %d, deletes = %d, want none", imports, deletes)
	}
}

func TestAnalyze_EmptySlice(t *testing.T) {
	h := newHarness(t)
	h.engine.answer = `[]`

	run := h.analyze()

	if run.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want completed", run.Status)
	}
	if len(run.Findings) != 0 {
		t.Errorf("Findings = %d, want 0", len(run.Findings))
	}
	for _, s := range []domain.StageName{domain.StageDetect, domain.StageEnrich, domain.StageVisualize, domain.StageVerify, domain.StageApply} {
		if got := stageOutcome(t, run, s).Outcome; got != domain.OutcomeSkipped {
			t.Errorf("%s outcome = %q, want skipped", s, got)
		}
	}
	if got := stageOutcome(t, run, domain.StageReport).Outcome; got != domain.OutcomeOK {
		t.Errorf("report outcome = %q, want ok", got)
	}
	h.assertSessionsReleased()
}

func TestAnalyze_OptionalFailuresDegrade(t *testing.T) {
	tests := []struct {
		name  string
		stage domain.StageName
	}{
		{"visualize", domain.StageVisualize},
		{"report", domain.StageReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.bind(tt.stage, failWith(domain.ErrorInvalidResponse))

			run := h.analyze()

			if run.Status != domain.RunPartiallyFailed {
				t.Fatalf("Status = %q, want partially_failed", run.Status)
			}
			if len(run.Findings) != 1 {
				t.Errorf("Findings = %d, want earlier results kept", len(run.Findings))
			}
			if _, ok := run.Stage(domain.StageReport); !ok {
				t.Error("report stage not attempted")
			}
		})
	}
}

func TestAnalyze_ApplyFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.applier.err = errors.New("read-only file system")

	run := h.analyze()

	if run.Status != domain.RunPartiallyFailed {
		t.Fatalf("Status = %q, want partially_failed", run.Status)
	}
	if run.Patches[0].Applied {
		t.Error("patch marked applied after applier failure")
	}
	if stageOutcome(t, run, domain.StageApply).Outcome != domain.OutcomeError {
		t.Error("apply outcome should be error")
	}
	h.assertSessionsReleased()
}

func TestAnalyze_ApplyDisabled(t *testing.T) {
	h := newHarness(t)
	s := h.orch.Settings()
	s.ApplyEnabled = false
	h.orch.UpdateSettings(s)

	run := h.analyze()

	apply := stageOutcome(t, run, domain.StageApply)
	if apply.Outcome != domain.OutcomeSkipped || apply.Reason != "patch application is disabled" {
		t.Errorf("apply = %+v, want skipped because disabled", apply)
	}
	if len(h.applier.calls) != 0 {
		t.Errorf("applier calls = %d, want 0", len(h.applier.calls))
	}
}

func TestAnalyze_Cancel(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.clients.Bind(domain.StageDetect, blockUntilDone(started), time.Minute)

	ctx := context.Background()
	id, err := h.orch.Submit(ctx, request())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("detection never started")
	}
	if err := h.orch.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	run, err := h.reg.Wait(waitCtx, id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if run.Status != domain.RunFailed || !run.Cancelled {
		t.Fatalf("run = %s cancelled=%v, want failed and cancelled", run.Status, run.Cancelled)
	}
	if run.Error == nil || run.Error.Kind != domain.ErrorCancelled {
		t.Errorf("Error = %v, want cancelled", run.Error)
	}
	if run.FailedStage != domain.StageDetect {
		t.Errorf("FailedStage = %q, want detect", run.FailedStage)
	}
	h.assertSessionsReleased()

	if err := h.orch.Cancel(ctx, id); !errors.Is(err, domain.ErrRunFinalized) {
		t.Errorf("Cancel() after finish error = %v, want ErrRunFinalized", err)
	}
}

func TestAnalyze_RunDeadline(t *testing.T) {
	h := newHarness(t)
	s := h.orch.Settings()
	s.RunDeadline = 100 * time.Millisecond
	h.orch.UpdateSettings(s)
	h.clients.Bind(domain.StageDetect, blockUntilDone(nil), time.Minute)

	run := h.analyze()

	if run.Status != domain.RunPartiallyFailed {
		t.Fatalf("Status = %q, want partially_failed", run.Status)
	}
	if run.Error == nil || run.Error.Kind != domain.ErrorTimeout {
		t.Errorf("Error = %v, want timeout", run.Error)
	}
	if run.Cancelled {
		t.Error("Cancelled = true for a deadline")
	}
	if got := stageOutcome(t, run, domain.StageDetect).Attempts; got != 1 {
		t.Errorf("detect attempts = %d, want no retry past the deadline", got)
	}
	h.assertSessionsReleased()
}

func TestAnalyze_ConcurrentRunsAreIsolated(t *testing.T) {
	h := newHarness(t)
	const n = 8

	var wg sync.WaitGroup
	runs := make([]*domain.Run, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request()
			req.FilePath = fmt.Sprintf("/src/f%d.c", i)
			req.Content = strings.Replace(vulnSource, "strcpy(b, in);", fmt.Sprintf("strcpy(b, in); /* %d */", i), 1)
			run, err := h.orch.Analyze(context.Background(), req)
			if err != nil {
				t.Errorf("Analyze() error = %v", err)
				return
			}
			runs[i] = run
		}(i)
	}
	wg.Wait()

	projects := make(map[string]bool)
	h.engine.mu.Lock()
	for _, p := range h.engine.imports {
		projects[p] = true
	}
	h.engine.mu.Unlock()
	if len(projects) != n {
		t.Errorf("distinct cpg projects = %d, want %d", len(projects), n)
	}
	h.assertSessionsReleased()

	for i, run := range runs {
		if run == nil {
			continue
		}
		want := fmt.Sprintf("strcpy(b, in); /* %d */", i)
		if got := run.Slice.Paths[0].Nodes[1].Code; got != want {
			t.Errorf("run %d slice code = %q, want %q", i, got, want)
		}
		if run.Slice.Paths[0].Nodes[0].File != fmt.Sprintf("/src/f%d.c", i) {
			t.Errorf("run %d slice file = %q", i, run.Slice.Paths[0].Nodes[0].File)
		}
	}
}

func TestSubmit_InvalidRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Submit(context.Background(), domain.AnalysisRequest{Language: "c"})
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeInvalidRequest {
		t.Errorf("Submit() error = %v, want invalid_request", err)
	}
}

func TestShutdown_CancelsRunsInFlight(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.clients.Bind(domain.StageDetect, blockUntilDone(started), time.Minute)

	id, err := h.orch.Submit(context.Background(), request())
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	run, err := h.reg.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if run.Status != domain.RunFailed || !run.Cancelled {
		t.Errorf("run = %s cancelled=%v, want failed and cancelled", run.Status, run.Cancelled)
	}
	if _, err := h.orch.Submit(ctx, request()); err == nil {
		t.Error("Submit() after Shutdown should fail")
	}
	h.assertSessionsReleased()
}

func TestAnalyze_SessionsReleasedOnEveryFailure(t *testing.T) {
	stages := []domain.StageName{
		domain.StageQueryGen, domain.StageDetect, domain.StageEnrich,
		domain.StageVisualize, domain.StageVerify, domain.StageReport,
	}
	for _, stage := range stages {
		for _, kind := range []domain.ErrorKind{domain.ErrorFatal, domain.ErrorUnavailable} {
			t.Run(fmt.Sprintf("%s/%s", stage, kind), func(t *testing.T) {
				h := newHarness(t)
				h.bind(stage, failWith(kind))

				run := h.analyze()

				if !run.Status.Terminal() {
					t.Fatalf("Status = %q, want terminal", run.Status)
				}
				h.assertSessionsReleased()
			})
		}
	}

	for _, kind := range []domain.ErrorKind{domain.ErrorInvalidResponse, domain.ErrorUnavailable} {
		t.Run(fmt.Sprintf("slicing query/%s", kind), func(t *testing.T) {
			h := newHarness(t)
			h.engine.queryErr = domain.NewStageError(kind, "query failed")

			run := h.analyze()

			if run.Status != domain.RunFailed || run.FailedStage != domain.StageSlicing {
				t.Fatalf("run = %s at %s, want failed at slicing", run.Status, run.FailedStage)
			}
			if imports, _ := h.engine.counts(); imports != 1 {
				t.Fatalf("cpg imports = %d, want 1", imports)
			}
			h.assertSessionsReleased()
		})
	}

	t.Run("slicing import timeout", func(t *testing.T) {
		settings := testSettings()
		settings.SliceTimeout = 20 * time.Millisecond
		h := newHarness(t, WithSettings(settings))
		h.engine.hang = true

		run := h.analyze()

		if run.Status != domain.RunFailed || run.FailedStage != domain.StageSlicing {
			t.Fatalf("run = %s at %s, want failed at slicing", run.Status, run.FailedStage)
		}
		if imports, _ := h.engine.counts(); imports != 3 {
			t.Fatalf("cpg imports = %d, want 3 attempts", imports)
		}
		h.assertSessionsReleased()
	})

	t.Run("apply", func(t *testing.T) {
		h := newHarness(t)
		h.applier.err = errors.New("read-only file system")

		run := h.analyze()

		if run.Status != domain.RunPartiallyFailed {
			t.Fatalf("Status = %q, want partially_failed", run.Status)
		}
		h.assertSessionsReleased()
	})

	for _, stage := range []domain.StageName{domain.StageDetect, domain.StageEnrich, domain.StageVerify} {
		t.Run(fmt.Sprintf("panic in %s", stage), func(t *testing.T) {
			h := newHarness(t)
			h.bind(stage, func(ctx context.Context, req *ports.StageRequest, _ time.Duration) domain.StageResult {
				panic(fmt.Sprintf("%s exploded", req.Stage))
			})

			run := h.analyze()

			if !run.Status.Terminal() {
				t.Fatalf("Status = %q, want terminal", run.Status)
			}
			res := stageOutcome(t, run, stage)
			if res.Outcome != domain.OutcomeError || res.Error.Kind != domain.ErrorFatal {
				t.Errorf("%s = %+v, want fatal error", stage, res)
			}
			if imports, _ := h.engine.counts(); imports != 1 {
				t.Fatalf("cpg imports = %d, want 1", imports)
			}
			h.assertSessionsReleased()
		})
	}
}

func TestAnalyze_AppliesOnlyVerifiedPatches(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 20; round++ {
		h := newHarness(t)

		out := detection(1)
		base := out.Patches[0]
		out.Patches = nil
		n := 1 + rng.IntN(4)
		outcomes := make(map[string]int, n)
		for i := 0; i < n; i++ {
			p := base
			p.ProposedCode = fmt.Sprintf("strncpy(b, in, %d);", i)
			out.Patches = append(out.Patches, p)
			outcomes[p.ProposedCode] = rng.IntN(3)
		}
		h.bind(domain.StageDetect, reply(out))
		h.bind(domain.StageVerify, func(ctx context.Context, req *ports.StageRequest, timeout time.Duration) domain.StageResult {
			var in domain.VerifyInput
			json.Unmarshal(req.Payload, &in)
			switch outcomes[in.Proposed] {
			case 0:
				return reply(domain.VerifyOutput{Valid: true})(ctx, req, timeout)
			case 1:
				return reply(domain.VerifyOutput{Errors: []string{"syntax error"}})(ctx, req, timeout)
			default:
				return failWith(domain.ErrorFatal)(ctx, req, timeout)
			}
		})

		run := h.analyze()

		valid := make(map[string]bool)
		for code, outcome := range outcomes {
			if outcome == 0 {
				valid[code] = true
			}
		}
		h.applier.mu.Lock()
		applied := append([]string{}, h.applier.calls...)
		h.applier.mu.Unlock()
		for _, code := range applied {
			if !valid[code] {
				t.Errorf("round %d: applied %q which did not pass verification", round, code)
			}
		}
		if len(applied) != len(valid) {
			t.Errorf("round %d: applied %d patches, want %d", round, len(applied), len(valid))
		}
		for _, p := range run.Patches {
			if p.Applied && p.Verification.State != domain.Valid {
				t.Errorf("round %d: patch %q applied in state %q", round, p.ProposedCode, p.Verification.State)
			}
		}
	}
}
