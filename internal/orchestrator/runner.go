package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graphide/graphide/internal/aggregate"
	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/cpg"
	"github.com/graphide/graphide/internal/telemetry"
)

// runner holds the state of one run while it executes. Only its own
// goroutine, and the two fan-out goroutines it waits for, touch it.
type runner struct {
	o        *Orchestrator
	id       string
	req      domain.AnalysisRequest
	settings Settings
	logger   *slog.Logger

	current  domain.StageName
	degraded bool

	source    string
	sourceErr error
	session   *domain.CPGSession
	slice     *domain.Slice
	findings  []domain.Finding
	patches   []domain.PatchCandidate
}

// failure ends a run at a required stage.
type failure struct {
	stage domain.StageName
	err   *domain.StageError
}

func (o *Orchestrator) execute(parent context.Context, cancel context.CancelFunc, run *domain.Run, settings Settings) {
	defer o.wg.Done()
	defer cancel()

	r := &runner{
		o:        o,
		id:       run.ID,
		req:      run.Request,
		settings: settings,
		logger:   o.logger.With(slog.String("run_id", run.ID)),
		current:  domain.StageQueryGen,
	}

	ctx := parent
	if settings.RunDeadline > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(parent, settings.RunDeadline)
		defer stop()
	}
	ctx, span := telemetry.StartRun(ctx, run)
	defer span.End()

	o.metrics.RunStarted()
	_ = o.registry.Update(run.ID, func(run *domain.Run) error {
		run.Status = domain.RunRunning
		return nil
	})

	var fail *failure
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			fail = &failure{stage: r.current, err: domain.NewStageError(domain.ErrorFatal, "internal error: %v", p)}
		}
		r.closeSession(parent)
		status := r.finalize(parent, ctx, fail)
		span.SetAttributes(telemetry.StatusAttr(status))
	}()

	fail = r.execute(ctx)
}

func (r *runner) execute(ctx context.Context) *failure {
	queries, fail := r.queryGen(ctx)
	if fail != nil {
		return fail
	}
	if fail := r.checkpoint(ctx, domain.StageSlicing); fail != nil {
		return fail
	}
	if fail := r.sliceSource(ctx, queries); fail != nil {
		return fail
	}
	if fail := r.checkpoint(ctx, domain.StageDetect); fail != nil {
		return fail
	}
	detect, enrich := r.detectAndEnrich(ctx)
	if fail := r.aggregate(ctx, detect, enrich); fail != nil {
		return fail
	}

	steps := []struct {
		stage domain.StageName
		run   func(context.Context)
	}{
		{domain.StageVisualize, r.visualize},
		{domain.StageVerify, r.verify},
		{domain.StageApply, r.apply},
		{domain.StageReport, r.report},
	}
	for _, step := range steps {
		if fail := r.checkpoint(ctx, step.stage); fail != nil {
			return fail
		}
		step.run(ctx)
	}
	return r.checkpoint(ctx, domain.StageReport)
}

// checkpoint stops the run between stages once its context is done.
func (r *runner) checkpoint(ctx context.Context, next domain.StageName) *failure {
	r.current = next
	if err := ctx.Err(); err != nil {
		return &failure{stage: next, err: domain.AsStageError(err)}
	}
	return nil
}

func (r *runner) finalize(parent, ctx context.Context, fail *failure) domain.RunStatus {
	var (
		status    domain.RunStatus
		stage     domain.StageName
		stageErr  *domain.StageError
		cancelled bool
	)
	switch {
	case fail == nil && r.degraded:
		status = domain.RunPartiallyFailed
	case fail == nil:
		status = domain.RunCompleted
	case parent.Err() != nil:
		status = domain.RunFailed
		stage = fail.stage
		stageErr = domain.NewStageError(domain.ErrorCancelled, "run cancelled during %s", fail.stage)
		cancelled = true
	case ctx.Err() != nil:
		status = domain.RunPartiallyFailed
		stage = fail.stage
		stageErr = domain.NewStageError(domain.ErrorTimeout, "run deadline of %s exceeded during %s", r.settings.RunDeadline, fail.stage)
	default:
		status = domain.RunFailed
		stage = fail.stage
		stageErr = fail.err
	}

	now := r.o.now()
	err := r.o.registry.Finalize(context.WithoutCancel(parent), r.id, func(run *domain.Run) {
		run.Status = status
		run.FailedStage = stage
		run.Error = stageErr
		run.Cancelled = cancelled
		run.FinishedAt = &now
	})
	if err != nil {
		r.logger.Error("failed to finalize run", slog.String("error", err.Error()))
	}
	r.o.metrics.RunFinished(status)

	attrs := []any{slog.String("status", string(status))}
	if stage != "" {
		attrs = append(attrs, slog.String("failed_stage", string(stage)))
	}
	if stageErr != nil {
		attrs = append(attrs, slog.String("error", stageErr.Error()))
	}
	r.logger.Info("analysis finished", attrs...)
	return status
}

func (r *runner) closeSession(ctx context.Context) {
	if r.session == nil {
		return
	}
	if err := r.o.sessions.Close(ctx, r.session); err != nil {
		r.logger.Warn("cpg session close failed", slog.String("error", err.Error()))
	}
}

// record stores a stage result in the registry as soon as the stage ends.
func (r *runner) record(ctx context.Context, res domain.StageResult) {
	if err := r.o.registry.Record(ctx, r.id, res); err != nil {
		r.logger.Error("failed to record stage result",
			slog.String("stage", string(res.Stage)),
			slog.String("error", err.Error()))
	}
	r.o.metrics.ObserveStage(res)

	attrs := []any{
		slog.String("stage", string(res.Stage)),
		slog.String("outcome", string(res.Outcome)),
		slog.Int("attempts", res.Attempts),
		slog.Duration("duration", res.Duration()),
	}
	switch res.Outcome {
	case domain.OutcomeError:
		attrs = append(attrs, slog.String("error", res.Error.Error()))
		r.logger.Warn("stage failed", attrs...)
	case domain.OutcomeSkipped:
		attrs = append(attrs, slog.String("reason", res.Reason))
		r.logger.Info("stage skipped", attrs...)
	default:
		r.logger.Info("stage completed", attrs...)
	}
}

// degrade marks the run partially failed when an optional stage errored.
func (r *runner) degrade(res domain.StageResult) {
	if res.Outcome == domain.OutcomeError {
		r.degraded = true
	}
}

func (r *runner) update(fn func(*domain.Run)) {
	err := r.o.registry.Update(r.id, func(run *domain.Run) error {
		fn(run)
		return nil
	})
	if err != nil {
		r.logger.Error("failed to update run", slog.String("error", err.Error()))
	}
}

// call invokes a stage client with retries and returns the final result.
func (r *runner) call(ctx context.Context, stage domain.StageName, input any) domain.StageResult {
	ctx, span := telemetry.StartStage(ctx, stage)
	started := r.o.now()

	var last domain.StageResult
	attempts, _ := r.retry(ctx, stage, func(ctx context.Context) error {
		last = r.o.clients.Invoke(ctx, stage, r.id, input)
		if last.Outcome != domain.OutcomeError {
			return nil
		}
		if last.Error == nil {
			last.Error = domain.NewStageError(domain.ErrorFatal, "%s failed without an error", stage)
		}
		return last.Error
	})
	last.Attempts = attempts
	last.StartedAt = started
	last.FinishedAt = r.o.now()

	telemetry.EndStage(span, last)
	return last
}

// required turns a non-OK result of a required stage into a run failure.
func required(res domain.StageResult) *failure {
	switch res.Outcome {
	case domain.OutcomeOK:
		return nil
	case domain.OutcomeSkipped:
		return &failure{stage: res.Stage, err: domain.NewStageError(domain.ErrorFatal, "required stage %s was skipped: %s", res.Stage, res.Reason)}
	default:
		return &failure{stage: res.Stage, err: res.Error}
	}
}

// invalid converts a result whose payload could not be used into an error.
func invalid(res domain.StageResult, err error) domain.StageResult {
	res.Outcome = domain.OutcomeError
	res.Error = domain.AsStageError(err)
	res.Payload = nil
	return res
}

func (r *runner) loadSource() (string, error) {
	if r.req.Content != "" {
		return r.req.Content, nil
	}
	b, err := r.o.readFile(r.req.FilePath)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *runner) queryGen(ctx context.Context) ([]string, *failure) {
	r.current = domain.StageQueryGen
	started := r.o.now()

	source, err := r.loadSource()
	if err != nil {
		// Nothing to generate queries from; the import fails at slicing.
		r.sourceErr = err
		r.record(ctx, domain.SkippedResult(domain.StageQueryGen, fmt.Sprintf("source %s is unreadable", r.req.FilePath), started))
		return nil, nil
	}
	r.source = source

	res := r.call(ctx, domain.StageQueryGen, domain.QueryGenInput{
		FilePath: r.req.FilePath,
		Language: r.req.Language,
		Intent:   r.req.Intent,
		Source:   source,
	})

	var queries []string
	if res.OK() {
		var out domain.QueryGenOutput
		if err := res.Decode(&out); err != nil {
			res = invalid(res, err)
		} else {
			for _, q := range out.Queries {
				if strings.TrimSpace(q) != "" {
					queries = append(queries, q)
				}
			}
			if len(queries) == 0 {
				res = invalid(res, domain.NewStageError(domain.ErrorInvalidResponse, "no queries generated"))
			}
		}
	}
	r.record(ctx, res)
	return queries, required(res)
}

// attemptContext bounds one CPG call.
func (r *runner) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.settings.SliceTimeout > 0 {
		return context.WithTimeout(ctx, r.settings.SliceTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *runner) sliceSource(ctx context.Context, queries []string) *failure {
	ctx, span := telemetry.StartStage(ctx, domain.StageSlicing)
	started := r.o.now()

	if r.sourceErr != nil {
		res := domain.ErrorResult(domain.StageSlicing,
			domain.NewStageError(domain.ErrorFatal, "import %s: %v", r.req.FilePath, r.sourceErr), started, r.o.now())
		res.Attempts = 1
		telemetry.EndStage(span, res)
		r.record(ctx, res)
		return required(res)
	}

	attempts, err := r.retry(ctx, domain.StageSlicing, func(ctx context.Context) error {
		actx, cancel := r.attemptContext(ctx)
		defer cancel()
		s, err := r.o.sessions.Open(actx, r.req.FilePath, cpg.WithContent(r.source))
		if err != nil {
			return err
		}
		r.session = s
		return nil
	})
	if err == nil {
		var n int
		n, err = r.retry(ctx, domain.StageSlicing, func(ctx context.Context) error {
			actx, cancel := r.attemptContext(ctx)
			defer cancel()
			s, err := r.o.sessions.Query(actx, r.session, queries)
			if err != nil {
				return err
			}
			r.slice = s
			return nil
		})
		attempts += n
	}

	var res domain.StageResult
	if err != nil {
		res = domain.ErrorResult(domain.StageSlicing, domain.AsStageError(err), started, r.o.now())
	} else {
		payload, merr := json.Marshal(r.slice)
		if merr != nil {
			res = domain.ErrorResult(domain.StageSlicing, domain.NewStageError(domain.ErrorFatal, "marshal slice: %v", merr), started, r.o.now())
		} else {
			res = domain.OKResult(domain.StageSlicing, payload, started, r.o.now())
		}
	}
	res.Attempts = attempts
	telemetry.EndStage(span, res)
	r.record(ctx, res)

	if fail := required(res); fail != nil {
		return fail
	}
	slice := r.slice
	r.update(func(run *domain.Run) { run.Slice = slice })
	return nil
}

func (r *runner) detectAndEnrich(ctx context.Context) (detect, enrich domain.StageResult) {
	if r.slice.Empty() {
		now := r.o.now()
		detect = domain.SkippedResult(domain.StageDetect, "slice contains no flow paths", now)
		enrich = domain.SkippedResult(domain.StageEnrich, "slice contains no flow paths", now)
		r.record(ctx, detect)
		r.record(ctx, enrich)
		return detect, enrich
	}

	ready := make(chan []domain.Finding, 1)
	var g errgroup.Group
	g.Go(func() error {
		detect = r.guard(ctx, domain.StageDetect, func() domain.StageResult { return r.detect(ctx, ready) })
		return nil
	})
	g.Go(func() error {
		enrich = r.guard(ctx, domain.StageEnrich, func() domain.StageResult { return r.enrich(ctx, ready) })
		return nil
	})
	_ = g.Wait()
	return detect, enrich
}

// guard runs one fan-out stage and records a panic as a fatal result for
// that stage, since the run goroutine's recover cannot see it.
func (r *runner) guard(ctx context.Context, stage domain.StageName, fn func() domain.StageResult) (res domain.StageResult) {
	started := r.o.now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("stage panicked",
				slog.String("stage", string(stage)),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			res = domain.ErrorResult(stage, domain.NewStageError(domain.ErrorFatal, "internal error: %v", p), started, r.o.now())
			r.record(ctx, res)
		}
	}()
	return fn()
}

func (r *runner) detect(ctx context.Context, ready chan<- []domain.Finding) domain.StageResult {
	defer close(ready)

	res := r.call(ctx, domain.StageDetect, domain.DetectInput{
		FilePath: r.req.FilePath,
		Language: r.req.Language,
		Intent:   r.req.Intent,
		Source:   r.source,
		Slice:    r.slice,
	})
	if res.OK() {
		var out domain.DetectOutput
		if err := res.Decode(&out); err != nil {
			res = invalid(res, err)
		} else {
			normalizeDetection(&out, r.req.FilePath, r.slice)
			payload, err := json.Marshal(out)
			if err != nil {
				res = invalid(res, err)
			} else {
				res.Payload = payload
				ready <- out.Findings
			}
		}
	}
	r.record(ctx, res)
	return res
}

func (r *runner) enrich(ctx context.Context, ready <-chan []domain.Finding) domain.StageResult {
	var findings []domain.Finding
	if wait := r.settings.EnrichWait; wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case f := <-ready:
			findings = f
		case <-timer.C:
			r.logger.Debug("enrichment proceeding without findings", slog.Duration("waited", wait))
		case <-ctx.Done():
		}
		timer.Stop()
	}

	res := r.call(ctx, domain.StageEnrich, domain.EnrichInput{
		Language: r.req.Language,
		Slice:    r.slice,
		Findings: findings,
	})
	r.record(ctx, res)
	return res
}

func (r *runner) aggregate(ctx context.Context, detect, enrich domain.StageResult) *failure {
	r.current = domain.StageAggregate
	started := r.o.now()

	agg := aggregate.Join([]domain.StageResult{detect, enrich}, aggregate.DefaultPolicy)
	if agg.Failed() {
		return &failure{stage: domain.StageDetect, err: agg.Error}
	}

	payload, err := json.Marshal(agg)
	if err != nil {
		res := domain.ErrorResult(domain.StageAggregate, domain.NewStageError(domain.ErrorFatal, "marshal aggregate: %v", err), started, r.o.now())
		r.record(ctx, res)
		return required(res)
	}
	r.record(ctx, domain.OKResult(domain.StageAggregate, payload, started, r.o.now()))

	r.findings = agg.Findings
	r.patches = agg.Patches
	r.update(func(run *domain.Run) {
		run.Findings = agg.Findings
		run.Patches = append([]domain.PatchCandidate{}, agg.Patches...)
		run.Explanation = agg.Explanation
		run.Partial = agg.Partial
	})
	return nil
}

func (r *runner) visualize(ctx context.Context) {
	if len(r.findings) == 0 {
		r.record(ctx, domain.SkippedResult(domain.StageVisualize, "no findings to visualize", r.o.now()))
		return
	}

	res := r.call(ctx, domain.StageVisualize, domain.VisualizeInput{
		RunID:    r.id,
		FilePath: r.req.FilePath,
		Slice:    r.slice,
		Findings: r.findings,
	})
	var viz domain.Visualization
	if res.OK() {
		if err := res.Decode(&viz); err != nil {
			res = invalid(res, err)
		}
	}
	r.record(ctx, res)
	r.degrade(res)
	if res.OK() {
		r.update(func(run *domain.Run) { run.Visualization = &viz })
	}
}

// verdict is one candidate's line in the verify stage payload.
type verdict struct {
	FindingID    string              `json:"finding_id"`
	Verification domain.Verification `json:"verification"`
}

func (r *runner) verify(ctx context.Context) {
	if len(r.patches) == 0 {
		r.record(ctx, domain.SkippedResult(domain.StageVerify, "no patch candidates", r.o.now()))
		return
	}

	started := r.o.now()
	verdicts := make([]verdict, len(r.patches))
	var (
		attempts int
		failures int
		lastErr  *domain.StageError
	)
	for i := range r.patches {
		p := &r.patches[i]
		res := r.call(ctx, domain.StageVerify, domain.VerifyInput{
			FilePath: r.req.FilePath,
			Language: r.req.Language,
			Original: p.OriginalCode,
			Proposed: p.ProposedCode,
		})
		attempts += res.Attempts

		var out domain.VerifyOutput
		if res.OK() {
			if err := res.Decode(&out); err != nil {
				res = invalid(res, err)
			}
		}

		switch {
		case res.OK() && out.Valid:
			p.Verification = domain.Verification{State: domain.Valid}
		case res.OK():
			errs := out.Errors
			if len(errs) == 0 {
				errs = []string{"rejected by verifier"}
			}
			p.Verification = domain.Verification{State: domain.Invalid, Errors: errs}
		case res.Outcome == domain.OutcomeSkipped:
			p.Verification = domain.Verification{State: domain.Unverified, Errors: []string{"verification skipped: " + res.Reason}}
		default:
			failures++
			lastErr = res.Error
			p.Verification = domain.Verification{State: domain.Unverified, Errors: []string{res.Error.Error()}}
		}
		verdicts[i] = verdict{FindingID: p.FindingID, Verification: p.Verification}
	}

	payload, err := json.Marshal(map[string]any{"patches": verdicts})
	var res domain.StageResult
	switch {
	case err != nil:
		failures++
		res = domain.ErrorResult(domain.StageVerify, domain.NewStageError(domain.ErrorFatal, "marshal verify payload: %v", err), started, r.o.now())
	case failures == len(r.patches):
		res = domain.ErrorResult(domain.StageVerify, lastErr, started, r.o.now())
		res.Payload = payload
	default:
		res = domain.OKResult(domain.StageVerify, payload, started, r.o.now())
	}
	res.Attempts = attempts
	if failures > 0 {
		r.degraded = true
	}
	r.record(ctx, res)

	patches := append([]domain.PatchCandidate{}, r.patches...)
	r.update(func(run *domain.Run) { run.Patches = patches })
}

// applyOutcome is one candidate's line in the apply stage payload.
type applyOutcome struct {
	FindingID string `json:"finding_id"`
	Applied   bool   `json:"applied"`
	Diff      string `json:"diff,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r *runner) apply(ctx context.Context) {
	started := r.o.now()
	indexes := applicable(r.patches)

	var reason string
	switch {
	case len(r.patches) == 0:
		reason = "no patch candidates"
	case len(indexes) == 0:
		reason = "no patch candidate passed verification"
	case !r.settings.ApplyEnabled:
		reason = "patch application is disabled"
	case r.o.applier == nil:
		reason = "no patch applier configured"
	}
	if reason != "" {
		r.record(ctx, domain.SkippedResult(domain.StageApply, reason, started))
		return
	}

	ctx, span := telemetry.StartStage(ctx, domain.StageApply)
	outcomes := make([]applyOutcome, 0, len(indexes))
	var (
		failures int
		lastErr  error
	)
	for _, i := range indexes {
		p := r.patches[i]
		result, err := r.o.applier.ApplyPatch(ctx, r.req.FilePath, p.OriginalCode, p.ProposedCode)
		if err != nil {
			failures++
			lastErr = err
			outcomes = append(outcomes, applyOutcome{FindingID: p.FindingID, Error: err.Error()})
			continue
		}
		r.patches[i].Applied = result.Applied
		outcomes = append(outcomes, applyOutcome{FindingID: p.FindingID, Applied: result.Applied, Diff: result.Diff})
	}

	payload, err := json.Marshal(map[string]any{"patches": outcomes})
	var res domain.StageResult
	switch {
	case err != nil:
		failures++
		res = domain.ErrorResult(domain.StageApply, domain.NewStageError(domain.ErrorFatal, "marshal apply payload: %v", err), started, r.o.now())
	case failures == len(indexes):
		res = domain.ErrorResult(domain.StageApply, domain.AsStageError(lastErr), started, r.o.now())
		res.Payload = payload
	default:
		res = domain.OKResult(domain.StageApply, payload, started, r.o.now())
	}
	res.Attempts = 1
	if failures > 0 {
		r.degraded = true
	}
	telemetry.EndStage(span, res)
	r.record(ctx, res)

	patches := append([]domain.PatchCandidate{}, r.patches...)
	r.update(func(run *domain.Run) { run.Patches = patches })
}

func (r *runner) report(ctx context.Context) {
	started := r.o.now()
	snapshot, err := r.o.registry.Get(ctx, r.id)
	if err != nil {
		res := domain.ErrorResult(domain.StageReport,
			domain.NewStageError(domain.ErrorFatal, "load run for report: %v", err), started, r.o.now())
		r.record(ctx, res)
		r.degrade(res)
		return
	}

	res := r.call(ctx, domain.StageReport, domain.ReportInput{Run: snapshot})
	var out domain.ReportOutput
	if res.OK() {
		if err := res.Decode(&out); err != nil {
			res = invalid(res, err)
		}
	}
	r.record(ctx, res)
	r.degrade(res)
	if res.OK() {
		r.update(func(run *domain.Run) { run.Report = out.Markdown })
	}
}
