package campaign

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"stagecheck/internal/artifact"
	"stagecheck/internal/engine"
	"stagecheck/internal/logging"
	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

// run is the state of one campaign execution. Only the scheduling goroutine
// touches it; workers receive their inputs in a job and hand back a
// completion.
type run struct {
	o      *Orchestrator
	id     string
	def    *Definition
	graph  *Graph
	plan   *Plan
	report *Report
	audit  *logging.AuditLogger

	snaps  map[string]*snapshot.Snapshot
	traces map[string]*snapshot.Trace

	aborted bool
	cancel  context.CancelFunc
}

type job struct {
	stage  StageDef
	parent *snapshot.Snapshot
	trace  *snapshot.Trace
	active []property.Property
}

type completion struct {
	id       string
	status   Status
	outcome  engine.Outcome
	snapshot *snapshot.Snapshot
	trace    *snapshot.Trace
	diag     string
	err      error
	// fatal is set for structural errors that abort the campaign.
	fatal    error
	duration time.Duration
}

func newRun(o *Orchestrator, id string, def *Definition, g *Graph) *run {
	r := &run{
		o:      o,
		id:     id,
		def:    def,
		graph:  g,
		audit:  logging.AuditRun(id),
		snaps:  make(map[string]*snapshot.Snapshot),
		traces: make(map[string]*snapshot.Trace),
		report: &Report{
			RunID:     id,
			Campaign:  def.Name,
			Top:       def.Design.Top,
			StartedAt: time.Now(),
		},
	}
	for _, s := range def.Stages {
		sr := StageReport{
			ID:     s.ID,
			Role:   s.Role,
			Mode:   s.Mode,
			Keep:   s.Keep,
			Fatal:  o.stageFatal(s),
			Status: StatusPending,
		}
		if s.Role == RoleVerify {
			sr.Depth = o.stageDepth(def, s)
		}
		r.report.Stages = append(r.report.Stages, sr)
	}
	return r
}

// start records the plan: property selections per verify stage and
// tag warnings.
func (r *run) start(plan *Plan) {
	r.plan = plan
	for _, s := range r.def.Stages {
		if s.Role != RoleVerify {
			continue
		}
		sel := plan.Selection(s.ID)
		st := r.report.Stage(s.ID)
		st.Active = property.Names(sel.Active)
		st.Pruned = property.Names(sel.Pruned)
	}
	for _, w := range plan.Warnings {
		r.report.Warnings = append(r.report.Warnings, w)
		r.emit(EventWarning, "", w, nil)
	}
}

// rootFailed handles a design that could not be elaborated: the root init
// stage fails and nothing else runs.
func (r *run) rootFailed(err error) {
	root := r.graph.Root()
	r.report.FatalCause = fmt.Sprintf("stage %s: %s", root, describe(err))
	r.finishStage(root, StatusFailed, err.Error())
	r.abort(root, err)
	r.skipDependents(root, fmt.Sprintf("upstream stage %s failed", root))
}

// schedule dispatches ready stages until nothing is ready or running.
func (r *run) schedule(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	// inflight is the dispatch bound, so the loop never blocks handing out
	// work while completions wait to be applied. The group only joins the
	// workers; stage failures travel as completions, not errors.
	var g errgroup.Group
	done := make(chan completion, len(r.def.Stages))
	inflight := 0

	for {
		if !r.aborted && ctx.Err() == nil {
			r.promote(ctx)
			for _, id := range r.graph.order {
				if inflight >= r.o.cfg.MaxParallel {
					break
				}
				if r.report.Stage(id).Status != StatusReady {
					continue
				}
				j := r.job(id)
				r.transition(id, StatusRunning)
				r.audit.Stage(logging.AuditStageStart, id, true, 0, "")
				r.emit(EventStageStarted, id, fmt.Sprintf("%s stage %s started", j.stage.Role, id), nil)
				logging.Scheduler("Dispatching %s stage %s (%d in flight)", j.stage.Role, id, inflight+1)
				inflight++
				g.Go(func() error {
					done <- r.execute(ctx, j)
					return nil
				})
			}
		}
		if inflight == 0 {
			break
		}
		c := <-done
		inflight--
		r.complete(c)
	}
	_ = g.Wait()
}

// promote moves Pending stages whose dependencies succeeded to Ready, after
// confirming their input artifacts are in the store.
func (r *run) promote(ctx context.Context) {
	for _, id := range r.graph.order {
		st := r.report.Stage(id)
		if st.Status != StatusPending || !r.depsSucceeded(id) {
			continue
		}
		if err := r.checkInputs(ctx, id); err != nil {
			logging.SchedulerDebug("Stage %s inputs unavailable: %v", id, err)
			r.finishStage(id, StatusFailed, err.Error())
			if st.Fatal && r.report.FatalCause == "" {
				r.report.FatalCause = fmt.Sprintf("stage %s: %v", id, err)
			}
			r.skipDependents(id, fmt.Sprintf("upstream stage %s failed", id))
			continue
		}
		r.transition(id, StatusReady)
	}
}

func (r *run) depsSucceeded(id string) bool {
	for _, d := range r.graph.Deps(id) {
		if r.report.Stage(d).Status != StatusSucceeded {
			return false
		}
	}
	return true
}

func (r *run) checkInputs(ctx context.Context, id string) error {
	s := r.graph.Stage(id)
	store := r.o.snaps.Store()
	var ids []string
	if s.Parent != "" {
		parent, ok := r.snaps[s.Parent]
		if !ok {
			return fmt.Errorf("stage %s produced no snapshot", s.Parent)
		}
		ids = append(ids, parent.ID)
	}
	if s.Trace != "" {
		tr, ok := r.traces[s.Trace]
		if !ok {
			return fmt.Errorf("stage %s produced no trace to replay", s.Trace)
		}
		ids = append(ids, tr.ID)
	}
	for _, aid := range ids {
		ok, err := store.Has(ctx, aid)
		if err != nil {
			return fmt.Errorf("failed to check artifact %s: %w", artifact.Short(aid), err)
		}
		if !ok {
			return fmt.Errorf("input artifact %s missing from store", artifact.Short(aid))
		}
	}
	return nil
}

func (r *run) job(id string) job {
	s := r.graph.Stage(id)
	j := job{stage: s, parent: r.snaps[s.Parent], trace: r.traces[s.Trace]}
	if s.Role == RoleVerify {
		j.active = r.plan.Selection(id).Active
	}
	return j
}

// execute runs one stage. It only reads its job and the plan.
func (r *run) execute(ctx context.Context, j job) completion {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "campaign.stage",
		trace.WithAttributes(
			attribute.String("stage", j.stage.ID),
			attribute.String("role", string(j.stage.Role)),
		))
	defer span.End()

	var c completion
	switch j.stage.Role {
	case RoleInit:
		c = r.runInit(ctx, j)
	default:
		c = r.runVerify(ctx, j)
	}
	c.id = j.stage.ID
	c.duration = time.Since(start)

	span.SetAttributes(attribute.String("status", string(c.status)))
	if c.status != StatusSucceeded {
		span.SetStatus(codes.Error, c.diag)
	}
	return c
}

func (r *run) runInit(ctx context.Context, j job) completion {
	if j.stage.Root() {
		return completion{status: StatusSucceeded, snapshot: r.plan.Base}
	}
	child, err := r.o.snaps.Replay(ctx, j.parent, j.trace)
	if err != nil {
		c := completion{status: StatusFailed, diag: err.Error(), err: err}
		if snapshot.IsFatal(err) {
			c.fatal = err
		}
		return c
	}
	return completion{status: StatusSucceeded, snapshot: child}
}

func (r *run) runVerify(ctx context.Context, j job) completion {
	req := engine.Request{
		Stage:    j.stage.ID,
		Snapshot: j.parent,
		Active:   j.active,
		Mode:     j.stage.Mode,
		Depth:    r.o.stageDepth(r.def, j.stage),
		Timeout:  r.o.stageTimeout(r.def, j.stage),
		Options:  j.stage.Options,
	}

	enginesRunning.Inc()
	out := r.o.adapter.Run(ctx, req)
	enginesRunning.Dec()
	engineDuration.WithLabelValues(string(req.Mode), string(out.Kind)).Observe(out.Duration.Seconds())

	c := completion{outcome: out}
	switch {
	case out.Kind == engine.Prepped:
		if out.Snapshot != nil && out.Snapshot.StructuralHash != j.parent.StructuralHash {
			err := &snapshot.DriftError{ParentID: j.parent.ID, ParentHash: j.parent.StructuralHash, ChildHash: out.Snapshot.StructuralHash}
			c.status, c.diag, c.fatal = StatusFailed, err.Error(), err
			return c
		}
		c.status, c.snapshot = StatusSucceeded, j.parent
	case out.Kind.HasTrace():
		tr, err := r.o.snaps.PutTrace(ctx, j.parent.StructuralHash, out.Trace)
		if err != nil {
			c.status, c.diag = StatusFailed, err.Error()
			return c
		}
		c.status, c.trace, c.diag = StatusSucceeded, tr, out.Detail
	case out.Kind.Succeeded():
		c.status, c.diag = StatusSucceeded, out.Detail
	default:
		c.status, c.diag = StatusFailed, out.String()
	}
	return c
}

// complete applies a finished stage to the run.
func (r *run) complete(c completion) {
	st := r.report.Stage(c.id)
	st.Duration = c.duration
	st.Outcome = c.outcome.Kind
	st.Attempts = c.outcome.Attempts
	st.Step = c.outcome.Step
	st.Property = c.outcome.Property
	if c.snapshot != nil {
		r.snaps[c.id] = c.snapshot
		st.Snapshot = c.snapshot.ID
		st.StructuralHash = c.snapshot.StructuralHash
		st.StateHash = c.snapshot.StateHash
	}
	if c.trace != nil {
		r.traces[c.id] = c.trace
		st.Trace = c.trace.ID
	}

	status := c.status
	switch {
	case c.fatal != nil:
		status = StatusFailed
		if r.report.FatalCause == "" {
			r.report.FatalCause = fmt.Sprintf("stage %s: %s", c.id, describe(c.fatal))
		}
		r.abort(c.id, c.fatal)
	case r.aborted && status != StatusSucceeded:
		status = StatusSkipped
		c.diag = "campaign aborted"
	}

	r.finishStage(c.id, status, c.diag)
	if status == StatusFailed && st.Fatal && r.report.FatalCause == "" {
		cause := c.diag
		if c.err != nil {
			cause = describe(c.err)
		}
		r.report.FatalCause = fmt.Sprintf("stage %s: %s", c.id, cause)
	}
	if status != StatusSucceeded {
		r.skipDependents(c.id, fmt.Sprintf("upstream stage %s %s", c.id, status))
	}
}

// abort stops dispatching and cancels in-flight engines.
func (r *run) abort(id string, err error) {
	if r.aborted {
		return
	}
	r.aborted = true
	if r.cancel != nil {
		r.cancel()
	}
	logging.CampaignError("Run %s aborted at stage %s: %v", r.id, id, err)
	r.audit.Log(logging.AuditEvent{EventType: logging.AuditCampaignAbort, StageID: id, Error: err.Error()})
	r.emit(EventCampaignAborted, id, describe(err), nil)
}

// skipDependents marks every not-yet-started transitive dependent Skipped.
func (r *run) skipDependents(id, reason string) {
	for _, d := range r.graph.Dependents(id) {
		switch r.report.Stage(d).Status {
		case StatusPending, StatusReady:
			r.finishStage(d, StatusSkipped, reason)
		}
	}
}

func (r *run) transition(id string, to Status) bool {
	st := r.report.Stage(id)
	if err := ValidateTransition(st.Status, to); err != nil {
		logging.CampaignError("Stage %s: %v", id, err)
		return false
	}
	st.Status = to
	return true
}

// finishStage moves a stage to a terminal status and reports it.
func (r *run) finishStage(id string, status Status, diag string) {
	if !r.transition(id, status) {
		return
	}
	st := r.report.Stage(id)
	st.Diagnostic = diag
	stageOutcomes.WithLabelValues(string(st.Role), string(status)).Inc()

	switch status {
	case StatusSucceeded:
		logging.Campaign("Stage %s succeeded (%s, %v)", id, st.Outcome, st.Duration)
		r.audit.Stage(logging.AuditStageSucceed, id, true, st.Duration, "")
		r.emit(EventStageSucceeded, id, fmt.Sprintf("stage %s succeeded", id), st.Outcome)
	case StatusFailed:
		logging.CampaignWarn("Stage %s failed: %s", id, diag)
		r.audit.Stage(logging.AuditStageFail, id, false, st.Duration, diag)
		r.emit(EventStageFailed, id, diag, st.Outcome)
	case StatusSkipped:
		logging.CampaignDebug("Stage %s skipped: %s", id, diag)
		r.audit.Stage(logging.AuditStageSkip, id, false, 0, diag)
		r.emit(EventStageSkipped, id, diag, nil)
	}
}

// finish skips whatever never ran and computes the verdict.
func (r *run) finish(ctx context.Context) *Report {
	reason := "not reached"
	switch {
	case r.aborted:
		reason = "campaign aborted"
	case ctx.Err() != nil:
		reason = fmt.Sprintf("campaign cancelled: %v", ctx.Err())
	}
	for _, id := range r.graph.order {
		if !r.report.Stage(id).Status.Terminal() {
			r.finishStage(id, StatusSkipped, reason)
		}
	}

	rep := r.report
	rep.FinishedAt = time.Now()
	rep.Verdict = rep.verdict(r.aborted)
	campaignVerdicts.WithLabelValues(string(rep.Verdict)).Inc()

	counts := rep.Counts()
	logging.Campaign("Run %s finished %s: %d succeeded, %d failed, %d skipped in %v",
		r.id, rep.Verdict, counts[StatusSucceeded], counts[StatusFailed], counts[StatusSkipped], rep.Duration())
	r.audit.Log(logging.AuditEvent{
		EventType:  logging.AuditCampaignComplete,
		Success:    rep.Verdict == VerdictSucceeded,
		DurationMs: rep.Duration().Milliseconds(),
		Message:    string(rep.Verdict),
		Error:      rep.FatalCause,
	})
	return rep
}
