package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stagecheck/internal/config"
	"stagecheck/internal/engine"
	"stagecheck/internal/logging"
	"stagecheck/internal/property"
	"stagecheck/internal/snapshot"
)

var tracer = otel.Tracer("stagecheck.campaign")

// Config holds orchestrator settings.
type Config struct {
	MaxParallel     int           // Max engine invocations in flight (default 1)
	EngineTimeout   time.Duration // Per-invocation bound for stages without one
	CampaignTimeout time.Duration // Whole-run bound, zero = none
	DefaultDepth    int           // Depth for stages without one
	// VerifyFailureFatal makes verify failures fail the campaign verdict
	// unless a stage sets fatal explicitly. Init failures always default to
	// fatal.
	VerifyFailureFatal bool
	StrictSingleTag    bool
	EventChan          chan Event
}

// ConfigFrom maps workspace configuration onto orchestrator settings.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxParallel:        cfg.Scheduler.MaxParallelEngines,
		EngineTimeout:      cfg.GetEngineTimeout(),
		CampaignTimeout:    cfg.GetCampaignTimeout(),
		DefaultDepth:       cfg.Engine.DefaultDepth,
		VerifyFailureFatal: cfg.Scheduler.VerifyFailureFatal,
		StrictSingleTag:    cfg.Properties.StrictSingleTag,
	}
}

// Orchestrator validates campaigns and runs them against one snapshot
// manager and one engine adapter.
type Orchestrator struct {
	cfg     Config
	snaps   *snapshot.Manager
	adapter engine.Adapter
}

// New creates an orchestrator.
func New(snaps *snapshot.Manager, adapter engine.Adapter, cfg Config) *Orchestrator {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Orchestrator{cfg: cfg, snaps: snaps, adapter: adapter}
}

// Plan is a validated campaign whose root design has been elaborated and
// whose property set has been indexed.
type Plan struct {
	Def      *Definition
	Graph    *Graph
	Base     *snapshot.Snapshot
	Index    *property.Index
	Warnings []string
}

// Selection returns the active and pruned properties of verify stage id.
func (p *Plan) Selection(id string) property.Selection {
	return p.Index.Select(p.Graph.Stage(id).Keep)
}

// Plan validates def, elaborates the design and checks the property tags
// against the stage list. No engine runs.
func (o *Orchestrator) Plan(ctx context.Context, def *Definition) (*Plan, error) {
	g, err := NewGraph(def)
	if err != nil {
		return nil, err
	}
	return o.prepare(ctx, def, g)
}

func (o *Orchestrator) prepare(ctx context.Context, def *Definition, g *Graph) (*Plan, error) {
	// Tags are checked before the base snapshot is stored so a rejected
	// campaign leaves no artifacts behind.
	var ix *property.Index
	base, err := o.snaps.ElaborateChecked(ctx, def.Source(), func(snap *snapshot.Snapshot) error {
		var err error
		ix, err = property.Build(snap.Properties, def.KeepTags(), property.Options{StrictSingleTag: o.cfg.StrictSingleTag})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Plan{
		Def:      def,
		Graph:    g,
		Base:     base,
		Index:    ix,
		Warnings: ix.Warnings(def.KeepTags()),
	}, nil
}

// Run executes a campaign. Configuration errors (malformed definition,
// tags inconsistent with the stage list) are returned before any stage
// runs. Everything else, including a design that fails to elaborate, is
// reported per stage in the returned Report.
func (o *Orchestrator) Run(ctx context.Context, def *Definition) (*Report, error) {
	g, err := NewGraph(def)
	if err != nil {
		logging.CampaignError("Campaign %q rejected: %v", def.Name, err)
		return nil, err
	}

	runID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "campaign.Run",
		trace.WithAttributes(
			attribute.String("campaign", def.Name),
			attribute.String("run_id", runID),
			attribute.Int("stages", len(def.Stages)),
		))
	defer span.End()

	if o.cfg.CampaignTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CampaignTimeout)
		defer cancel()
	}

	timer := logging.StartTimer(logging.CategoryCampaign, "Run "+def.Name)
	defer timer.StopWithInfo()

	r := newRun(o, runID, def, g)
	r.audit.Log(logging.AuditEvent{EventType: logging.AuditCampaignStart, Success: true, Message: def.Name})
	logging.Campaign("Run %s: campaign %q, %d stages, max %d parallel engines", runID, def.Name, len(def.Stages), o.cfg.MaxParallel)

	plan, err := o.prepare(ctx, def, g)
	if err != nil {
		var tagErr *property.ConfigError
		if errors.As(err, &tagErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "configuration error")
			logging.CampaignError("Campaign %q rejected: %v", def.Name, err)
			return nil, err
		}
		r.rootFailed(err)
	} else {
		r.start(plan)
		r.schedule(ctx)
	}

	rep := r.finish(ctx)
	span.SetAttributes(attribute.String("verdict", string(rep.Verdict)))
	if rep.Verdict != VerdictSucceeded {
		span.SetStatus(codes.Error, string(rep.Verdict))
	}
	return rep, nil
}

// stageFatal reports whether a failure of s fails the campaign verdict.
func (o *Orchestrator) stageFatal(s StageDef) bool {
	if s.Fatal != nil {
		return *s.Fatal
	}
	if s.Role == RoleInit {
		return true
	}
	return o.cfg.VerifyFailureFatal
}

func (o *Orchestrator) stageDepth(def *Definition, s StageDef) int {
	switch {
	case s.Depth > 0:
		return s.Depth
	case def.Defaults.Depth > 0:
		return def.Defaults.Depth
	}
	return o.cfg.DefaultDepth
}

func (o *Orchestrator) stageTimeout(def *Definition, s StageDef) time.Duration {
	for _, v := range []string{s.Timeout, def.Defaults.Timeout} {
		if v == "" {
			continue
		}
		if d, err := parseTimeout(v); err == nil {
			return d
		}
	}
	return o.cfg.EngineTimeout
}

func describe(err error) string {
	var mismatch *snapshot.StructuralMismatchError
	var drift *snapshot.DriftError
	var gap *snapshot.IncompleteReplayError
	switch {
	case errors.As(err, &mismatch):
		return fmt.Sprintf("structural mismatch: trace %s expects structure %s, snapshot %s has %s",
			mismatch.TraceID, mismatch.Expected, mismatch.SnapshotID, mismatch.Actual)
	case errors.As(err, &drift):
		return fmt.Sprintf("design drift: snapshot %s has structure %s, successor has %s",
			drift.ParentID, drift.ParentHash, drift.ChildHash)
	case errors.As(err, &gap):
		return fmt.Sprintf("incomplete replay: signal %s undetermined at step %d", gap.Signal, gap.Step)
	}
	return err.Error()
}
