// Package pipeline drives one conjunction event through ingest, risk
// assessment, maneuver planning, safety validation and the audit ledger.
// Control flow is a fixed state machine; each event runs on its own machine.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"orbitguard/internal/conjunction"
	"orbitguard/internal/ledger"
	"orbitguard/internal/maneuver"
	"orbitguard/internal/platform/tracing"
	"orbitguard/internal/policy"
	"orbitguard/internal/risk"
	"orbitguard/internal/safety"
	dErrors "orbitguard/pkg/domain-errors"
)

// Recorder is the ledger surface the pipeline needs.
type Recorder interface {
	Append(ctx context.Context, rec ledger.AuditRecord) (ledger.AuditRecord, error)
	Get(ctx context.Context, id conjunction.EventID) (ledger.AuditRecord, error)
	FindSimilarStrategies(ctx context.Context, g risk.Geometry, k int) ([]ledger.StrategyMatch, error)
}

// Outcome is the terminal result of Process.
type Outcome struct {
	Record ledger.AuditRecord `json:"record"`
	// Replayed is set when the event had already been recorded; Record is
	// then the stored record and no counters moved.
	Replayed bool    `json:"replayed"`
	Trace    []State `json:"trace"`
}

// Pipeline is safe for concurrent use; all per-event state lives on the stack.
type Pipeline struct {
	policy     policy.Policy
	policyHash string
	assessor   *risk.Assessor
	optimizer  *maneuver.Optimizer
	validator  *safety.Validator
	recorder   Recorder
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *Metrics
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithMethod swaps the Pc computation used for assessment and projection.
func WithMethod(m risk.Method) Option {
	return func(p *Pipeline) {
		p.assessor = risk.NewAssessor(p.policy.RiskThreshold, risk.WithMethod(m))
		p.optimizer = maneuver.NewOptimizer(p.assessor, p.policy)
	}
}

// New wires the stages from pol. The policy is validated once here.
func New(pol policy.Policy, recorder Recorder, opts ...Option) (*Pipeline, error) {
	if recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if err := pol.Validate(); err != nil {
		return nil, err
	}
	assessor := risk.NewAssessor(pol.RiskThreshold)
	p := &Pipeline{
		policy:     pol,
		policyHash: pol.Hash(),
		assessor:   assessor,
		optimizer:  maneuver.NewOptimizer(assessor, pol),
		validator:  safety.NewValidator(pol),
		recorder:   recorder,
		logger:     slog.Default(),
		tracer:     tracing.Tracer("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PolicyHash identifies the policy stamped on every record.
func (p *Pipeline) PolicyHash() string { return p.policyHash }

// Process runs one record to a recorded decision. Re-submitting an event
// that is already in the ledger returns the stored record unchanged.
func (p *Pipeline) Process(ctx context.Context, in conjunction.Record) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process")
	defer span.End()

	out, err := p.process(ctx, in)
	if err != nil {
		code := dErrors.CodeOf(err)
		p.metrics.incFailure(string(code))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
		p.logger.WarnContext(ctx, "conjunction not recorded",
			"cdm_id", in.CDMID,
			"code", code,
			"error", err,
		)
		return Outcome{}, err
	}
	span.SetAttributes(
		attribute.String("orbitguard.event_id", out.Record.EventID.String()),
		attribute.String("orbitguard.decision", string(out.Record.Decision)),
		attribute.Bool("orbitguard.replayed", out.Replayed),
	)
	return out, nil
}

func (p *Pipeline) process(ctx context.Context, in conjunction.Record) (Outcome, error) {
	m := newMachine()

	var ev conjunction.Event
	err := p.stage(ctx, "ingest", func(context.Context) (err error) {
		ev, err = conjunction.Ingest(in, p.policy.LeadTime)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if prior, err := p.recorder.Get(ctx, ev.ID); err == nil {
		return p.replay(ctx, m, prior), nil
	} else if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return Outcome{}, err
	}

	var assessment risk.Assessment
	err = p.stage(ctx, "assess", func(context.Context) (err error) {
		assessment, err = p.assessor.Assess(ev)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := m.advance(StateAssessed); err != nil {
		return Outcome{}, err
	}

	rec := ledger.AuditRecord{
		EventID:    ev.ID,
		Event:      ev,
		Assessment: assessment,
		Decision:   ledger.DecisionMonitor,
		PolicyHash: p.policyHash,
	}

	if afterAssessment(assessment) == StatePlanned {
		var plan maneuver.Plan
		err = p.stage(ctx, "plan", func(ctx context.Context) (err error) {
			plan, err = p.optimizer.Optimize(ev, assessment, p.hints(ctx, ev))
			return err
		})
		if err != nil {
			return Outcome{}, err
		}
		if err := m.advance(StatePlanned); err != nil {
			return Outcome{}, err
		}

		var verdict safety.SafetyVerdict
		_ = p.stage(ctx, "validate", func(context.Context) error {
			verdict = p.validator.Validate(plan, ev)
			return nil
		})
		if err := m.advance(StateValidated); err != nil {
			return Outcome{}, err
		}

		rec.Plan, rec.Verdict = &plan, &verdict
		rec.Decision = ledger.DecisionReject
		if verdict.Verdict == safety.VerdictExecute {
			rec.Decision = ledger.DecisionExecute
		}
		if verdict.NonConvergence != "" {
			p.logger.WarnContext(ctx, "optimizer did not converge",
				"event_id", ev.ID,
				"exhaustion", plan.Exhaustion,
				"iterations", plan.Iterations,
				"projected_pc", plan.ProjectedPc,
			)
		}
	}

	var stored ledger.AuditRecord
	err = p.stage(ctx, "record", func(ctx context.Context) (err error) {
		stored, err = p.recorder.Append(ctx, rec)
		return err
	})
	if dErrors.HasCode(err, dErrors.CodeConflict) {
		prior, gerr := p.recorder.Get(ctx, ev.ID)
		if gerr != nil {
			return Outcome{}, gerr
		}
		return p.replay(ctx, newMachine(), prior), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if err := m.advance(StateRecorded); err != nil {
		return Outcome{}, err
	}

	p.metrics.incOutcome(string(stored.Decision))
	attrs := []any{
		"event_id", stored.EventID,
		"sequence", stored.Sequence,
		"decision", stored.Decision,
		"pc", stored.Assessment.Pc,
	}
	if stored.Plan != nil {
		attrs = append(attrs,
			"delta_v_km_s", stored.Plan.DeltaV.MagnitudeKmS,
			"direction", stored.Plan.DeltaV.Direction,
			"converged", stored.Plan.Converged,
		)
	}
	if stored.Verdict != nil && len(stored.Verdict.Violations) > 0 {
		attrs = append(attrs, "violations", len(stored.Verdict.Violations))
	}
	p.logger.InfoContext(ctx, "conjunction recorded", attrs...)

	return Outcome{Record: stored, Trace: m.history()}, nil
}

// replay walks a fresh machine along the stored record's path so the trace
// matches the original run.
func (p *Pipeline) replay(ctx context.Context, m *machine, prior ledger.AuditRecord) Outcome {
	_ = m.advance(StateAssessed)
	if prior.Plan != nil {
		_ = m.advance(StatePlanned)
		_ = m.advance(StateValidated)
	}
	_ = m.advance(StateRecorded)
	p.metrics.incReplay()
	p.logger.InfoContext(ctx, "conjunction already recorded",
		"event_id", prior.EventID,
		"sequence", prior.Sequence,
		"decision", prior.Decision,
	)
	return Outcome{Record: prior, Replayed: true, Trace: m.history()}
}

// hints are advisory: a failed lookup plans without them.
func (p *Pipeline) hints(ctx context.Context, ev conjunction.Event) []maneuver.Hint {
	if p.policy.SimilarityHints <= 0 {
		return nil
	}
	matches, err := p.recorder.FindSimilarStrategies(ctx, risk.GeometryOf(ev), p.policy.SimilarityHints)
	if err != nil {
		p.logger.WarnContext(ctx, "strategy lookup failed, planning without hints", "event_id", ev.ID, "error", err)
		return nil
	}
	hints := make([]maneuver.Hint, 0, len(matches))
	for _, m := range matches {
		hints = append(hints, m.Entry.Hint())
	}
	return hints
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	p.metrics.observeStage(name, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// BatchResult pairs one input with its outcome or error.
type BatchResult struct {
	Index   int      `json:"index"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Err     error    `json:"-"`
}

// ProcessBatch runs records concurrently, at most parallelism at a time.
// Results are in input order; one event's failure does not stop the others.
func (p *Pipeline) ProcessBatch(ctx context.Context, records []conjunction.Record, parallelism int) ([]BatchResult, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	results := make([]BatchResult, len(records))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, rec := range records {
		g.Go(func() error {
			results[i].Index = i
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			out, err := p.Process(ctx, rec)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Outcome = &out
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}
