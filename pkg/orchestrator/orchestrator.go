// Package orchestrator composes one evaluation cycle: verify the signed
// signal batch, evaluate the breaker bank and the weighting engine
// concurrently, merge everything into a single authoritative
// OrchestrationDecision, and hand it to the audit sink best-effort.
//
// Conflicting effects resolve in fixed order: daily loss (SHADOW_MODE)
// over systemic risk-off (BUY to HOLD) over concentration (per-agent BUY
// to HOLD) over volatility scaling over the weighted base allocation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/breakers"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
	"github.com/Mindburn-Labs/arbiter/pkg/signal"
	"github.com/Mindburn-Labs/arbiter/pkg/weights"
)

// OverrideReasonConcentration annotates a single agent's BUY downgraded
// by the concentration check.
const OverrideReasonConcentration = "concentration_limit"

// Clock abstracts wall time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Summarizer produces the optional human-readable cycle narrative.
// It is strictly advisory: a failure or timeout yields an empty summary,
// never a failed cycle.
type Summarizer interface {
	Summarize(ctx context.Context, d contracts.OrchestrationDecision) (string, error)
}

// Config tunes one orchestrator instance.
type Config struct {
	// SystemicSellThreshold is the verified SELL count at which the
	// portfolio-wide risk-off override engages. Default 3.
	SystemicSellThreshold int
	// Weights are passed through to the weighting engine each cycle.
	Weights weights.Options
	// SummaryTimeout bounds the advisory summarizer call. Default 5s.
	SummaryTimeout time.Duration
	// SinkTimeout bounds each audit write. Default 3s.
	SinkTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SystemicSellThreshold <= 0 {
		c.SystemicSellThreshold = 3
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = 5 * time.Second
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 3 * time.Second
	}
	return c
}

// Orchestrator runs evaluation cycles. It owns no state between cycles;
// stickiness lives in the breaker bank.
type Orchestrator struct {
	verifier   *signal.Verifier
	engine     *weights.Engine
	bank       *breakers.Bank
	sink       audit.Sink
	summarizer Summarizer
	metrics    *observability.Metrics
	logger     *slog.Logger
	clock      Clock
	cfg        Config
}

// Option customizes a new Orchestrator.
type Option func(*Orchestrator)

// WithClock injects a deterministic clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSummarizer attaches the advisory narrative generator.
func WithSummarizer(s Summarizer) Option {
	return func(o *Orchestrator) { o.summarizer = s }
}

// WithMetrics attaches cycle counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New assembles an orchestrator over its verified collaborators.
func New(verifier *signal.Verifier, engine *weights.Engine, bank *breakers.Bank, sink audit.Sink, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		verifier: verifier,
		engine:   engine,
		bank:     bank,
		sink:     sink,
		logger:   logger,
		clock:    wallClock{},
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunCycle evaluates one batch of signed signals against a market
// snapshot and returns the authoritative decision for the cycle.
// An error means the cycle was abandoned before a decision was emitted;
// an abandoned cycle is never authoritative. Per-agent problems
// (verification failures, telemetry gaps) degrade within the decision
// instead of failing it.
func (o *Orchestrator) RunCycle(ctx context.Context, batch []signal.Envelope, snap contracts.MarketSnapshot) (contracts.OrchestrationDecision, error) {
	if err := ctx.Err(); err != nil {
		return contracts.OrchestrationDecision{}, fmt.Errorf("cycle abandoned: %w", err)
	}

	sessionID := uuid.NewString()
	logger := o.logger.With("session_id", sessionID)

	verified, dropped, violations := o.verifyBatch(ctx, logger, batch)

	ids := make([]string, 0, len(verified))
	for _, env := range verified {
		ids = append(ids, env.AgentID())
	}
	sort.Strings(ids)

	// Breaker evaluation and weighting are independent reads of the
	// snapshot and the ledger; run them concurrently.
	var (
		wg        sync.WaitGroup
		effects   breakers.Effects
		weightMap map[string]float64
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		effects = o.bank.Evaluate(ctx, snap)
	}()
	go func() {
		defer wg.Done()
		weightMap = o.engine.ComputeWeights(ctx, ids, o.cfg.Weights)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return contracts.OrchestrationDecision{}, fmt.Errorf("cycle abandoned: %w", err)
	}

	systemic := o.systemicRiskDetected(verified)

	events := effects.Events
	if o.metrics != nil {
		for _, ev := range events {
			o.metrics.RecordTrip(ctx, ev.State.Name)
		}
	}
	agents := make([]contracts.AgentDecision, 0, len(ids))
	for _, id := range ids {
		env := verified[id]
		decision, event := o.mergeAgent(ctx, env, snap, effects, systemic, weightMap[id])
		if event != nil {
			events = append(events, *event)
			if o.metrics != nil {
				o.metrics.RecordTrip(ctx, event.State.Name)
			}
		}
		agents = append(agents, decision)
	}

	decision := contracts.OrchestrationDecision{
		SessionID:            sessionID,
		Agents:               agents,
		SystemicRiskDetected: systemic,
		DroppedSignals:       dropped,
		Timestamp:            o.clock.Now().UTC(),
	}
	decision.AISummary = o.summarize(ctx, logger, decision)
	decision.Audited = o.persist(ctx, logger, decision, events, violations)

	if o.metrics != nil {
		o.metrics.RecordCycle(ctx, systemic)
	}
	logger.Info("cycle complete",
		"agents", len(agents),
		"dropped", len(dropped),
		"systemic_risk", systemic,
		"shadow_mode", effects.ShadowMode,
		"audited", decision.Audited)
	return decision, nil
}

// violation is one dropped signal's reason, for the audit trail.
type violation struct {
	agentID string
	detail  string
}

// verifyBatch authenticates every envelope and partitions the batch into
// trusted signals and dropped agent ids. A second envelope from an
// already-verified agent in the same batch is dropped as a duplicate
// submission. Dropped ids are sorted for deterministic output.
func (o *Orchestrator) verifyBatch(ctx context.Context, logger *slog.Logger, batch []signal.Envelope) (map[string]signal.Envelope, []string, []violation) {
	verified := make(map[string]signal.Envelope, len(batch))
	var dropped []string
	var violations []violation
	drop := func(agentID, detail string) {
		dropped = append(dropped, agentID)
		violations = append(violations, violation{agentID: agentID, detail: detail})
		if o.metrics != nil {
			o.metrics.RecordDropped(ctx, agentID)
		}
	}
	for _, env := range batch {
		if err := o.verifier.Verify(ctx, env); err != nil {
			logger.Warn("signal dropped: verification failed",
				"agent_id", env.AgentID(), "error", err)
			drop(env.AgentID(), err.Error())
			continue
		}
		if _, dup := verified[env.AgentID()]; dup {
			logger.Warn("signal dropped: duplicate submission in batch",
				"agent_id", env.AgentID())
			drop(env.AgentID(), "duplicate submission in batch")
			continue
		}
		verified[env.AgentID()] = env
	}
	sort.Strings(dropped)
	return verified, dropped, violations
}

// systemicRiskDetected counts verified SELL signals against the
// configured threshold. Dropped signals never count.
func (o *Orchestrator) systemicRiskDetected(verified map[string]signal.Envelope) bool {
	sells := 0
	for _, env := range verified {
		if env.Raw().Action == contracts.ActionSell {
			sells++
		}
	}
	return sells >= o.cfg.SystemicSellThreshold
}

// mergeAgent resolves one agent's final action, allocation and mode.
// Effects apply lowest precedence first so that each higher-precedence
// effect overwrites the annotations of the ones below it.
func (o *Orchestrator) mergeAgent(ctx context.Context, env signal.Envelope, snap contracts.MarketSnapshot, effects breakers.Effects, systemic bool, weight float64) (contracts.AgentDecision, *contracts.CircuitBreakerEvent) {
	raw := env.Raw()
	d := contracts.AgentDecision{
		AgentID:         env.AgentID(),
		FinalAction:     raw.Action,
		FinalAllocation: raw.TargetAllocation * weight,
		Weight:          weight,
		Mode:            contracts.ModeActive,
	}
	var event *contracts.CircuitBreakerEvent

	if effects.AllocationScale != 1.0 {
		d.FinalAllocation *= effects.AllocationScale
		d.Mode = contracts.ModeReduced
	}

	if raw.Action == contracts.ActionBuy {
		proposed := d.FinalAllocation * snap.TotalEquity
		if o.bank.ConcentrationExceeded(snap, env.AgentID(), raw.Ticker, proposed) {
			d.FinalAction = contracts.ActionHold
			d.FinalAllocation = 0
			d.OverrideReason = OverrideReasonConcentration
			ev := o.bank.ConcentrationEvent(ctx, env.AgentID(), raw.Ticker)
			event = &ev
		}
	}

	// The portfolio-wide risk-off override applies to the submitted
	// action, so it also re-annotates a BUY the concentration check
	// already downgraded.
	if systemic && raw.Action == contracts.ActionBuy {
		d.FinalAction = contracts.ActionHold
		d.FinalAllocation = 0
		d.OverrideReason = contracts.OverrideReasonSystemicRisk
	}

	if effects.ShadowMode {
		d.Mode = contracts.ModeShadow
		d.FinalAllocation = 0
	}
	return d, event
}

// summarize runs the advisory narrative generator under its own timeout.
// Any failure degrades to an empty summary.
func (o *Orchestrator) summarize(ctx context.Context, logger *slog.Logger, d contracts.OrchestrationDecision) string {
	if o.summarizer == nil {
		return ""
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SummaryTimeout)
	defer cancel()
	summary, err := o.summarizer.Summarize(sctx, d)
	if err != nil {
		logger.Warn("summary unavailable", "error", err)
		return ""
	}
	return summary
}

// persist writes the decision, any breaker events and any security
// violations to the audit sink. Writes outlive a cancelled cycle context
// up to the sink timeout. The returned flag reports whether the decision
// itself landed; secondary write failures are logged but do not unflag
// the decision.
func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, d contracts.OrchestrationDecision, events []contracts.CircuitBreakerEvent, violations []violation) bool {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SinkTimeout)
	defer cancel()

	audited := true
	if err := o.sink.PersistDecision(pctx, d); err != nil {
		audited = false
		logger.Error("audit write failed: decision flagged unaudited", "error", err)
		if o.metrics != nil {
			o.metrics.RecordSinkFailure(ctx)
		}
	}
	var secondary error
	for _, ev := range events {
		if err := o.sink.PersistEvent(pctx, ev); err != nil {
			secondary = errors.Join(secondary, err)
		}
	}
	for _, v := range violations {
		if err := o.sink.PersistSecurityViolation(pctx, v.agentID, v.detail); err != nil {
			secondary = errors.Join(secondary, err)
		}
	}
	if secondary != nil {
		logger.Error("audit write failed for secondary entries", "error", secondary)
		if o.metrics != nil {
			o.metrics.RecordSinkFailure(ctx)
		}
	}
	return audited
}
