package breakers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Effects is the bank's verdict for one cycle, consumed by the
// orchestrator's merge step.
type Effects struct {
	// ShadowMode is true while the daily loss limit stands tripped; it
	// forces every agent to SHADOW_MODE with zero allocation and overrides
	// every other effect.
	ShadowMode bool
	// AllocationScale multiplies every allocation; 1.0 when the
	// volatility guard is not tripped.
	AllocationScale float64
	// States are the post-evaluation breaker states, for the decision
	// audit trail.
	States []contracts.CircuitBreakerState
	// Events are the fresh trips caused by this evaluation.
	Events []contracts.CircuitBreakerEvent
}

// Bank evaluates the portfolio-wide breakers against a snapshot and
// answers per-agent concentration queries. Evaluation is fail-isolated:
// a panicking breaker is treated as unavailable telemetry (not tripped,
// logged) and never blocks the others.
type Bank struct {
	dailyLoss     *DailyLossLimit
	volGuard      *VolatilityGuard
	concentration *ConcentrationCheck
	notifier      Notifier
	logger        *slog.Logger
	clock         Clock
	notifyTimeout time.Duration
}

// BankConfig tunes the bank's thresholds.
type BankConfig struct {
	DailyLossThreshold  float64 // default -0.02
	VolatilityThreshold float64 // default 30
	VolatilityReduction float64 // default 0.5
	ConcentrationLimit  float64 // default 0.20
	NotifyTimeout       time.Duration
}

func (c BankConfig) withDefaults() BankConfig {
	if c.DailyLossThreshold == 0 {
		c.DailyLossThreshold = -0.02
	}
	if c.VolatilityThreshold == 0 {
		c.VolatilityThreshold = 30
	}
	if c.VolatilityReduction == 0 {
		c.VolatilityReduction = 0.5
	}
	if c.ConcentrationLimit == 0 {
		c.ConcentrationLimit = 0.20
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 3 * time.Second
	}
	return c
}

// NewBank creates the three-breaker bank. notifier may be nil to disable
// alerting; logger nil falls back to slog.Default.
func NewBank(cfg BankConfig, notifier Notifier, logger *slog.Logger, clock Clock) *Bank {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Bank{
		dailyLoss:     NewDailyLossLimit(cfg.DailyLossThreshold, clock),
		volGuard:      NewVolatilityGuard(cfg.VolatilityThreshold, cfg.VolatilityReduction, clock),
		concentration: NewConcentrationCheck(cfg.ConcentrationLimit),
		notifier:      notifier,
		logger:        logger,
		clock:         clock,
		notifyTimeout: cfg.NotifyTimeout,
	}
}

// Evaluate runs the portfolio-wide breakers over the snapshot. Each
// breaker's evaluation is isolated; a panic degrades that breaker to
// "not tripped this cycle" with a logged warning.
func (b *Bank) Evaluate(ctx context.Context, snap contracts.MarketSnapshot) Effects {
	effects := Effects{AllocationScale: 1.0}

	if state, fresh, ok := b.evaluateIsolated(NameDailyLoss, func() (contracts.CircuitBreakerState, bool) {
		return b.dailyLoss.Observe(snap)
	}); ok {
		effects.States = append(effects.States, state)
		if fresh {
			effects.Events = append(effects.Events, b.emit(ctx, state,
				fmt.Sprintf("daily PnL %.4f breached loss limit %.4f", state.CurrentValue, state.Threshold)))
		}
	}
	effects.ShadowMode = b.dailyLoss.tripped()

	if state, fresh, ok := b.evaluateIsolated(NameVolatility, func() (contracts.CircuitBreakerState, bool) {
		return b.volGuard.Observe(snap)
	}); ok {
		effects.States = append(effects.States, state)
		if fresh {
			effects.Events = append(effects.Events, b.emit(ctx, state,
				fmt.Sprintf("volatility index %.2f above guard threshold %.2f", state.CurrentValue, state.Threshold)))
		}
	}
	if b.volGuard.tripped() {
		effects.AllocationScale = b.volGuard.Reduction()
	}

	return effects
}

// evaluateIsolated shields the bank from a misbehaving breaker.
func (b *Bank) evaluateIsolated(name string, eval func() (contracts.CircuitBreakerState, bool)) (state contracts.CircuitBreakerState, fresh, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("breaker evaluation panicked, treating as not tripped",
				"breaker", name, "panic", r)
			ok = false
		}
	}()
	state, fresh = eval()
	return state, fresh, true
}

// ConcentrationExceeded reports whether an agent's BUY would breach the
// concentration limit. Unusable telemetry degrades to false with a
// warning, never to a cycle abort.
func (b *Bank) ConcentrationExceeded(snap contracts.MarketSnapshot, agentID, ticker string, proposedNotional float64) bool {
	exceeded, err := b.concentration.Exceeds(snap, ticker, proposedNotional)
	if err != nil {
		b.logger.Warn("concentration check degraded: telemetry unavailable",
			"agent_id", agentID, "ticker", ticker, "error", err)
		return false
	}
	return exceeded
}

// ConcentrationEvent builds the audit event for a per-agent downgrade.
func (b *Bank) ConcentrationEvent(ctx context.Context, agentID, ticker string) contracts.CircuitBreakerEvent {
	state := contracts.CircuitBreakerState{
		Name:             NameConcentration,
		Status:           contracts.BreakerTripped,
		Threshold:        b.concentration.Limit(),
		LastTransitionAt: b.clock.Now().UTC(),
	}
	return b.emit(ctx, state, fmt.Sprintf("agent %s BUY %s downgraded to HOLD: concentration limit", agentID, ticker))
}

// Reset explicitly clears a tripped breaker. Trips never clear on their
// own; an operator or a supervising process must call this.
func (b *Bank) Reset(name string) error {
	switch name {
	case NameDailyLoss:
		b.dailyLoss.reset()
	case NameVolatility:
		b.volGuard.reset()
	default:
		return fmt.Errorf("breakers: unknown breaker %q", name)
	}
	b.logger.Info("circuit breaker reset", "breaker", name)
	return nil
}

// States returns the current state of the portfolio-wide breakers.
func (b *Bank) States() []contracts.CircuitBreakerState {
	return []contracts.CircuitBreakerState{
		b.dailyLoss.snapshot(),
		b.volGuard.snapshot(),
	}
}

// emit builds the event and fires the best-effort notification. Delivery
// failure is logged and never blocks the decision pipeline.
func (b *Bank) emit(ctx context.Context, state contracts.CircuitBreakerState, msg string) contracts.CircuitBreakerEvent {
	event := contracts.CircuitBreakerEvent{
		EventID:   uuid.NewString(),
		State:     state,
		Message:   msg,
		Timestamp: b.clock.Now().UTC(),
	}
	b.logger.Warn("circuit breaker event", "breaker", state.Name, "status", string(state.Status), "message", msg)

	if b.notifier != nil {
		go func() {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.notifyTimeout)
			defer cancel()
			if err := b.notifier.Notify(nctx, event); err != nil {
				b.logger.Warn("breaker notification failed", "breaker", state.Name, "error", err)
			}
		}()
	}
	return event
}
