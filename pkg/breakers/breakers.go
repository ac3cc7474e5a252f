// Package breakers implements the hard safety checks of the pipeline:
// a daily loss limit, a volatility guard and a per-agent concentration
// check. Each breaker evaluates independently against the immutable
// per-cycle market snapshot; one breaker failing never blocks another.
// Trips are sticky: a tripped breaker stays tripped across cycles until
// explicitly reset.
package breakers

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// Breaker names.
const (
	NameDailyLoss     = "daily_loss_limit"
	NameVolatility    = "volatility_guard"
	NameConcentration = "concentration_check"
)

// Clock provides transition timestamps.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// stickyState is the shared trip/clear bookkeeping of a breaker.
type stickyState struct {
	mu    sync.Mutex
	state contracts.CircuitBreakerState
	clock Clock
}

func newStickyState(name string, threshold float64, clock Clock) *stickyState {
	if clock == nil {
		clock = wallClock{}
	}
	return &stickyState{
		state: contracts.CircuitBreakerState{
			Name:      name,
			Status:    contracts.BreakerArmed,
			Threshold: threshold,
		},
		clock: clock,
	}
}

// observe records the current value and trips if breach is true. A trip is
// sticky; observe never clears. It returns the state and whether this call
// caused a fresh trip.
func (s *stickyState) observe(current float64, breach bool) (contracts.CircuitBreakerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.CurrentValue = current
	if breach && s.state.Status != contracts.BreakerTripped {
		s.state.Status = contracts.BreakerTripped
		s.state.LastTransitionAt = s.clock.Now().UTC()
		return s.state, true
	}
	return s.state, false
}

// reset explicitly clears a tripped breaker back to armed.
func (s *stickyState) reset() contracts.CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status == contracts.BreakerTripped {
		s.state.Status = contracts.BreakerCleared
		s.state.LastTransitionAt = s.clock.Now().UTC()
	}
	s.state.Status = contracts.BreakerArmed
	return s.state
}

func (s *stickyState) snapshot() contracts.CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stickyState) tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status == contracts.BreakerTripped
}

// DailyLossLimit trips when realized daily PnL falls to or below the
// threshold (a negative fraction, default -0.02). Its effect is the
// strongest in the precedence order: every agent is forced to SHADOW_MODE
// with zero allocation for as long as the trip stands.
type DailyLossLimit struct {
	*stickyState
}

// NewDailyLossLimit creates the breaker. threshold must be negative;
// the conventional default is -0.02.
func NewDailyLossLimit(threshold float64, clock Clock) *DailyLossLimit {
	return &DailyLossLimit{stickyState: newStickyState(NameDailyLoss, threshold, clock)}
}

// Observe evaluates the snapshot and returns the post-evaluation state and
// whether this call freshly tripped the breaker.
func (d *DailyLossLimit) Observe(snap contracts.MarketSnapshot) (contracts.CircuitBreakerState, bool) {
	return d.observe(snap.DailyPnLPct, snap.DailyPnLPct <= d.snapshot().Threshold)
}

// VolatilityGuard trips when the external volatility index exceeds the
// threshold (default 30). It does not block trading; its effect is a
// multiplicative allocation reduction (default 0.5).
type VolatilityGuard struct {
	*stickyState
	reduction float64
}

// NewVolatilityGuard creates the guard with the given index threshold and
// allocation reduction factor.
func NewVolatilityGuard(threshold, reduction float64, clock Clock) *VolatilityGuard {
	if reduction <= 0 || reduction > 1 {
		reduction = 0.5
	}
	return &VolatilityGuard{
		stickyState: newStickyState(NameVolatility, threshold, clock),
		reduction:   reduction,
	}
}

// Observe evaluates the snapshot.
func (v *VolatilityGuard) Observe(snap contracts.MarketSnapshot) (contracts.CircuitBreakerState, bool) {
	return v.observe(snap.VolatilityIndex, snap.VolatilityIndex > v.snapshot().Threshold)
}

// Reduction is the factor applied to every allocation while tripped.
func (v *VolatilityGuard) Reduction() float64 { return v.reduction }

// ConcentrationCheck downgrades a single agent's BUY to HOLD when the
// position it would create exceeds the equity concentration limit
// (default 0.20). It is localized: no portfolio-wide state trips.
type ConcentrationCheck struct {
	limit float64
}

// NewConcentrationCheck creates the check with the given equity fraction
// limit.
func NewConcentrationCheck(limit float64) *ConcentrationCheck {
	if limit <= 0 {
		limit = 0.20
	}
	return &ConcentrationCheck{limit: limit}
}

// Limit returns the configured concentration limit.
func (c *ConcentrationCheck) Limit() float64 { return c.limit }

// Exceeds reports whether buying proposedNotional of ticker would push
// the position past the limit. A snapshot without positive equity is
// unusable telemetry; the check fails open (no downgrade) and the caller
// logs the degradation.
func (c *ConcentrationCheck) Exceeds(snap contracts.MarketSnapshot, ticker string, proposedNotional float64) (bool, error) {
	if snap.TotalEquity <= 0 {
		return false, contracts.ErrDataUnavailable
	}
	existing := snap.PositionValues[ticker]
	ratio := (existing + proposedNotional) / snap.TotalEquity
	return ratio > c.limit, nil
}
