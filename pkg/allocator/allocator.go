// Package allocator sizes capital for a strategy under hard risk caps.
// AllocateRisk is a pure function with no I/O, clock or global state:
// everything it needs arrives in MarketState, and identical inputs always
// produce identical output. Decimal arithmetic keeps the math exact; a
// capital-safety check must never hinge on float rounding.
package allocator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
)

// MarketState carries every constraint the allocator is allowed to see.
type MarketState struct {
	// DailyRiskCapUSD bounds the cumulative allocation across strategies
	// for the day. If zero, the buying-power fallback below must be set.
	DailyRiskCapUSD decimal.Decimal
	// MaxStrategyAllocationPct bounds a single strategy's allocation as a
	// fraction of the daily cap, in (0,1].
	MaxStrategyAllocationPct decimal.Decimal
	// CurrentAllocationsUSD is the capital already allocated today.
	CurrentAllocationsUSD decimal.Decimal
	// BuyingPowerUSD and BuyingPowerCapPct derive the daily cap when no
	// explicit cap is configured: cap = buying power * pct.
	BuyingPowerUSD    decimal.Decimal
	BuyingPowerCapPct decimal.Decimal
}

// Result is the allocator's output.
type Result struct {
	StrategyID   string          `json:"strategy_id"`
	AllocatedUSD decimal.Decimal `json:"allocated_usd"`
	// Clamped reports whether a risk boundary reduced the request.
	Clamped bool `json:"clamped"`
}

// AllocateRisk sizes the allocation for one strategy: the base request is
// confidence * per-strategy max, then both invariants clamp it. Missing
// required constraints fail loudly with a ConfigurationError; silently
// under-allocating could mask a breached cap, so this is the only
// allocator failure that is fatal to the cycle.
func AllocateRisk(strategyID string, confidence float64, state MarketState) (Result, error) {
	if confidence < 0 || confidence > 1 {
		return Result{}, contracts.NewValidationError("confidence", fmt.Sprintf("confidence %v outside [0,1]", confidence))
	}

	cap, err := resolveCap(state)
	if err != nil {
		return Result{}, err
	}

	pct := state.MaxStrategyAllocationPct
	if pct.LessThanOrEqual(decimal.Zero) || pct.GreaterThan(decimal.NewFromInt(1)) {
		return Result{}, fmt.Errorf("%w: max_strategy_allocation_pct must be in (0,1], got %s",
			contracts.ErrConfiguration, pct)
	}
	if state.CurrentAllocationsUSD.IsNegative() {
		return Result{}, fmt.Errorf("%w: current_allocations_usd is negative: %s",
			contracts.ErrConfiguration, state.CurrentAllocationsUSD)
	}

	perStrategyMax := cap.Mul(pct)
	requested := perStrategyMax.Mul(decimal.NewFromFloat(confidence))

	allocated := Clamp(requested, cap, pct, state.CurrentAllocationsUSD)

	assertPostconditions(allocated, cap, perStrategyMax, state.CurrentAllocationsUSD)

	return Result{
		StrategyID:   strategyID,
		AllocatedUSD: allocated,
		Clamped:      !allocated.Equal(requested),
	}, nil
}

// Clamp applies both risk invariants to a requested allocation and returns
// the exact boundary value when a limit binds:
//
//	allocated <= pct * cap               (per-strategy maximum)
//	current + allocated <= cap           (daily cumulative cap)
//	allocated >= 0
//
// When neither limit binds, the request passes through unchanged.
func Clamp(requested, cap, pct, current decimal.Decimal) decimal.Decimal {
	allocated := requested

	if perStrategyMax := cap.Mul(pct); allocated.GreaterThan(perStrategyMax) {
		allocated = perStrategyMax
	}
	if headroom := cap.Sub(current); allocated.GreaterThan(headroom) {
		allocated = headroom
	}
	if allocated.IsNegative() {
		allocated = decimal.Zero
	}
	return allocated
}

func resolveCap(state MarketState) (decimal.Decimal, error) {
	if state.DailyRiskCapUSD.GreaterThan(decimal.Zero) {
		return state.DailyRiskCapUSD, nil
	}
	if state.BuyingPowerUSD.GreaterThan(decimal.Zero) && state.BuyingPowerCapPct.GreaterThan(decimal.Zero) {
		return state.BuyingPowerUSD.Mul(state.BuyingPowerCapPct), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: no daily risk cap and no buying-power fallback configured",
		contracts.ErrConfiguration)
}

// assertPostconditions re-checks the invariants on every call. A violation
// is a bug in this package, never a recoverable input problem.
func assertPostconditions(allocated, cap, perStrategyMax, current decimal.Decimal) {
	if current.Add(allocated).GreaterThan(cap) {
		panic(fmt.Sprintf("allocator: postcondition violated: cumulative %s exceeds daily cap %s",
			current.Add(allocated), cap))
	}
	if allocated.GreaterThan(perStrategyMax) {
		panic(fmt.Sprintf("allocator: postcondition violated: allocation %s exceeds per-strategy max %s",
			allocated, perStrategyMax))
	}
	if allocated.IsNegative() {
		panic(fmt.Sprintf("allocator: postcondition violated: negative allocation %s", allocated))
	}
}
