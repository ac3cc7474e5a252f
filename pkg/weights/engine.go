// Package weights converts realized-trade performance into normalized
// capital weights. The pipeline is Sharpe ratio per agent, a shadow
// threshold splitting agents into a floor set and a softmax pool, then
// softmax normalization of the pool scaled by the capital the floor set
// did not take. Given identical histories the output is bit-identical:
// there is no clock and no randomness inside the engine.
package weights

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/arbiter/pkg/ledger"
)

// Mode decides what happens to agents whose Sharpe falls below the shadow
// threshold.
type Mode int

const (
	// ModeFloor gives sub-threshold agents a fixed floor weight and keeps
	// them out of the softmax pool.
	ModeFloor Mode = iota
	// ModeStrict gives sub-threshold agents weight zero.
	ModeStrict
)

// sharpeCap bounds the Sharpe ratio when the sample standard deviation is
// exactly zero: a constant return series yields +/-sharpeCap with the sign
// of (mean - rf), and 0 when mean equals rf. A finite sentinel keeps the
// softmax well-defined.
const sharpeCap = 4.0

// tradingDaysPerYear converts an annual risk-free rate to a daily one.
const tradingDaysPerYear = 252

// Options tunes a weight computation. Zero values take the documented
// defaults.
type Options struct {
	Lookback        int     // max returns per agent, default 50
	RiskFreeAnnual  float64 // annual risk-free rate, e.g. 0.05
	FloorWeight     float64 // ModeFloor weight, default 0.05
	ShadowThreshold float64 // Sharpe below this is sub-threshold, default 0
	Mode            Mode
	ReadTimeout     time.Duration // per-agent ledger read bound, default 2s
}

func (o Options) withDefaults() Options {
	if o.Lookback <= 0 {
		o.Lookback = 50
	}
	if o.FloorWeight <= 0 {
		o.FloorWeight = 0.05
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	return o
}

// Engine computes capital weights from a performance ledger.
type Engine struct {
	reader ledger.Reader
	logger *slog.Logger
}

// NewEngine creates an Engine reading from reader.
func NewEngine(reader ledger.Reader, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{reader: reader, logger: logger}
}

// ComputeWeights returns one weight per agent, summing to 1 within 1e-6
// whenever any agent receives capital. A failed or timed-out ledger read
// degrades that agent to Sharpe 0 rather than aborting the cycle.
func (e *Engine) ComputeWeights(ctx context.Context, agentIDs []string, opts Options) map[string]float64 {
	opts = opts.withDefaults()

	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)

	sharpes := make(map[string]float64, len(ids))
	for _, id := range ids {
		readCtx, cancel := context.WithTimeout(ctx, opts.ReadTimeout)
		returns, err := e.reader.RecentReturns(readCtx, id, opts.Lookback)
		cancel()
		if err != nil {
			e.logger.Warn("performance read failed, degrading agent to sharpe 0",
				"agent_id", id, "error", err)
			sharpes[id] = 0
			continue
		}
		sharpes[id] = Sharpe(returns, opts.RiskFreeAnnual/tradingDaysPerYear)
	}

	return fromScores(ids, sharpes, opts)
}

// Sharpe computes the risk-adjusted score of a return series against a
// daily risk-free rate: (sample mean - rf) / sample standard deviation
// (n-1 denominator). Fewer than two samples score 0. A zero standard
// deviation scores the capped sentinel with the sign of (mean - rf).
func Sharpe(returns []float64, riskFreeDaily float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	stdev := math.Sqrt(sq / float64(len(returns)-1))

	excess := mean - riskFreeDaily
	if stdev == 0 {
		switch {
		case excess > 0:
			return sharpeCap
		case excess < 0:
			return -sharpeCap
		default:
			return 0
		}
	}
	return excess / stdev
}

// FromScores runs the pure normalization step on precomputed Sharpe
// scores. ComputeWeights is FromScores over ledger-derived scores.
func FromScores(sharpes map[string]float64, opts Options) map[string]float64 {
	opts = opts.withDefaults()
	ids := make([]string, 0, len(sharpes))
	for id := range sharpes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fromScores(ids, sharpes, opts)
}

// fromScores is the pure normalization step. ids must be sorted; map
// iteration never decides anything.
func fromScores(ids []string, sharpes map[string]float64, opts Options) map[string]float64 {
	weights := make(map[string]float64, len(ids))

	var pool []string
	var floored []string
	for _, id := range ids {
		if sharpes[id] < opts.ShadowThreshold {
			floored = append(floored, id)
			continue
		}
		pool = append(pool, id)
	}

	switch opts.Mode {
	case ModeStrict:
		for _, id := range floored {
			weights[id] = 0
		}
		floored = nil
	case ModeFloor:
		for _, id := range floored {
			weights[id] = opts.FloorWeight
		}
	}

	totalFloor := opts.FloorWeight * float64(len(floored))

	if len(pool) == 0 {
		// Nobody cleared the threshold. In floor mode the floor weights
		// are all the capital there is; renormalize them to sum to 1.
		// In strict mode everything is zero and stays zero.
		if len(floored) > 0 && totalFloor > 0 {
			for _, id := range floored {
				weights[id] = 1 / float64(len(floored))
			}
		}
		return weights
	}

	maxSharpe := sharpes[pool[0]]
	for _, id := range pool[1:] {
		if sharpes[id] > maxSharpe {
			maxSharpe = sharpes[id]
		}
	}

	// Softmax with the max subtracted for numeric stability.
	exps := make([]float64, len(pool))
	var expSum float64
	for i, id := range pool {
		exps[i] = math.Exp(sharpes[id] - maxSharpe)
		expSum += exps[i]
	}

	remaining := 1 - totalFloor
	if remaining <= 0 {
		// The floor budget is oversubscribed: enough agents fell below
		// the threshold that their floors alone claim the whole book.
		// Give the pool full softmax mass and let the renormalization
		// below scale the entire vector; floors are honored exactly only
		// while they fit.
		remaining = 1
	}
	for i, id := range pool {
		weights[id] = remaining * exps[i] / expSum
	}

	// Renormalize so the distributed weights sum to exactly 1.
	var total float64
	for _, w := range weights {
		total += w
	}
	if total > 0 && math.Abs(total-1) > 1e-12 {
		for id, w := range weights {
			weights[id] = w / total
		}
	}
	return weights
}
