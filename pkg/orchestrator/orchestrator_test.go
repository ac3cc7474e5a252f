package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/breakers"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/identity"
	"github.com/Mindburn-Labs/arbiter/pkg/ledger"
	"github.com/Mindburn-Labs/arbiter/pkg/signal"
	"github.com/Mindburn-Labs/arbiter/pkg/weights"
)

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

// harness wires a full pipeline over in-memory collaborators.
type harness struct {
	registry *identity.Registry
	signer   *signal.Signer
	ledger   *ledger.MemoryLedger
	bank     *breakers.Bank
	trail    *audit.Trail
	orch     *Orchestrator
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	sink       audit.Sink
	summarizer Summarizer
	bankCfg    breakers.BankConfig
	cfg        Config
}

func withSink(s audit.Sink) harnessOption {
	return func(c *harnessConfig) { c.sink = s }
}

func withSummarizer(s Summarizer) harnessOption {
	return func(c *harnessConfig) { c.summarizer = s }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{
		cfg: Config{Weights: weights.Options{Mode: weights.ModeFloor}},
	}
	for _, opt := range opts {
		opt(&hc)
	}

	logger := slog.New(slog.DiscardHandler)
	clock := fixedClock{now: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)}

	h := &harness{
		registry: identity.NewRegistry(identity.WithClock(clock)),
		ledger:   ledger.NewMemoryLedger(),
		trail:    audit.NewTrail(),
		bank:     breakers.NewBank(hc.bankCfg, nil, logger, clock),
	}
	h.signer = signal.NewSigner(h.registry, clock)
	verifier := signal.NewVerifier(h.registry, signal.NewMemoryNonceGuard(time.Hour))
	engine := weights.NewEngine(h.ledger, logger)

	sink := hc.sink
	if sink == nil {
		sink = h.trail
	}
	orchOpts := []Option{WithClock(clock)}
	if hc.summarizer != nil {
		orchOpts = append(orchOpts, WithSummarizer(hc.summarizer))
	}
	h.orch = New(verifier, engine, h.bank, sink, hc.cfg, logger, orchOpts...)
	return h
}

func (h *harness) signed(t *testing.T, agentID string, raw contracts.RawSignal) signal.Envelope {
	t.Helper()
	_, err := h.registry.Register(agentID)
	require.NoError(t, err)
	env, err := h.signer.Sign(agentID, raw)
	require.NoError(t, err)
	return env
}

func buySignal(ticker string, allocation float64) contracts.RawSignal {
	return contracts.RawSignal{
		Action:           contracts.ActionBuy,
		Confidence:       0.8,
		Reasoning:        "momentum continuation on " + ticker,
		TargetAllocation: allocation,
		Ticker:           ticker,
	}
}

func sellSignal(ticker string) contracts.RawSignal {
	return contracts.RawSignal{
		Action:           contracts.ActionSell,
		Confidence:       0.9,
		Reasoning:        "trend exhaustion on " + ticker,
		TargetAllocation: 0,
		Ticker:           ticker,
	}
}

func calmSnapshot() contracts.MarketSnapshot {
	return contracts.MarketSnapshot{
		TakenAt:         time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
		DailyPnLPct:     0.004,
		TotalEquity:     100_000,
		BuyingPower:     40_000,
		VolatilityIndex: 17,
	}
}

func TestRunCycleNormal(t *testing.T) {
	h := newHarness(t)
	h.ledger.Seed("alpha", []float64{0.02, 0.015, 0.018, 0.011})
	h.ledger.Seed("beta", []float64{0.002, -0.001, 0.004, 0.001})

	batch := []signal.Envelope{
		h.signed(t, "beta", buySignal("MSFT", 0.20)),
		h.signed(t, "alpha", buySignal("AAPL", 0.30)),
	}
	decision, err := h.orch.RunCycle(context.Background(), batch, calmSnapshot())
	require.NoError(t, err)

	require.Len(t, decision.Agents, 2)
	assert.Equal(t, "alpha", decision.Agents[0].AgentID, "agents ordered by id")
	assert.Equal(t, "beta", decision.Agents[1].AgentID)
	assert.False(t, decision.SystemicRiskDetected)
	assert.Empty(t, decision.DroppedSignals)
	assert.True(t, decision.Audited)
	assert.NotEmpty(t, decision.SessionID)

	for _, a := range decision.Agents {
		assert.Equal(t, contracts.ActionBuy, a.FinalAction)
		assert.Equal(t, contracts.ModeActive, a.Mode)
		assert.Empty(t, a.OverrideReason)
	}
	alpha, beta := decision.Agents[0], decision.Agents[1]
	assert.Greater(t, alpha.Weight, beta.Weight, "stronger track record earns more capital")
	assert.InDelta(t, 0.30*alpha.Weight, alpha.FinalAllocation, 1e-12)
	assert.InDelta(t, 0.20*beta.Weight, beta.FinalAllocation, 1e-12)

	entries := h.trail.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindDecision, entries[0].Kind)
	assert.Equal(t, decision.SessionID, entries[0].Subject)
	require.NoError(t, h.trail.VerifyChain())
}

func TestRunCycleSystemicRiskOverride(t *testing.T) {
	h := newHarness(t)
	batch := []signal.Envelope{
		h.signed(t, "a1", sellSignal("SPY")),
		h.signed(t, "a2", sellSignal("QQQ")),
		h.signed(t, "a3", sellSignal("IWM")),
		h.signed(t, "a4", buySignal("NVDA", 0.25)),
	}
	decision, err := h.orch.RunCycle(context.Background(), batch, calmSnapshot())
	require.NoError(t, err)

	assert.True(t, decision.SystemicRiskDetected)
	byID := make(map[string]contracts.AgentDecision)
	for _, a := range decision.Agents {
		byID[a.AgentID] = a
	}
	assert.Equal(t, contracts.ActionHold, byID["a4"].FinalAction)
	assert.Equal(t, contracts.OverrideReasonSystemicRisk, byID["a4"].OverrideReason)
	assert.Zero(t, byID["a4"].FinalAllocation)
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, contracts.ActionSell, byID[id].FinalAction, "SELLs pass through untouched")
		assert.Empty(t, byID[id].OverrideReason)
	}
}

func TestRunCycleTwoSellsIsNotSystemic(t *testing.T) {
	h := newHarness(t)
	batch := []signal.Envelope{
		h.signed(t, "a1", sellSignal("SPY")),
		h.signed(t, "a2", sellSignal("QQQ")),
		h.signed(t, "a3", buySignal("NVDA", 0.10)),
	}
	decision, err := h.orch.RunCycle(context.Background(), batch, calmSnapshot())
	require.NoError(t, err)
	assert.False(t, decision.SystemicRiskDetected)
	for _, a := range decision.Agents {
		if a.AgentID == "a3" {
			assert.Equal(t, contracts.ActionBuy, a.FinalAction)
		}
	}
}

func TestRunCycleDroppedSignalDoesNotCountTowardSystemic(t *testing.T) {
	h := newHarness(t)
	batch := []signal.Envelope{
		h.signed(t, "a1", sellSignal("SPY")),
		h.signed(t, "a2", sellSignal("QQQ")),
		h.signed(t, "a4", buySignal("NVDA", 0.10)),
	}

	// Tamper a third SELL in transit: its reasoning changes after signing.
	env := h.signed(t, "a3", sellSignal("IWM"))
	data, err := json.Marshal(env)
	require.NoError(t, err)
	var forged signal.Envelope
	require.NoError(t, json.Unmarshal(
		[]byte(strings.Replace(string(data), "trend exhaustion", "fabricated view", 1)), &forged))
	batch = append(batch, forged)

	decision, err := h.orch.RunCycle(context.Background(), batch, calmSnapshot())
	require.NoError(t, err)

	assert.Equal(t, []string{"a3"}, decision.DroppedSignals)
	assert.False(t, decision.SystemicRiskDetected, "only verified SELLs count")
	require.Len(t, decision.Agents, 3)
	for _, a := range decision.Agents {
		assert.NotEqual(t, "a3", a.AgentID)
	}

	var securitySubjects []string
	for _, e := range h.trail.Entries() {
		if e.Kind == audit.KindSecurity {
			securitySubjects = append(securitySubjects, e.Subject)
		}
	}
	assert.Equal(t, []string{"a3"}, securitySubjects, "the drop lands in the audit trail")
}

func TestRunCycleDailyLossForcesShadowMode(t *testing.T) {
	h := newHarness(t)
	batch := []signal.Envelope{
		h.signed(t, "a1", buySignal("AAPL", 0.30)),
		h.signed(t, "a2", sellSignal("SPY")),
	}
	snap := calmSnapshot()
	snap.DailyPnLPct = -0.025

	decision, err := h.orch.RunCycle(context.Background(), batch, snap)
	require.NoError(t, err)

	for _, a := range decision.Agents {
		assert.Equal(t, contracts.ModeShadow, a.Mode)
		assert.Zero(t, a.FinalAllocation)
	}

	// The trip is sticky: the next cycle stays shadowed even after
	// telemetry recovers.
	snap.DailyPnLPct = 0.01
	next, err := h.orch.RunCycle(context.Background(), []signal.Envelope{
		h.signed(t, "a3", buySignal("MSFT", 0.10)),
	}, snap)
	require.NoError(t, err)
	require.Len(t, next.Agents, 1)
	assert.Equal(t, contracts.ModeShadow, next.Agents[0].Mode)

	require.NoError(t, h.bank.Reset(breakers.NameDailyLoss))
	cleared, err := h.orch.RunCycle(context.Background(), []signal.Envelope{
		h.signed(t, "a4", buySignal("GOOG", 0.10)),
	}, snap)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeActive, cleared.Agents[0].Mode)
}

func TestRunCycleShadowModeStillRecordsSystemicAnnotation(t *testing.T) {
	h := newHarness(t)
	batch := []signal.Envelope{
		h.signed(t, "a1", sellSignal("SPY")),
		h.signed(t, "a2", sellSignal("QQQ")),
		h.signed(t, "a3", sellSignal("IWM")),
		h.signed(t, "a4", buySignal("NVDA", 0.25)),
	}
	snap := calmSnapshot()
	snap.DailyPnLPct = -0.03

	decision, err := h.orch.RunCycle(context.Background(), batch, snap)
	require.NoError(t, err)

	assert.True(t, decision.SystemicRiskDetected)
	for _, a := range decision.Agents {
		assert.Equal(t, contracts.ModeShadow, a.Mode, "daily loss wins the mode")
		assert.Zero(t, a.FinalAllocation)
		if a.AgentID == "a4" {
			assert.Equal(t, contracts.ActionHold, a.FinalAction)
			assert.Equal(t, contracts.OverrideReasonSystemicRisk, a.OverrideReason)
		}
	}
}

func TestRunCycleVolatilityGuardScalesAllocations(t *testing.T) {
	h := newHarness(t)
	env := h.signed(t, "a1", buySignal("AAPL", 0.40))
	snap := calmSnapshot()
	snap.VolatilityIndex = 34

	decision, err := h.orch.RunCycle(context.Background(), []signal.Envelope{env}, snap)
	require.NoError(t, err)

	require.Len(t, decision.Agents, 1)
	a := decision.Agents[0]
	assert.Equal(t, contracts.ModeReduced, a.Mode)
	assert.InDelta(t, 0.40*a.Weight*0.5, a.FinalAllocation, 1e-12)
	assert.Equal(t, contracts.ActionBuy, a.FinalAction)
}

func TestRunCycleVolatilityScalingComposesWithConcentration(t *testing.T) {
	// The concentration check prices the scaled proposal: with the guard
	// tripped (index 34, scale 0.5) a 0.30 target from a weight-1.0 agent
	// proposes 15k of the 100k book against the 20% limit.
	t.Run("scaling brings the proposal under the limit", func(t *testing.T) {
		h := newHarness(t)
		env := h.signed(t, "solo", buySignal("TSLA", 0.30))
		snap := calmSnapshot()
		snap.VolatilityIndex = 34
		// Unscaled: (30k+4k)/100k = 34% would breach; scaled: 19% passes.
		snap.PositionValues = map[string]float64{"TSLA": 4_000}

		decision, err := h.orch.RunCycle(context.Background(), []signal.Envelope{env}, snap)
		require.NoError(t, err)

		require.Len(t, decision.Agents, 1)
		a := decision.Agents[0]
		assert.Equal(t, contracts.ActionBuy, a.FinalAction)
		assert.Equal(t, contracts.ModeReduced, a.Mode)
		assert.Empty(t, a.OverrideReason)
		assert.InDelta(t, 0.30*a.Weight*0.5, a.FinalAllocation, 1e-12)
	})

	t.Run("scaled proposal still breaches", func(t *testing.T) {
		h := newHarness(t)
		env := h.signed(t, "solo", buySignal("TSLA", 0.30))
		snap := calmSnapshot()
		snap.VolatilityIndex = 34
		// Scaled: (15k+8k)/100k = 23% still breaches 20%.
		snap.PositionValues = map[string]float64{"TSLA": 8_000}

		decision, err := h.orch.RunCycle(context.Background(), []signal.Envelope{env}, snap)
		require.NoError(t, err)

		require.Len(t, decision.Agents, 1)
		a := decision.Agents[0]
		assert.Equal(t, contracts.ActionHold, a.FinalAction)
		assert.Equal(t, OverrideReasonConcentration, a.OverrideReason)
		assert.Zero(t, a.FinalAllocation)
		assert.Equal(t, contracts.ModeReduced, a.Mode, "the guard's mode survives the downgrade")
	})
}

func TestRunCycleConcentrationDowngradesSingleAgent(t *testing.T) {
	h := newHarness(t)
	h.ledger.Seed("big", []float64{0.02, 0.02, 0.019, 0.021})
	batch := []signal.Envelope{
		h.signed(t, "big", buySignal("TSLA", 1.0)),
		h.signed(t, "small", buySignal("AAPL", 0.02)),
	}
	snap := calmSnapshot()
	snap.PositionValues = map[string]float64{"TSLA": 15_000}

	decision, err := h.orch.RunCycle(context.Background(), batch, snap)
	require.NoError(t, err)

	byID := make(map[string]contracts.AgentDecision)
	for _, a := range decision.Agents {
		byID[a.AgentID] = a
	}
	// big: 15k existing plus ~weight*100k proposed exceeds 20% of 100k.
	assert.Equal(t, contracts.ActionHold, byID["big"].FinalAction)
	assert.Equal(t, OverrideReasonConcentration, byID["big"].OverrideReason)
	assert.Zero(t, byID["big"].FinalAllocation)
	// small stays untouched.
	assert.Equal(t, contracts.ActionBuy, byID["small"].FinalAction)
	assert.Empty(t, byID["small"].OverrideReason)

	var eventKinds []string
	for _, e := range h.trail.Entries() {
		eventKinds = append(eventKinds, e.Kind)
	}
	assert.Contains(t, eventKinds, audit.KindBreakerEvent, "downgrade lands in the audit trail")
}

type failingSink struct{ err error }

func (f failingSink) PersistDecision(context.Context, contracts.OrchestrationDecision) error {
	return f.err
}

func (f failingSink) PersistEvent(context.Context, contracts.CircuitBreakerEvent) error {
	return f.err
}

func (f failingSink) PersistSecurityViolation(context.Context, string, string) error {
	return f.err
}

func TestRunCycleSinkFailureFlagsUnaudited(t *testing.T) {
	h := newHarness(t, withSink(failingSink{err: errors.New("disk full")}))
	env := h.signed(t, "a1", buySignal("AAPL", 0.10))

	decision, err := h.orch.RunCycle(context.Background(), []signal.Envelope{env}, calmSnapshot())
	require.NoError(t, err, "a sink failure never fails the cycle")
	assert.False(t, decision.Audited)
	require.Len(t, decision.Agents, 1)
	assert.Equal(t, contracts.ActionBuy, decision.Agents[0].FinalAction)
}

type stubSummarizer struct {
	summary string
	err     error
}

func (s stubSummarizer) Summarize(context.Context, contracts.OrchestrationDecision) (string, error) {
	return s.summary, s.err
}

func TestRunCycleSummarizerIsAdvisory(t *testing.T) {
	t.Run("success attaches the narrative", func(t *testing.T) {
		h := newHarness(t, withSummarizer(stubSummarizer{summary: "calm session, two buys scaled by track record"}))
		env := h.signed(t, "a1", buySignal("AAPL", 0.10))
		decision, err := h.orch.RunCycle(context.Background(), []signal.Envelope{env}, calmSnapshot())
		require.NoError(t, err)
		assert.Equal(t, "calm session, two buys scaled by track record", decision.AISummary)
	})

	t.Run("failure degrades to an empty summary", func(t *testing.T) {
		h := newHarness(t, withSummarizer(stubSummarizer{err: errors.New("model unavailable")}))
		env := h.signed(t, "a1", buySignal("AAPL", 0.10))
		decision, err := h.orch.RunCycle(context.Background(), []signal.Envelope{env}, calmSnapshot())
		require.NoError(t, err)
		assert.Empty(t, decision.AISummary)
		assert.True(t, decision.Audited)
	})
}

func TestRunCycleCancelledContextIsNotAuthoritative(t *testing.T) {
	h := newHarness(t)
	env := h.signed(t, "a1", buySignal("AAPL", 0.10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orch.RunCycle(ctx, []signal.Envelope{env}, calmSnapshot())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.trail.Entries(), "an abandoned cycle writes nothing")
}

func TestRunCycleDuplicateAgentSubmissionIsDropped(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Register("a1")
	require.NoError(t, err)
	first, err := h.signer.Sign("a1", buySignal("AAPL", 0.10))
	require.NoError(t, err)
	second, err := h.signer.Sign("a1", sellSignal("AAPL"))
	require.NoError(t, err)

	decision, err := h.orch.RunCycle(context.Background(), []signal.Envelope{first, second}, calmSnapshot())
	require.NoError(t, err)

	require.Len(t, decision.Agents, 1)
	assert.Equal(t, contracts.ActionBuy, decision.Agents[0].FinalAction, "first verified submission wins")
	assert.Equal(t, []string{"a1"}, decision.DroppedSignals)
}

func TestRunCycleEmptyBatch(t *testing.T) {
	h := newHarness(t)
	decision, err := h.orch.RunCycle(context.Background(), nil, calmSnapshot())
	require.NoError(t, err)
	assert.Empty(t, decision.Agents)
	assert.False(t, decision.SystemicRiskDetected)
	assert.True(t, decision.Audited)
}
