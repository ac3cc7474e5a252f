// Command arbiter runs trading-signal arbitration cycles from the
// command line: it wires the identity registry, the signed-signal
// pipeline, the breaker bank, the weighting engine and the audit trail
// from one config file, then evaluates signal feeds against market
// snapshots.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/arbiter/pkg/allocator"
	"github.com/Mindburn-Labs/arbiter/pkg/audit"
	"github.com/Mindburn-Labs/arbiter/pkg/breakers"
	"github.com/Mindburn-Labs/arbiter/pkg/config"
	"github.com/Mindburn-Labs/arbiter/pkg/contracts"
	"github.com/Mindburn-Labs/arbiter/pkg/identity"
	"github.com/Mindburn-Labs/arbiter/pkg/ledger"
	"github.com/Mindburn-Labs/arbiter/pkg/observability"
	"github.com/Mindburn-Labs/arbiter/pkg/orchestrator"
	"github.com/Mindburn-Labs/arbiter/pkg/signal"
	"github.com/Mindburn-Labs/arbiter/pkg/weights"

	_ "modernc.org/sqlite"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "cycle":
		return runCycle(args[2:], stdout, stderr)
	case "allocate":
		return runAllocate(args[2:], stdout, stderr)
	case "audit-verify":
		return runAuditVerify(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: arbiter <command> [flags]

Commands:
  cycle         evaluate one signal feed against a market snapshot
  allocate      size one strategy's capital under the daily risk cap
  audit-verify  verify the hash chain of a sqlite audit trail`)
}

// feed is the cycle input: per-agent raw signals plus the snapshot they
// were produced against.
type feed struct {
	Snapshot contracts.MarketSnapshot `json:"snapshot"`
	Signals  []feedSignal             `json:"signals"`
}

type feedSignal struct {
	AgentID string              `json:"agent_id"`
	Signal  contracts.RawSignal `json:"signal"`
}

func runCycle(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cycle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to arbiter.yaml (optional)")
	feedPath := fs.String("feed", "", "path to the signal feed JSON (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *feedPath == "" {
		fmt.Fprintln(stderr, "cycle: -feed is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "cycle: %v\n", err)
		return 1
	}

	data, err := os.ReadFile(*feedPath)
	if err != nil {
		fmt.Fprintf(stderr, "cycle: %v\n", err)
		return 1
	}
	var f feed
	if err := json.Unmarshal(data, &f); err != nil {
		fmt.Fprintf(stderr, "cycle: parse feed: %v\n", err)
		return 1
	}

	eng, cleanup, err := build(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "cycle: %v\n", err)
		return 1
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch := make([]signal.Envelope, 0, len(f.Signals))
	for _, s := range f.Signals {
		if _, err := eng.registry.Register(s.AgentID); err != nil {
			fmt.Fprintf(stderr, "cycle: register %s: %v\n", s.AgentID, err)
			return 1
		}
		env, err := eng.signer.Sign(s.AgentID, s.Signal)
		if err != nil {
			fmt.Fprintf(stderr, "cycle: sign for %s: %v\n", s.AgentID, err)
			return 1
		}
		batch = append(batch, env)
	}

	decision, err := eng.orch.RunCycle(ctx, batch, f.Snapshot)
	if err != nil {
		fmt.Fprintf(stderr, "cycle: %v\n", err)
		return 1
	}

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "cycle: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runAllocate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("allocate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	strategyID := fs.String("strategy", "", "strategy id (required)")
	confidence := fs.Float64("confidence", 0, "signal confidence in [0,1]")
	capUSD := fs.String("cap", "0", "daily risk cap in USD")
	maxPct := fs.String("max-pct", "0.25", "per-strategy max fraction of the cap")
	current := fs.String("current", "0", "USD already allocated today")
	buyingPower := fs.String("buying-power", "0", "buying power USD (cap fallback)")
	bpPct := fs.String("buying-power-pct", "0", "fraction of buying power usable as cap")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *strategyID == "" {
		fmt.Fprintln(stderr, "allocate: -strategy is required")
		return 2
	}

	state := allocator.MarketState{}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"cap", *capUSD, &state.DailyRiskCapUSD},
		{"max-pct", *maxPct, &state.MaxStrategyAllocationPct},
		{"current", *current, &state.CurrentAllocationsUSD},
		{"buying-power", *buyingPower, &state.BuyingPowerUSD},
		{"buying-power-pct", *bpPct, &state.BuyingPowerCapPct},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			fmt.Fprintf(stderr, "allocate: -%s: %v\n", f.name, err)
			return 2
		}
		*f.dst = d
	}

	result, err := allocator.AllocateRisk(*strategyID, *confidence, state)
	if err != nil {
		fmt.Fprintf(stderr, "allocate: %v\n", err)
		return 1
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "allocate: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "", "path to the sqlite audit database (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dbPath == "" {
		fmt.Fprintln(stderr, "audit-verify: -db is required")
		return 2
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "audit-verify: %v\n", err)
		return 1
	}
	defer db.Close()

	sink, err := audit.NewSQLiteSink(db)
	if err != nil {
		fmt.Fprintf(stderr, "audit-verify: %v\n", err)
		return 1
	}
	n, err := sink.VerifyChain(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "audit-verify: chain broken: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "audit chain intact: %d entries\n", n)
	return 0
}

// engine is the fully wired pipeline.
type engine struct {
	registry *identity.Registry
	signer   *signal.Signer
	orch     *orchestrator.Orchestrator
}

// build assembles the pipeline from configuration. The returned cleanup
// closes any opened database handles.
func build(cfg config.Config) (*engine, func(), error) {
	level := parseLevel(cfg.LogLevel)
	logger := observability.NewLogger(level)
	slog.SetDefault(logger)

	provider, err := observability.NewMeterProvider("arbiter", version)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observability.NewMetrics(provider.Meter("arbiter"))
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() { _ = provider.Shutdown(context.Background()) }

	var (
		regOpts    []identity.Option
		perfReader ledger.Reader = ledger.NewMemoryLedger()
		sink       audit.Sink    = audit.NewTrail()
	)
	if cfg.DatabasePath != "" {
		db, err := sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		shutdown := cleanup
		cleanup = func() {
			_ = db.Close()
			shutdown()
		}

		keys, err := identity.NewSQLiteKeyStore(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		regOpts = append(regOpts, identity.WithKeyStore(keys))

		perf, err := ledger.NewSQLiteLedger(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		perfReader = perf

		sqlSink, err := audit.NewSQLiteSink(db)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sink = sqlSink
	}

	var guard signal.NonceGuard = signal.NewMemoryNonceGuard(cfg.Cycle.NonceTTL())
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		guard = signal.NewRedisNonceGuard(redis.NewClient(opts), cfg.Cycle.NonceTTL())
	}

	var notifier breakers.Notifier
	if cfg.WebhookURL != "" {
		notifier = breakers.NewWebhookNotifier(cfg.WebhookURL)
	}

	registry := identity.NewRegistry(regOpts...)
	bank := breakers.NewBank(breakers.BankConfig{
		DailyLossThreshold:  cfg.Breakers.DailyLossThreshold,
		VolatilityThreshold: cfg.Breakers.VolatilityThreshold,
		VolatilityReduction: cfg.Breakers.VolatilityReduction,
		ConcentrationLimit:  cfg.Breakers.ConcentrationLimit,
		NotifyTimeout:       cfg.Breakers.NotifyTimeout(),
	}, notifier, logger, nil)

	mode := weights.ModeFloor
	if cfg.Weights.Strict {
		mode = weights.ModeStrict
	}
	orch := orchestrator.New(
		signal.NewVerifier(registry, guard),
		weights.NewEngine(perfReader, logger),
		bank,
		sink,
		orchestrator.Config{
			SystemicSellThreshold: cfg.Cycle.SystemicSellThreshold,
			SummaryTimeout:        cfg.Cycle.SummaryTimeout(),
			SinkTimeout:           cfg.Cycle.SinkTimeout(),
			Weights: weights.Options{
				Lookback:       cfg.Weights.Lookback,
				RiskFreeAnnual: cfg.Weights.RiskFreeAnnual,
				FloorWeight:    cfg.Weights.FloorWeight,
				Mode:           mode,
			},
		},
		logger,
		orchestrator.WithMetrics(metrics),
	)

	return &engine{
		registry: registry,
		signer:   signal.NewSigner(registry, nil),
		orch:     orch,
	}, cleanup, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
