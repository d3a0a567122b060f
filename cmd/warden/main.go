package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/operantsec/warden/pkg/approval"
	"github.com/operantsec/warden/pkg/arena"
	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/config"
	"github.com/operantsec/warden/pkg/fsm"
	"github.com/operantsec/warden/pkg/governance"
	"github.com/operantsec/warden/pkg/ledger"
	"github.com/operantsec/warden/pkg/policy"
	"github.com/operantsec/warden/pkg/ratelimit"
	"github.com/operantsec/warden/pkg/scope"
	"github.com/operantsec/warden/pkg/store"
	"github.com/operantsec/warden/pkg/token"

	_ "github.com/lib/pq"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, stderr)

	if len(args) > 0 {
		switch args[0] {
		case "verify":
			return runVerify(args[1:], cfg, stdout, stderr)
		case "serve":
			args = args[1:]
		default:
			_, _ = fmt.Fprintf(stderr, "usage: warden [serve|verify <run-id>]\n")
			return 2
		}
	}
	return runServe(cfg, logger)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// core is the wired governance service set.
type core struct {
	store     *store.Store
	evaluator *policy.Evaluator
	workflow  *approval.Workflow
	ledger    *ledger.Ledger
	arena     *arena.Arena
	actions   *fsm.ActionMachine
	runs      *fsm.RunMachine
	tokens    *token.Service
	sweeper   *approval.Sweeper
	version   string
	gov       *governance.Governor
}

// governor binds the core to a locked scope. Called once the scope
// document is loaded; without a scope there is nothing to govern.
func (c *core) governor(reg *scope.Registry) *governance.Governor {
	return governance.NewGovernor(c.store, c.evaluator, c.workflow, c.tokens,
		c.actions, c.runs, c.ledger, reg, c.version).WithCanceller(c.arena)
}

func buildCore(cfg *config.Config, logger *slog.Logger) (*core, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Every governance event lands both in the log stream and in the
	// durable audit table; a failed write is logged, never dropped
	// silently.
	trail := audit.Alerted(audit.Fanout{audit.NewLoggerWithWriter(os.Stdout), st}, logger)

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("WARDEN_TOKEN_SECRET not set; using an ephemeral secret, tokens will not survive restart")
	}
	tokens := token.NewService(token.NewHMAC(secret)).WithTrail(trail)

	var counter ratelimit.Counter
	if cfg.RedisAddr != "" {
		counter = ratelimit.NewRedisCounter(cfg.RedisAddr, "", 0)
		logger.Info("rate counter backed by redis", "addr", cfg.RedisAddr)
	} else {
		counter = ratelimit.NewMemoryCounter()
	}

	params := policy.DefaultParams()
	if cfg.PolicyPath != "" {
		params, err = policy.LoadParams(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("load policy params: %w", err)
		}
	}

	actions := fsm.NewActionMachine(st, trail)
	runs := fsm.NewRunMachine(st, trail)

	evaluator := policy.NewEvaluator(params, tokens, counter, trail).
		WithConcurrencyProbe(st)
	workflow := approval.NewWorkflow(st, params, tokens, actions, trail)

	artifacts, err := ledger.NewFileArtifactStore(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	evidence := ledger.New(st, artifacts, runs, trail)

	var arenaStorage arena.Storage
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		arenaStorage, err = arena.NewPostgresStorage(db)
		if err != nil {
			return nil, fmt.Errorf("migrate arena storage: %w", err)
		}
		logger.Info("arena backed by postgres")
	} else {
		arenaStorage = arena.NewMemoryStorage()
	}

	return &core{
		store:     st,
		evaluator: evaluator,
		workflow:  workflow,
		ledger:    evidence,
		arena:     arena.New(arenaStorage, runs, trail),
		actions:   actions,
		runs:      runs,
		tokens:    tokens,
		sweeper:   approval.NewSweeper(workflow, cfg.SweepInterval, logger),
		version:   cfg.PolicyVersion,
	}, nil
}

func runServe(cfg *config.Config, logger *slog.Logger) int {
	c, err := buildCore(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer func() { _ = c.store.Close() }()

	if cfg.ScopePath != "" {
		reg, err := scope.LoadFile(cfg.ScopePath)
		if err != nil {
			logger.Error("scope document rejected", "path", cfg.ScopePath, "error", err)
			return 1
		}
		c.gov = c.governor(reg)
		logger.Info("scope document loaded", "path", cfg.ScopePath, "scope_id", reg.Scope().ID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go c.sweeper.Run(ctx)
	logger.Info("warden started",
		"db", cfg.DatabasePath,
		"policy_version", cfg.PolicyVersion,
		"sweep_interval", cfg.SweepInterval.String())

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// runVerify re-checks the evidence chain of one run and prints the
// report. Exit 0 means the chain is intact.
func runVerify(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "usage: warden verify <run-id>")
		return 2
	}
	runID := args[0]

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	artifacts, err := ledger.NewFileArtifactStore(cfg.ArtifactDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open artifact store: %v\n", err)
		return 1
	}

	report, err := ledger.New(st, artifacts, nil, audit.Discard{}).
		VerifyChain(context.Background(), runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if !report.Valid {
		return 1
	}
	return 0
}
