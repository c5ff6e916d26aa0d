package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	tclient "go.temporal.io/sdk/client"

	"github.com/antigravity-dev/remedy/internal/api"
	"github.com/antigravity-dev/remedy/internal/check"
	"github.com/antigravity-dev/remedy/internal/classify"
	"github.com/antigravity-dev/remedy/internal/config"
	"github.com/antigravity-dev/remedy/internal/fix"
	"github.com/antigravity-dev/remedy/internal/gitops"
	"github.com/antigravity-dev/remedy/internal/lockfile"
	"github.com/antigravity-dev/remedy/internal/recovery"
	"github.com/antigravity-dev/remedy/internal/store"
	"github.com/antigravity-dev/remedy/internal/temporal"
	"github.com/antigravity-dev/remedy/internal/watch"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}

	oldStateDB := strings.TrimSpace(oldCfg.General.StateDB)
	newStateDB := strings.TrimSpace(newCfg.General.StateDB)
	if oldStateDB != newStateDB {
		return fmt.Errorf("state_db changed (%q -> %q) and requires restart", oldStateDB, newStateDB)
	}

	oldAPIBind := strings.TrimSpace(oldCfg.API.Bind)
	newAPIBind := strings.TrimSpace(newCfg.API.Bind)
	if oldAPIBind != newAPIBind {
		return fmt.Errorf("api.bind changed (%q -> %q) and requires restart", oldAPIBind, newAPIBind)
	}
	return nil
}

// buildClassifier compiles site rules from the config ahead of the built-in
// pattern table so site-specific patterns win priority.
func buildClassifier(cfg *config.Config) (*classify.Classifier, error) {
	rules := make([]classify.Rule, 0, len(cfg.Rules))
	for _, spec := range cfg.Rules {
		rule, err := classify.CompileRule(spec.Pattern, classify.ErrorType(spec.ErrorType), classify.FixID(spec.Fix), spec.Confidence)
		if err != nil {
			return nil, fmt.Errorf("config rule: %w", err)
		}
		rules = append(rules, rule)
	}
	rules = append(rules, classify.DefaultRules()...)
	return classify.NewClassifier(rules), nil
}

func buildRunner(cfg *config.Config, repoRoot string, logger *slog.Logger) (check.Runner, error) {
	switch cfg.Check.Backend {
	case "", "local":
		return &check.CommandRunner{
			Command: cfg.Check.Command,
			Dir:     repoRoot,
			Timeout: cfg.Check.Timeout.Duration,
		}, nil
	case "docker":
		return check.NewDockerRunner(
			cfg.Check.Docker.Image,
			cfg.Check.Command,
			repoRoot,
			cfg.Check.Docker.WorkDir,
			cfg.Check.Docker.Env,
			cfg.Check.Timeout.Duration,
			logger.With("component", "docker"),
		)
	default:
		return nil, fmt.Errorf("unknown check backend %q", cfg.Check.Backend)
	}
}

// runInfoFromEnv picks up CI coordinates when remedy runs inside a GitHub
// Actions job. All fields stay empty for local invocations.
func runInfoFromEnv() classify.RunInfo {
	return classify.RunInfo{
		WorkflowID: os.Getenv("GITHUB_WORKFLOW"),
		RunID:      os.Getenv("GITHUB_RUN_ID"),
		JobName:    os.Getenv("GITHUB_JOB"),
	}
}

// runSession assembles collaborators from the current config snapshot and
// executes one recovery session. Rebuilding per session means a SIGHUP
// reload takes effect on the next run without restarting.
func runSession(ctx context.Context, cfg *config.Config, repoRoot string, dryRun bool, st *store.Store, logger *slog.Logger) (recovery.Result, error) {
	classifier, err := buildClassifier(cfg)
	if err != nil {
		return recovery.Result{}, err
	}
	runner, err := buildRunner(cfg, repoRoot, logger)
	if err != nil {
		return recovery.Result{}, err
	}

	linter := &fix.CommandLinter{
		Command: cfg.Lint.Command,
		Timeout: cfg.Lint.Timeout.Duration,
	}

	var publisher recovery.Publisher
	if cfg.Git.Enabled {
		publisher = gitops.NewClient(repoRoot, cfg.Git.Remote, cfg.Git.Branch, cfg.Git.CommitPrefix, cfg.Git.Push, logger.With("component", "gitops"))
	}

	sess, err := recovery.NewSession(recovery.Params{
		Runner:       runner,
		Classifier:   classifier,
		Fixer:        fix.NewDispatcher(linter, logger.With("component", "fix")),
		Publisher:    publisher,
		Journal:      st,
		RepoRoot:     repoRoot,
		RunInfo:      runInfoFromEnv(),
		CheckCommand: cfg.Check.Command,
		MaxRetries:   cfg.General.MaxRetries,
		RetryDelay:   cfg.General.RetryDelay.Duration,
		DryRun:       dryRun,
		Logger:       logger.With("component", "recovery"),
	})
	if err != nil {
		return recovery.Result{}, err
	}
	return sess.Run(ctx)
}

// registerSchedule creates the periodic remediation schedule, tolerating one
// left over from a previous run.
func registerSchedule(ctx context.Context, cfg *config.Config, repoRoot string, dryRun bool, logger *slog.Logger) {
	// Let the worker register workflows before we start schedules
	time.Sleep(5 * time.Second)

	tc, dialErr := tclient.Dial(tclient.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if dialErr != nil {
		logger.Error("failed to create temporal client for schedules", "error", dialErr)
		return
	}
	defer tc.Close()

	interval := cfg.Temporal.ScheduleInterval.Duration
	req := temporal.RemediationRequest{
		RepoRoot:     repoRoot,
		CheckCommand: cfg.Check.Command,
		MaxRetries:   cfg.General.MaxRetries,
		RetryDelay:   cfg.General.RetryDelay.Duration,
		DryRun:       dryRun,
	}

	_, schedErr := tc.ScheduleClient().Create(ctx, tclient.ScheduleOptions{
		ID: "remedy-remediation",
		Spec: tclient.ScheduleSpec{
			Intervals: []tclient.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &tclient.ScheduleWorkflowAction{
			Workflow:  temporal.RemediationWorkflow,
			Args:      []interface{}{req},
			TaskQueue: cfg.Temporal.TaskQueue,
			ID:        "remediation",
		},
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if schedErr != nil {
		// Schedule may already exist from a previous run — that's fine.
		var alreadyExists *serviceerror.WorkflowExecutionAlreadyStarted
		switch {
		case errors.As(schedErr, &alreadyExists):
			logger.Info("remediation schedule already exists", "interval", interval)
		case strings.Contains(schedErr.Error(), "already exists") ||
			strings.Contains(schedErr.Error(), "AlreadyExists") ||
			strings.Contains(schedErr.Error(), "already registered"):
			logger.Info("remediation schedule already exists", "interval", interval)
		default:
			logger.Error("failed to create remediation schedule", "error", schedErr)
		}
		return
	}
	logger.Info("remediation schedule registered", "interval", interval)
}

func main() {
	configPath := flag.String("config", "remedy.toml", "path to config file")
	repoRoot := flag.String("repo", ".", "repository root the check and fixes run against")
	dryRun := flag.Bool("dry-run", false, "classify and report without fixing or committing")
	watchMode := flag.Bool("watch", false, "keep running recovery sessions on an interval")
	workerMode := flag.Bool("worker", false, "run as a temporal worker instead of executing locally")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("remedy starting", "config", *configPath)

	cfgManager, err := config.LoadManager(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	if cfg == nil {
		logger.Error("failed to load config snapshot", "config", *configPath)
		os.Exit(1)
	}

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	repoAbs, err := filepath.Abs(*repoRoot)
	if err != nil {
		logger.Error("failed to resolve repo root", "repo", *repoRoot, "error", err)
		os.Exit(1)
	}

	// Acquire single-instance lock. The working tree belongs to exactly one
	// remediation session at a time.
	lockPath := "/tmp/remedy.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := lockfile.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer lockfile.Release(lockFile)

	dbPath := config.ExpandHome(cfg.General.StateDB)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Sessions still marked running belong to a previous process that died
	// without finishing them.
	if interrupted, err := st.InterruptRunningSessions(); err != nil {
		logger.Warn("could not mark stale sessions interrupted", "error", err)
	} else if interrupted > 0 {
		logger.Info("marked stale sessions interrupted", "count", interrupted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *workerMode {
		if cfg.Temporal.ScheduleInterval.Duration > 0 {
			go registerSchedule(ctx, cfg, repoAbs, *dryRun, logger)
		}
		if err := temporal.StartWorker(cfg, st, logger.With("component", "temporal")); err != nil {
			logger.Error("temporal worker error", "error", err)
			os.Exit(1)
		}
		return
	}

	if *watchMode {
		applyReload := func() error {
			updatedCfg, reloadErr := config.Reload(*configPath)
			if reloadErr != nil {
				return reloadErr
			}
			if validateErr := validateRuntimeConfigReload(cfg, updatedCfg); validateErr != nil {
				return validateErr
			}
			cfgManager.Set(updatedCfg)
			cfg = updatedCfg
			logger = configureLogger(cfg.General.LogLevel, *dev)
			slog.SetDefault(logger)
			return nil
		}

		if cfg.API.Bind != "" {
			apiSrv := api.NewServer(cfg.API, st, logger.With("component", "api"))
			go func() {
				if apiErr := apiSrv.Start(ctx); apiErr != nil {
					logger.Error("api server error", "error", apiErr)
				}
			}()
		}

		// The session closure captures its logger here; a SIGHUP reload
		// swaps the main logger but running components keep their own.
		sessionLogger := logger
		watcher := watch.New(cfgManager, func(ctx context.Context, wcfg *config.Config) (recovery.Result, error) {
			return runSession(ctx, wcfg, repoAbs, *dryRun, st, sessionLogger)
		}, logger.With("component", "watch"))

		watcherDone := make(chan struct{})
		go func() {
			watcher.Run(ctx)
			close(watcherDone)
		}()

		logger.Info("remedy watching",
			"repo", repoAbs,
			"interval", cfg.Watch.Interval.Duration.String(),
			"bind", cfg.API.Bind,
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

		for {
			sig := <-sigCh
			switch sig {
			case syscall.SIGHUP:
				if err := applyReload(); err != nil {
					logger.Error(fmt.Sprintf("config reload failed: %v", err))
					continue
				}
				logger.Info("config reloaded")
			case syscall.SIGINT, syscall.SIGTERM:
				shutdownStart := time.Now()
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
				<-watcherDone
				logger.Info("remedy stopped", "shutdown_duration", time.Since(shutdownStart).String())
				return
			default:
				shutdownStart := time.Now()
				logger.Info("received unexpected signal, shutting down", "signal", sig)
				cancel()
				<-watcherDone
				logger.Info("remedy stopped", "shutdown_duration", time.Since(shutdownStart).String())
				return
			}
		}
	}

	// Default mode: one recovery session, outcome mapped to the exit code.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, canceling session", "signal", sig)
		cancel()
	}()

	result, err := runSession(ctx, cfg, repoAbs, *dryRun, st, logger)
	if err != nil {
		logger.Error("recovery session failed", "error", err)
		os.Exit(2)
	}

	logger.Info("recovery session finished",
		"outcome", string(result.Outcome),
		"attempts", result.Attempts,
		"fixes_applied", result.FixesApplied,
		"duration", result.Duration.String(),
	)

	switch result.Outcome {
	case recovery.OutcomeSucceeded, recovery.OutcomeDryRun:
	default:
		os.Exit(1)
	}
}
