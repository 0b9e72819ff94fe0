package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"mediaflow/internal/analytics"
	"mediaflow/internal/config"
	"mediaflow/internal/dashboard"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/engine"
	"mediaflow/internal/executor"
	"mediaflow/internal/inbox"
	"mediaflow/internal/llm"
	"mediaflow/internal/logging"
	"mediaflow/internal/retry"
	"mediaflow/internal/scheduler"
	"mediaflow/internal/search"
	"mediaflow/internal/similar"
	"mediaflow/internal/store"
	"mediaflow/internal/task"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitBadArgs = 2
	exitVerify  = 3
)

var (
	// Global flags
	verbose  bool
	basePath string

	// Logger
	logger *zap.Logger

	cfg *config.Config
)

// usageError marks failures caused by bad invocation rather than execution.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// verifyError marks schema verification failures for the dedicated exit code.
type verifyError struct{ problems []string }

func (e *verifyError) Error() string {
	return fmt.Sprintf("verification failed with %d problem(s)", len(e.problems))
}

var rootCmd = &cobra.Command{
	Use:   "mediaflow",
	Short: "mediaflow - persistent task orchestration engine",
	Long: `mediaflow drives typed tasks (shell, LLM, planner, media pipeline) from
pending to a terminal state: dependency resolution, retry with backoff,
cron-scheduled templates, and an append-only analytics log, all backed by
an embedded SQLite store under the base path.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(basePath)
		if err != nil {
			return err
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		debug, level, categories := cfg.LoggingOptions()
		return logging.InitializeWithOptions(cfg.BasePath, logging.Options{
			DebugMode: debug || verbose, Level: level, Categories: categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openStore opens the task store at the configured path and migrates it up.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildEngine wires the full execution stack over an open store.
func buildEngine(s *store.Store) (*engine.Engine, error) {
	recorder := analytics.NewRecorder(s)
	dispatcher := dispatch.New(recorder)

	generator := llm.NewClient(cfg.LLM)
	tools := executor.NewMediaTools(cfg.Media)

	// A disabled search client stays a nil interface so the index executors
	// can no-op on it.
	var indexer search.Indexer
	if c := search.NewClient(cfg.Search); c != nil {
		indexer = c
	}

	executor.RegisterAll(dispatcher, executor.Deps{
		Store:       s,
		Config:      cfg,
		Generator:   generator,
		Similar:     similar.NewLocalProvider(s),
		Indexer:     indexer,
		Downloader:  tools,
		Prober:      tools,
		Transcriber: tools,
		Analyzer:    tools,
	})

	return engine.New(s, dispatcher, retry.NewManager(s), recorder, cfg.Engine)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine, scheduler, and inbox watcher until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		eng, err := buildEngine(s)
		if err != nil {
			return err
		}

		if once {
			logger.Info("Draining ready tasks")
			return eng.RunUntilIdle(cmd.Context())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting mediaflow",
			zap.String("base", cfg.BasePath),
			zap.Int("concurrency", cfg.Engine.Concurrency))

		watcher := inbox.New(s, eng, cfg.IncomingDir(), cfg.ProcessingDir(), cfg.ErrorDir(), cfg.Engine.QueueWarnDepth)
		sched := scheduler.New(s, eng, cfg.Scheduler)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.Run(gctx) })
		g.Go(func() error { return sched.Run(gctx) })
		g.Go(func() error { return watcher.Run(gctx) })

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			logger.Info("Shut down cleanly")
			return nil
		}
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the store schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.MigrateUp(); err != nil {
			return err
		}
		version, err := s.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %d\n", version)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.MigrateDown(); err != nil {
			return err
		}
		version, err := s.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %d\n", version)
		return nil
	},
}

var migrateVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the schema against the expected shape",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.DatabasePath())
		if err != nil {
			return err
		}
		defer s.Close()

		problems, err := s.Verify()
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintln(os.Stderr, p)
			}
			return &verifyError{problems: problems}
		}
		fmt.Println("schema ok")
		return nil
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Control the cron scheduler",
}

func schedulerPidFile() string {
	return filepath.Join(cfg.TasksDir(), "scheduler.pid")
}

var schedulerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the scheduler loop in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		pidFile := schedulerPidFile()
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
		defer os.Remove(pidFile)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Scheduler running", zap.String("pid_file", pidFile))
		err = scheduler.New(s, nil, cfg.Scheduler).Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var schedulerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running scheduler to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(schedulerPidFile())
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no scheduler pid file; is it running?")
			}
			return err
		}
		pid, err := strconv.Atoi(string(data))
		if err != nil {
			return fmt.Errorf("corrupt pid file: %w", err)
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", pid, err)
		}
		fmt.Printf("sent SIGTERM to scheduler (pid %d)\n", pid)
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <kind> <json-payload>",
	Short: "Insert a new pending task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := task.Kind(args[0])
		if !kind.IsValid() {
			return &usageError{msg: fmt.Sprintf("unknown task kind %q", args[0])}
		}

		var draft task.Draft
		if err := json.Unmarshal([]byte(args[1]), &draft); err != nil {
			return &usageError{msg: fmt.Sprintf("invalid payload: %v", err)}
		}
		draft.Kind = kind

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := s.InsertTask(&draft)
		if err != nil {
			return err
		}
		fmt.Printf("task %d (%s) submitted\n", t.ID, t.Kind)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Print a task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return &usageError{msg: fmt.Sprintf("invalid task id %q", args[0])}
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := s.GetTask(id)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return &usageError{msg: fmt.Sprintf("invalid task id %q", args[0])}
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.CancelTask(id); err != nil {
			return err
		}
		fmt.Printf("task %d cancelled\n", id)
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage retry policies",
}

var policySetCmd = &cobra.Command{
	Use:   "set <kind> <json>",
	Short: "Create or replace the retry policy for a task kind",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := task.Kind(args[0])
		if !kind.IsValid() {
			return &usageError{msg: fmt.Sprintf("unknown task kind %q", args[0])}
		}

		var policy task.RetryPolicy
		if err := json.Unmarshal([]byte(args[1]), &policy); err != nil {
			return &usageError{msg: fmt.Sprintf("invalid policy: %v", err)}
		}
		policy.Kind = kind

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.UpsertPolicy(&policy); err != nil {
			return err
		}
		fmt.Printf("policy for %s updated\n", kind)
		return nil
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render status dashboards",
}

var dashboardRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print a queue and analytics summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetDuration("since")

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		out, err := dashboard.Render(s, time.Now().Add(-since))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&basePath, "base", "b", "", "Base path (default: $BASE_PATH or cwd)")

	runCmd.Flags().Bool("once", false, "Drain ready tasks and exit instead of running the daemon")
	dashboardRenderCmd.Flags().Duration("since", 24*time.Hour, "Event window for the analytics section")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVerifyCmd)
	schedulerCmd.AddCommand(schedulerStartCmd, schedulerStopCmd)
	taskCmd.AddCommand(taskSubmitCmd, taskStatusCmd, taskCancelCmd)
	policyCmd.AddCommand(policySetCmd)
	dashboardCmd.AddCommand(dashboardRenderCmd)

	rootCmd.AddCommand(runCmd, migrateCmd, schedulerCmd, taskCmd, policyCmd, dashboardCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)

	var ue *usageError
	var ve *verifyError
	switch {
	case errors.As(err, &ue):
		os.Exit(exitBadArgs)
	case errors.As(err, &ve):
		os.Exit(exitVerify)
	default:
		os.Exit(exitFailure)
	}
}
