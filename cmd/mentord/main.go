package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mentord/internal/config"
	"mentord/internal/logging"
	"mentord/internal/session"
	"mentord/internal/store"
	"mentord/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mentord",
	Short: "mentord - autonomous AI learning companion core",
	Long: `mentord is the reasoning core of an AI learning companion.

It maintains a versioned context snapshot per session, an evidence-weighted
knowledge graph of the user's concept mastery, and an autonomous thought loop
that detects problems and plans teaching interventions without being asked.

Input adapters feed it processed observations; content generators render the
interventions it plans.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// initCmd writes the default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to .mentord/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath(workspace)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

// runCmd starts the thought loop for a session and blocks until interrupted
var runCmd = &cobra.Command{
	Use:   "run [session-id]",
	Short: "Run the autonomous thought loop for a session",
	Long: `Starts the thought loop for the given session and keeps it running.
The loop wakes on every committed context change and on a fixed tick,
analyzing the session and delivering interventions as needed.

Configuration changes to .mentord/config.yaml apply without a restart.`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

// feedCmd submits one processed input to a session
var feedCmd = &cobra.Command{
	Use:   "feed [session-id] [input.json]",
	Short: "Merge one processed input into a session's context",
	Long: `Reads a ProcessedInput JSON document (from the file argument, or stdin
when the argument is "-") and merges it into the session's context snapshot.
Evidence carried by the input updates the knowledge graph.

Example input:
  {"type":"code","subtree":"projectState.diagnostics",
   "fields":{"auth.go":"error: nil pointer dereference"},"confidence":0.9}`,
	Args: cobra.ExactArgs(2),
	RunE: feedInput,
}

// statsCmd prints a session overview
var statsCmd = &cobra.Command{
	Use:   "stats [session-id]",
	Short: "Show a session's context version, goals and knowledge gaps",
	Args:  cobra.ExactArgs(1),
	RunE:  showStats,
}

// traceCmd groups reasoning trace inspection
var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect reasoning traces (the explanation interface)",
}

var traceListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List recent reasoning traces for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  listTraces,
}

var traceJSON bool

var traceShowCmd = &cobra.Command{
	Use:   "show [trace-id]",
	Short: "Show one reasoning trace step by step",
	Args:  cobra.ExactArgs(1),
	RunE:  showTrace,
}

// maintenanceCmd runs retention cleanup
var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Delete traces and audit rows past their retention windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Maintenance()
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d traces, %d audit rows\n", stats.TracesDeleted, stats.AuditDeleted)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	traceShowCmd.Flags().BoolVar(&traceJSON, "json", false, "emit the trace as JSON")
	traceCmd.AddCommand(traceListCmd, traceShowCmd)
	rootCmd.AddCommand(initCmd, runCmd, feedCmd, statsCmd, traceCmd, maintenanceCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openStore() (*config.Config, *store.LocalStore, error) {
	cfg, err := config.Load(config.DefaultPath(workspace))
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewLocalStore(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	registry := session.NewRegistry(cfg, st)
	defer registry.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s := registry.Start(ctx, sessionID)
	logger.Info("thought loop running",
		zap.String("session", sessionID),
		zap.Duration("tick", cfg.Loop.TickInterval))

	// Hot-reload loop tunables on config edits.
	watcher, err := config.NewWatcher(config.DefaultPath(workspace), func(updated *config.Config) {
		s.Loop.Tune(updated.Loop)
		logger.Info("configuration reloaded")
	})
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	report := time.NewTicker(time.Minute)
	defer report.Stop()

	for {
		select {
		case <-sig:
			logger.Info("shutting down")
			return registry.Teardown(sessionID)
		case <-report.C:
			ls := s.Loop.Stats()
			logger.Debug("loop stats",
				zap.Int64("cycles", ls.CyclesRun),
				zap.Int64("delivered", ls.Delivered),
				zap.Bool("degraded", s.Loop.Degraded()))
			if s.Loop.Degraded() {
				logger.Warn("loop is degraded: persistence failing, in-memory state only")
			}
		}
	}
}

func feedInput(cmd *cobra.Command, args []string) error {
	sessionID, source := args[0], args[1]

	var data []byte
	var err error
	if source == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	var input types.ProcessedInput
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("invalid input document: %w", err)
	}
	if input.ID == "" {
		input.ID = uuid.New().String()
	}
	if input.SessionID == "" {
		input.SessionID = sessionID
	}
	if input.Timestamp.IsZero() {
		input.Timestamp = time.Now()
	}

	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	registry := session.NewRegistry(cfg, st)
	s := registry.Get(sessionID)

	version, err := s.Context.UpdateContext(input)
	if err != nil {
		return err
	}
	if err := registry.Stop(sessionID); err != nil {
		logger.Warn("persist failed", zap.Error(err))
	}

	fmt.Printf("Committed version %d for session %s\n", version, sessionID)
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	registry := session.NewRegistry(cfg, st)
	s := registry.Get(sessionID)

	snap := s.Context.GetCurrentContext()
	fmt.Printf("Session:  %s\n", sessionID)
	fmt.Printf("Version:  %d (updated %s)\n", snap.Version, snap.LastUpdated.Format(time.RFC3339))
	fmt.Printf("Subtrees: %d project, %d user\n", len(snap.ProjectState), len(snap.UserState))

	if len(snap.LearningGoals) > 0 {
		fmt.Println("Goals:")
		for _, g := range snap.LearningGoals {
			fmt.Printf("  [%d] %s\n", g.Priority, g.Concept)
		}
	}

	var required []string
	for _, g := range snap.LearningGoals {
		required = append(required, g.Concept)
	}
	if gaps := s.Graph.IdentifyGaps(required); len(gaps) > 0 {
		fmt.Println("Knowledge gaps (prerequisites first):")
		for _, g := range gaps {
			fmt.Printf("  %-30s mastery=%.2f confidence=%.2f\n", g.Concept, g.Mastery, g.Confidence)
		}
	}

	if audit := s.Context.AuditLog(); len(audit) > 0 {
		fmt.Printf("Merge conflicts recorded: %d\n", len(audit))
	}
	return nil
}

func listTraces(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	traces, err := st.ListTraces(args[0], 20)
	if err != nil {
		return err
	}
	if len(traces) == 0 {
		fmt.Println("No traces recorded.")
		return nil
	}
	for _, t := range traces {
		fmt.Printf("%s  v%-5d %-22s conf=%.2f %4dms  %s\n",
			t.CreatedAt.Format("2006-01-02 15:04:05"), t.SnapshotVersion,
			t.FinalDecision, t.Confidence, t.DurationMs, t.ID)
	}
	return nil
}

func showTrace(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	t, err := st.LoadTrace(args[0])
	if err != nil {
		return err
	}

	if traceJSON {
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Trace %s (session %s, snapshot v%d)\n", t.ID, t.SessionID, t.SnapshotVersion)
	fmt.Printf("Decision: %s (confidence %.2f, %dms)\n\n", t.FinalDecision, t.Confidence, t.DurationMs)

	for i, step := range t.Steps {
		switch step.Kind {
		case types.StepAnalyze:
			fmt.Printf("%2d. analyze  v%d gaps=%v incomplete=%v\n",
				i+1, step.Analyze.SnapshotVersion, step.Analyze.GapConcepts, step.Analyze.Incomplete)
		case types.StepDetect:
			fmt.Printf("%2d. detect   %-20s found=%d failed=%v\n",
				i+1, step.Detect.Detector, step.Detect.ProblemCount, step.Detect.Failed)
		case types.StepPlan:
			fmt.Printf("%2d. plan     planned=%d deduped=%d rate-limited=%d cooled=%d\n",
				i+1, step.Plan.Planned, step.Plan.Deduped, step.Plan.RateLimited, step.Plan.CooledDown)
		case types.StepExecute:
			fmt.Printf("%2d. execute  %s intervention=%s fallback=%v\n",
				i+1, step.Execute.Kind, step.Execute.InterventionID, step.Execute.Fallback)
		}
	}
	return nil
}
