package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/evmts/smithers-go/config"
	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/internal/metrics"
	"github.com/evmts/smithers-go/plan"
)

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	maxFrames := fs.Int("max-frames", 0, "Override the configured frame cap")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: smithers run [options] <plan-file>")
		os.Exit(1)
	}

	program, err := loadProgram(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load plan: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *maxFrames > 0 {
		cfg.Engine.MaxFrames = *maxFrames
	}
	executeProgram(cfg, program, false, "")
}

func runResume(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	executionID := fs.String("execution", "", "Execution to resume (default: most recent incomplete)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: smithers resume [options] <plan-file>")
		os.Exit(1)
	}

	program, err := loadProgram(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load plan: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	executeProgram(cfg, program, true, *executionID)
}

// loadProgram reads a plan file into a static program named after it.
func loadProgram(path string) (engine.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	root, err := plan.ParseOne(string(data))
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return engine.NewStaticProgram(name, root), nil
}

// executeProgram wires the full runtime and drives one run. Ctrl-C
// cancels the run context; the engine drains in-flight dispatch and
// records a cancelled outcome.
func executeProgram(cfg *config.Config, program engine.Program, resume bool, resumeID string) {
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	reg, err := buildBackends(cfg.Backend)
	if err != nil {
		logger.Fatal("Failed to build backends", zap.Error(err))
	}

	mws, cleanup, err := buildMiddleware(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build middleware", zap.Error(err))
	}
	defer cleanup()

	eng, err := newEngine(cfg, st, reg, mws, nil, metrics.NewCollector("smithers", logger), logger)
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}
	defer eng.Close()

	var outcome *engine.Outcome
	if resume {
		outcome, err = eng.Resume(ctx, program, resumeID)
	} else {
		outcome, err = eng.Run(ctx, program)
	}
	if err != nil {
		logger.Fatal("Run failed", zap.Error(err))
	}

	printOutcome(outcome)
	if !outcome.Converged() {
		os.Exit(1)
	}
}

func printOutcome(o *engine.Outcome) {
	fmt.Printf("Execution %s: %s\n", o.ExecutionID, o.Kind)
	if o.Reason != "" {
		fmt.Printf("  Reason: %s\n", o.Reason)
	}
	fmt.Printf("  Frames: %d  Dispatches: %d  Tokens: %d  Duration: %s\n",
		o.Frames, o.Dispatches, o.Usage.TotalTokens, o.Duration.Round(time.Millisecond))
	if text := o.OutputText(); text != "" {
		fmt.Println()
		fmt.Println(text)
	}
	for _, ne := range o.NodeErrors {
		fmt.Fprintf(os.Stderr, "  node %s (%s): %s\n", ne.NodePath, ne.NodeType, ne.Message)
	}
}

func runExecutions(args []string) {
	fs := flag.NewFlagSet("executions", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	limit := fs.Int("limit", 20, "Maximum executions to list")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx := context.Background()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	executions, err := st.ListExecutions(ctx, *limit)
	if err != nil {
		logger.Fatal("Failed to list executions", zap.Error(err))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROGRAM\tSTATUS\tFRAMES\tSTARTED")
	for _, ex := range executions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			ex.ID, ex.Program, ex.Status, ex.Frames, ex.StartedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
