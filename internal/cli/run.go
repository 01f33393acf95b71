package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/demandflow/internal/engine"
	"github.com/roach88/demandflow/internal/metrics"
	"github.com/roach88/demandflow/internal/store"
	"github.com/roach88/demandflow/internal/topology"
	"github.com/roach88/demandflow/internal/trace"
)

// shutdownTimeout bounds the metrics server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	MetricsAddr string
	Duration    time.Duration

	// RunIDGenerator allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDGenerator engine.RunIDGenerator

	// TickSource allows overriding the tick source (for testing).
	// If nil, defaults to WallTicks.
	TickSource engine.TickSource
}

// StageStatus is a stage's state after the run.
type StageStatus struct {
	Name   string `json:"name"`
	Alive  bool   `json:"alive"`
	Reason string `json:"reason,omitempty"`
}

// RunSummary is printed when the pipeline stops.
type RunSummary struct {
	RunID    string        `json:"run_id"`
	Topology string        `json:"topology"`
	Hash     string        `json:"hash"`
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Stages   []StageStatus `json:"stages"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <topology-dir>",
		Short: "Run a topology until its stages finish",
		Long: `Build a pipeline from a CUE topology and run it.

The pipeline runs until every stage has terminated, the --duration has
elapsed, or the process receives SIGINT/SIGTERM. With --db every trace
record is appended to a SQLite database (created if it doesn't exist),
and the run can be inspected later with 'demandflow trace'. With
--metrics-addr, Prometheus metrics are served on /metrics.

Example:
  demandflow run ./examples/ratelimit
  demandflow run --db ./runs.db --duration 30s ./examples/partition
  demandflow run --metrics-addr :9090 ./examples/ratelimit --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for the trace log")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop the pipeline after this long (0 runs to completion)")

	return cmd
}

func runPipeline(opts *RunOptions, dir string, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)

	logger.Info("loading topology", "dir", dir)
	spec, err := topology.Load(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load topology", err)
	}

	mx := metrics.New()
	sinks := []trace.Sink{mx}
	if opts.Verbose {
		sinks = append(sinks, trace.NewLogSink(logger))
	}

	var (
		st  *store.Store
		rec *store.Recorder
	)
	if opts.Database != "" {
		logger.Info("opening database", "path", opts.Database)
		st, err = store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		rec = store.NewRecorder(st, store.WithRecorderLogger(logger))
		defer rec.Close() // idempotent; drained explicitly before FinishRun
		sinks = append(sinks, rec)
	}

	engineOpts := []engine.Option{engine.WithTracer(trace.Multi(sinks...))}
	if opts.RunIDGenerator != nil {
		engineOpts = append(engineOpts, engine.WithRunIDGenerator(opts.RunIDGenerator))
	}
	if opts.TickSource != nil {
		engineOpts = append(engineOpts, engine.WithTickSource(opts.TickSource))
	}

	built, err := topology.Build(spec,
		topology.WithLogger(logger),
		topology.WithEngineOptions(engineOpts...),
	)
	if err != nil {
		var verrs topology.ValidationErrors
		if errors.As(err, &verrs) {
			return WrapExitError(ExitCommandError, "invalid topology", err)
		}
		return WrapExitError(ExitCommandError, "failed to build pipeline", err)
	}
	p := built.Pipeline

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	if opts.Duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Duration)
		defer cancelTimeout()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	if st != nil {
		if err := st.WriteRun(ctx, store.Run{
			ID:           p.RunID(),
			Topology:     spec.Name,
			TopologyHash: built.Hash,
			Stages:       len(spec.Stages),
			StartedAt:    time.Now().UTC(),
			Status:       store.RunRunning,
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
	}

	logger.Info("pipeline starting", "topology", spec.Name, "run_id", p.RunID(), "hash", built.Hash)
	if opts.Format != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s started (run %s).\n", spec.Name, p.RunID())
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	}

	runErr := serve(ctx, p, opts.MetricsAddr, mx, logger)

	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Error("trace recorder failed", "error", err)
		}
		// The run context may already be cancelled; the final status is
		// written regardless.
		if err := st.FinishRun(context.Background(), p.RunID(), runErr); err != nil {
			logger.Error("failed to finish run", "error", err)
		}
	}

	summary := summarize(p, spec.Name, built.Hash, runErr)
	if err := outputRunSummary(cmd, opts.Format, summary); err != nil {
		return err
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "pipeline failed", runErr)
	}
	logger.Info("pipeline stopped gracefully")
	return nil
}

// serve runs the pipeline and, if addr is set, the metrics server beside
// it. The server stops when the pipeline does.
func serve(ctx context.Context, p *engine.Pipeline, addr string, mx *metrics.Sink, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	var runErr error
	g.Go(func() error {
		defer cancel()
		runErr = p.Run(gctx)
		return nil
	})

	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           mx.Handler(),
			ReadHeaderTimeout: shutdownTimeout,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("metrics server failed", "error", err)
		return errors.Join(runErr, err)
	}
	return runErr
}

func summarize(p *engine.Pipeline, name, hash string, runErr error) RunSummary {
	s := RunSummary{
		RunID:    p.RunID(),
		Topology: name,
		Hash:     hash,
		Status:   string(store.RunOK),
		Stages:   []StageStatus{},
	}
	if runErr != nil {
		s.Status = string(store.RunFailed)
		s.Error = runErr.Error()
	}
	for _, stage := range p.Stages() {
		status := StageStatus{Name: stage, Alive: p.Alive(stage)}
		if reason := p.Reason(stage); reason != nil {
			status.Reason = reason.Error()
		}
		s.Stages = append(s.Stages, status)
	}
	return s
}

func outputRunSummary(cmd *cobra.Command, format string, s RunSummary) error {
	if format == "json" {
		formatter := &OutputFormatter{Format: format, Writer: cmd.OutOrStdout()}
		return formatter.Success(s)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Pipeline %s stopped: %s\n", s.Topology, s.Status)
	for _, st := range s.Stages {
		state := "alive"
		if !st.Alive {
			state = "terminated: " + st.Reason
		}
		fmt.Fprintf(w, "  %-16s %s\n", st.Name, state)
	}
	return nil
}
