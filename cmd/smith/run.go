package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shapesmith/internal/engine"
)

var (
	outputFormat string
	sessionID    string
)

// errPlansFailed is returned when at least one plan did not complete.
var errPlansFailed = errors.New("one or more plans did not complete")

// runCmd executes plan files
var runCmd = &cobra.Command{
	Use:   "run <plan.json>...",
	Short: "Execute construction plans",
	Long: `Validates and executes one or more construction plans in the JSON wire
format. Use "-" to read a plan from stdin.

Plans run concurrently, bounded by engine.workers. With --session every plan
joins the same design session and they run one at a time, in argument order.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlans,
}

func init() {
	runCmd.Flags().StringVarP(&outputFormat, "format", "f", "markdown", "Output format: json, markdown or raw")
	runCmd.Flags().StringVar(&sessionID, "session", "", "Run every plan in this design session")
}

// signalContext bounds a command by --timeout and SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func readPlan(in io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(in)
	}
	return os.ReadFile(path)
}

func runPlans(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	jobs := make([]engine.Job, 0, len(args))
	for _, path := range args {
		data, err := readPlan(cmd.InOrStdin(), path)
		if err != nil {
			return fmt.Errorf("failed to read plan: %w", err)
		}
		id := sessionID
		if id == "" {
			id = uuid.NewString()
		}
		jobs = append(jobs, engine.Job{SessionID: id, Plan: data})
	}

	var outcomes []engine.Outcome
	if sessionID != "" {
		// Same-session plans are serialized by the pool; submit in order.
		for _, job := range jobs {
			summary, err := a.pool.Submit(ctx, job.SessionID, job.Plan)
			outcomes = append(outcomes, engine.Outcome{Job: job, Summary: summary, Err: err})
		}
	} else {
		outcomes = a.pool.RunBatch(ctx, jobs)
	}

	return reportOutcomes(cmd.OutOrStdout(), args, outcomes)
}

func reportOutcomes(w io.Writer, names []string, outcomes []engine.Outcome) error {
	failed := 0
	for i, o := range outcomes {
		name := planName(names[i])
		if o.Err != nil {
			failed++
			logger.Warn("Plan did not complete", zap.String("plan", name), zap.Error(o.Err))
		}
		if o.Summary == nil {
			continue
		}
		if err := writeSummary(w, outputFormat, name, o.Summary); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w (%d of %d)", errPlansFailed, failed, len(outcomes))
	}
	return nil
}

func planName(path string) string {
	if path == "-" {
		return "stdin"
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

