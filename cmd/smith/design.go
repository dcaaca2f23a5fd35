package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shapesmith/internal/backend"
	"shapesmith/internal/engine"
)

var (
	dryRun   bool
	savePlan string
)

// designCmd turns a request into a plan and executes it
var designCmd = &cobra.Command{
	Use:   "design <request>",
	Short: "Ask the design assistant for a plan and execute it",
	Long: `Sends the request to the design assistant, which answers with a
construction plan, then executes the plan.

Requires an assistant API key (GEMINI_API_KEY or GOOGLE_API_KEY).

Example:
  smith design "a platinum solitaire ring with a twisted band"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDesign,
}

func init() {
	designCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without executing it")
	designCmd.Flags().StringVar(&savePlan, "save-plan", "", "Write the generated plan to this file")
	designCmd.Flags().StringVarP(&outputFormat, "format", "f", "markdown", "Output format: json, markdown or raw")
}

func runDesign(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	return design(ctx, cmd, args, appOptions{})
}

func design(ctx context.Context, cmd *cobra.Command, args []string, opts appOptions) error {
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()
	if a.assistant == nil {
		return errors.New("no design assistant configured (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}

	request := strings.Join(args, " ")
	logger.Info("Requesting plan", zap.String("request", request))
	data, err := backend.Call(ctx, cfg.SynthConfig().Retry, "assistant", "generate_plan", func(ctx context.Context) ([]byte, error) {
		return a.assistant.GeneratePlan(ctx, request)
	})
	if err != nil {
		return fmt.Errorf("design assistant failed: %w", err)
	}

	if savePlan != "" {
		if err := os.WriteFile(savePlan, data, 0644); err != nil {
			return fmt.Errorf("failed to save plan: %w", err)
		}
	}
	if dryRun {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}

	summary, err := a.pool.Submit(ctx, uuid.NewString(), data)
	return reportOutcomes(cmd.OutOrStdout(), []string{"design"}, []engine.Outcome{{Summary: summary, Err: err}})
}
