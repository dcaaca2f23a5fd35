package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shapesmith/internal/policy"
	"shapesmith/internal/techniques"
	"shapesmith/internal/types"
)

var listParadigm string

// techniquesCmd groups registry commands
var techniquesCmd = &cobra.Command{
	Use:   "techniques",
	Short: "Inspect the technique registry",
}

var techniquesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered techniques",
	Long: `Lists the built-in catalog plus any techniques restored from the
store or loaded from the catalog directory.`,
	Args: cobra.NoArgs,
	RunE: listTechniques,
}

var techniquesCheckCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Check technique source against the sandbox policy",
	Long: `Runs the sandbox policy over technique files and prints every
violation. Accepts plain Go source or .tech files with a "// key: value" header.`,
	Args: cobra.MinimumNArgs(1),
	RunE: checkTechniques,
}

func init() {
	techniquesListCmd.Flags().StringVar(&listParadigm, "paradigm", "", "Only list techniques for this paradigm")
	techniquesCmd.AddCommand(techniquesListCmd)
	techniquesCmd.AddCommand(techniquesCheckCmd)
}

func listTechniques(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var filter types.Paradigm
	if listParadigm != "" {
		p, err := types.ParseParadigm(listParadigm)
		if err != nil {
			return err
		}
		filter = p
	}

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TECHNIQUE\tPARADIGM\tORIGIN\tPARAMETERS\tDESCRIPTION")
	for _, impl := range a.registry.List() {
		if filter != "" && filter.Concrete() && impl.Paradigm != filter {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", impl.ID, impl.Paradigm, impl.Origin,
			strings.Join(impl.Schema.Names(), ","), impl.Description)
	}
	return tw.Flush()
}

func checkTechniques(cmd *cobra.Command, args []string) error {
	checker := policy.NewChecker(cfg.PolicyConfig())
	out := cmd.OutOrStdout()
	unsafe := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		source := string(data)
		if strings.HasSuffix(path, techniques.FileExt) {
			id := strings.TrimSuffix(filepath.Base(path), techniques.FileExt)
			impl, err := techniques.ParseTechniqueFile(id, data, types.OriginRegistry)
			if err != nil {
				unsafe++
				fmt.Fprintf(out, "%s: %v\n", path, err)
				continue
			}
			source = impl.Source
		}

		report := checker.Check(source)
		if report.Safe {
			fmt.Fprintf(out, "%s: ok (%d calls checked)\n", path, report.CallsChecked)
			continue
		}
		unsafe++
		fmt.Fprintf(out, "%s: %d violations\n", path, len(report.Violations))
		for _, msg := range report.Messages() {
			fmt.Fprintf(out, "  - %s\n", msg)
		}
	}
	if unsafe > 0 {
		return fmt.Errorf("%d of %d files failed the policy check", unsafe, len(args))
	}
	return nil
}
