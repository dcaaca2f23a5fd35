package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"shapesmith/internal/types"
)

// summaryMarkdown formats a summary as a markdown report.
func summaryMarkdown(name string, s *types.ExecutionSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s: %s\n\n", name, s.Status)
	if s.PlanID != "" {
		fmt.Fprintf(&sb, "Plan `%s`", s.PlanID)
		if s.SessionID != "" {
			fmt.Fprintf(&sb, " in session `%s`", s.SessionID)
		}
		fmt.Fprintf(&sb, ", %v\n\n", s.Duration.Round(time.Millisecond))
	}

	if len(s.Violations) > 0 {
		sb.WriteString("## Violations\n\n")
		for _, v := range s.Violations {
			fmt.Fprintf(&sb, "- %s\n", v)
		}
		sb.WriteString("\n")
	}

	if len(s.Results) > 0 {
		sb.WriteString("## Steps\n\n")
		sb.WriteString("| # | Technique | Paradigm | Origin | Status | Detail |\n")
		sb.WriteString("|---|---|---|---|---|---|\n")
		for _, r := range s.Results {
			detail := r.Diagnostic
			if r.ErrorKind != "" {
				detail = fmt.Sprintf("%s: %s", r.ErrorKind, detail)
			}
			fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s | %s |\n",
				r.Step, r.Technique, r.Paradigm, r.Origin, r.Status, escapeCell(detail))
		}
		sb.WriteString("\n")
	}

	if len(s.Artifacts) > 0 {
		sb.WriteString("## Artifacts\n\n")
		for _, a := range s.Artifacts {
			fmt.Fprintf(&sb, "- **%s** `%s` (%s, %d objects)\n", a.Paradigm, a.URI, a.Format, len(a.Handles))
		}
		sb.WriteString("\n")
	}

	if len(s.Warnings) > 0 {
		sb.WriteString("## Warnings\n\n")
		for _, w := range s.Warnings {
			fmt.Fprintf(&sb, "- %s\n", w)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// writeSummary prints s in the requested format.
func writeSummary(w io.Writer, format, name string, s *types.ExecutionSummary) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "markdown", "md":
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			return err
		}
		out, err := renderer.Render(summaryMarkdown(name, s))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	case "raw":
		_, err := io.WriteString(w, summaryMarkdown(name, s))
		return err
	default:
		return fmt.Errorf("unknown format %q (valid: json, markdown, raw)", format)
	}
}
