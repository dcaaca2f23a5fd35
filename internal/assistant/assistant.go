// Package assistant is the client side of the design assistant: the service
// that turns requests into construction plans and writes technique code on
// demand.
package assistant

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"shapesmith/internal/geom"
	"shapesmith/internal/types"
)

// Assistant is the design assistant collaborator.
type Assistant interface {
	// GeneratePlan returns a plan in the JSON wire format.
	GeneratePlan(ctx context.Context, prompt string) ([]byte, error)
	// SynthesizeTechnique writes an implementation for an unknown technique.
	SynthesizeTechnique(ctx context.Context, req SynthesisRequest) (*SynthesisResponse, error)
}

// SynthesisRequest asks for a new technique implementation. Feedback and
// PreviousSource are set on a refined retry after a policy rejection.
type SynthesisRequest struct {
	TechniqueName     string            `json:"techniqueName"`
	IntentDescription string            `json:"intentDescription"`
	ParameterSchema   types.ParamSchema `json:"parameterSchema"`
	Paradigm          types.Paradigm    `json:"paradigm"`
	Feedback          []string          `json:"feedback,omitempty"`
	PreviousSource    string            `json:"previousSource,omitempty"`
}

// SynthesisResponse carries the generated source.
type SynthesisResponse struct {
	SourceCode string `json:"sourceCode"`
}

// PlanSystemPrompt describes the plan wire format. catalog lists the known
// techniques, one "id (paradigm): description" per line.
func PlanSystemPrompt(catalog []string) string {
	var sb strings.Builder
	sb.WriteString(`You are a jewellery and product design assistant. Turn the user's request into a construction plan.

Respond with JSON only, in exactly this shape:
{
  "reasoning": "why these steps produce the requested object",
  "operations": [
    {"technique": "ring_band", "paradigm": "precision", "parameters": {"diameter": 18.0}},
    {"technique": "center_stone", "paradigm": "precision", "parameters": {"cut": "round"}, "target": "step0"}
  ]
}

Rules:
- operations run in order; "target" names an EARLIER step as "stepN" (zero-based).
- "paradigm" is "precision" for exact CAD geometry or "artistic" for organic sculpting; omit it to let the engine decide.
- parameter values are numbers, strings or booleans only.
- mark decorative steps "optional": true so the design survives if they fail.
- prefer the known techniques below; invent a new snake_case technique name only when none fits.

Known techniques:
`)
	for _, line := range catalog {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// TechniqueSystemPrompt describes the technique language for a paradigm.
func TechniqueSystemPrompt(paradigm types.Paradigm) string {
	caps := geom.Capabilities(paradigm)
	ops := make([]string, 0, len(caps))
	for op := range caps {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	var sb strings.Builder
	fmt.Fprintf(&sb, `You write geometry techniques for a %s modelling engine in a restricted subset of Go.

Contract:
- the file is "package technique" and imports only "geom".
- it defines exactly: func Build(b *geom.Builder, p geom.Params) error
- read parameters with p.Float, p.Int, p.String, p.Bool (each takes a default) and p.Has.
- create shapes with builder methods and call b.Emit for every shape that is part of the result.
- when b.HasTarget() is true, build on the earlier object: b.Target(), b.TargetBounds(), b.Attach(shape, "top").

Allowed builder methods: %s
Allowed package functions: geom.%s, constant geom.Pi
Allowed builtins: %s

Forbidden: any other import or call, goroutines, channels, select, defer, goto, labels,
package-level variables, loops without a bound, recursion.

Reply with a single fenced go code block and nothing else.
`, strings.ToLower(paradigm.String()), strings.Join(ops, ", "), strings.Join(geom.Functions, ", geom."), strings.Join(geom.Builtins, ", "))
	return sb.String()
}

// SynthesisPrompt renders the user turn of a synthesis request.
func SynthesisPrompt(req SynthesisRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Technique name: %s\n", req.TechniqueName)
	fmt.Fprintf(&sb, "Intent: %s\n", req.IntentDescription)
	if names := req.ParameterSchema.Names(); len(names) > 0 {
		sb.WriteString("Parameters:\n")
		for _, name := range names {
			spec := req.ParameterSchema[name]
			fmt.Fprintf(&sb, "- %s (%s)", name, spec.Type)
			if spec.Description != "" {
				fmt.Fprintf(&sb, ": %s", spec.Description)
			}
			sb.WriteString("\n")
		}
	}
	if len(req.Feedback) > 0 {
		sb.WriteString("\nYour previous attempt was rejected by the safety checker:\n")
		for _, f := range req.Feedback {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		if req.PreviousSource != "" {
			fmt.Fprintf(&sb, "\nPrevious attempt:\n```go\n%s\n```\n", req.PreviousSource)
		}
		sb.WriteString("Fix every violation and only use the allowed vocabulary.\n")
	}
	return sb.String()
}

// extractCodeBlock returns the body of the first fenced block tagged lang,
// or of the first untagged block, or the trimmed text itself.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			if end := strings.Index(text[start:], "```"); end != -1 {
				return strings.TrimSpace(text[start:start+end]) + "\n"
			}
		}
	}
	return strings.TrimSpace(text) + "\n"
}
