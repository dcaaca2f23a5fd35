package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"shapesmith/internal/logging"
	"shapesmith/internal/types"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// GenAIAssistant talks to Gemini through the Google GenAI SDK.
type GenAIAssistant struct {
	client  *genai.Client
	model   string
	catalog []string
}

// NewGenAIAssistant creates a Gemini-backed assistant. catalog is included in
// the plan prompt.
func NewGenAIAssistant(ctx context.Context, apiKey, model string, catalog []string) (*GenAIAssistant, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIAssistant{client: client, model: model, catalog: catalog}, nil
}

// Name returns the assistant name.
func (a *GenAIAssistant) Name() string {
	return "genai:" + a.model
}

func (a *GenAIAssistant) generate(ctx context.Context, op, system, user string, cfg *genai.GenerateContentConfig) (string, error) {
	timer := logging.StartTimer(logging.CategoryAssistant, op)
	defer timer.Stop()

	cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(user), cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Network, quota and server failures are all worth another attempt.
		return "", &types.BackendError{Backend: a.Name(), Op: op, Transient: true, Err: err}
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &types.BackendError{Backend: a.Name(), Op: op, Transient: true, Err: errors.New("empty response")}
	}
	logging.AssistantDebug("%s: %d bytes", op, len(text))
	return text, nil
}

// GeneratePlan asks the model for a plan.
func (a *GenAIAssistant) GeneratePlan(ctx context.Context, prompt string) ([]byte, error) {
	text, err := a.generate(ctx, "generate_plan", PlanSystemPrompt(a.catalog), prompt, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.2),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	return []byte(extractJSON(text)), nil
}

// SynthesizeTechnique asks the model for technique code.
func (a *GenAIAssistant) SynthesizeTechnique(ctx context.Context, req SynthesisRequest) (*SynthesisResponse, error) {
	logging.Assistant("synthesizing %s (%s, attempt with %d feedback items)", req.TechniqueName, req.Paradigm, len(req.Feedback))
	text, err := a.generate(ctx, "synthesize_technique", TechniqueSystemPrompt(req.Paradigm), SynthesisPrompt(req), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.1),
	})
	if err != nil {
		return nil, err
	}
	return &SynthesisResponse{SourceCode: extractCodeBlock(text, "go")}, nil
}

// extractJSON strips code fences around a JSON object.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return text
	}
	return text[start : end+1]
}
