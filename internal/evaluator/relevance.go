package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/stellarlinkco/gm-eval/internal/llm"
)

// RelevanceTruthAndCompletenessEvaluator judges a game master response on
// relevance to the player's turn, truthfulness against the instructions, and
// completeness, using an LLM provider.
type RelevanceTruthAndCompletenessEvaluator struct {
	Provider llm.Provider
}

func (RelevanceTruthAndCompletenessEvaluator) Name() string {
	return "RelevanceTruthAndCompletenessEvaluator"
}

func (RelevanceTruthAndCompletenessEvaluator) MetricNames() []string {
	return []string{"Relevance", "Truthfulness", "Completeness"}
}

const relevancePromptTemplate = `You are an expert reviewer of AI game master replies. Judge the reply below.

## Game Master Instructions
{{.Instructions}}

{{if .Context}}## Conversation So Far
{{range .Context}}{{.}}
{{end}}
{{end}}## Player Turn
{{.PlayerInput}}

## Reply to Judge
{{.Output}}

## Task
Score each dimension from 1 to 5:
- relevance: does the reply address the player's turn?
- truthfulness: does the reply stay consistent with the instructions and prior conversation?
- completeness: does the reply resolve everything the turn asked for?

Output ONLY valid JSON in this exact format:
{"relevance": <1-5>, "truthfulness": <1-5>, "completeness": <1-5>, "reasoning": "<brief explanation>"}`

var relevancePromptTmpl = template.Must(template.New("relevance").Parse(relevancePromptTemplate))

type relevanceOutput struct {
	Relevance    float64 `json:"relevance"`
	Truthfulness float64 `json:"truthfulness"`
	Completeness float64 `json:"completeness"`
	Reasoning    string  `json:"reasoning"`
}

func (e *RelevanceTruthAndCompletenessEvaluator) Evaluate(ctx context.Context, in Input) ([]Metric, error) {
	if e == nil {
		return nil, errors.New("relevance: nil evaluator")
	}
	if e.Provider == nil {
		return nil, errors.New("relevance: nil llm provider")
	}
	if strings.TrimSpace(in.Output) == "" {
		return nil, errors.New("relevance: empty output")
	}

	var buf bytes.Buffer
	if err := relevancePromptTmpl.Execute(&buf, in); err != nil {
		return nil, fmt.Errorf("relevance: render prompt: %w", err)
	}

	resp, err := e.Provider.Complete(ctx, &llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: buf.String()}},
		MaxTokens: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("relevance: judge call: %w", err)
	}

	parsed, err := parseJudgeJSON(resp.Text)
	if err != nil {
		return nil, err
	}

	diag := map[string]any{"reasoning": parsed.Reasoning}
	return []Metric{
		{Name: "Relevance", Score: clampScore(parsed.Relevance), Remarks: parsed.Reasoning, Diagnostics: diag},
		{Name: "Truthfulness", Score: clampScore(parsed.Truthfulness), Remarks: parsed.Reasoning, Diagnostics: diag},
		{Name: "Completeness", Score: clampScore(parsed.Completeness), Remarks: parsed.Reasoning, Diagnostics: diag},
	}, nil
}

func parseJudgeJSON(text string) (*relevanceOutput, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("relevance: no JSON in judge output: %q", truncate(text, 120))
	}

	var out relevanceOutput
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("relevance: decode judge output: %w", err)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
