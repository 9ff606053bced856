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

// ToneEvaluator judges whether a reply keeps the narrative voice the
// instructions demand.
type ToneEvaluator struct {
	Provider llm.Provider
}

func (ToneEvaluator) Name() string {
	return "ToneEvaluator"
}

func (ToneEvaluator) MetricNames() []string {
	return []string{"Tone"}
}

const tonePromptTemplate = `You review AI game master replies for tone.

## Instructions the game master was given
{{.Instructions}}

## Reply to Judge
{{.Output}}

Score from 1 to 5 how well the reply keeps the voice, register and persona the
instructions demand. Output ONLY valid JSON:
{"tone": <1-5>, "reasoning": "<brief explanation>"}`

var tonePromptTmpl = template.Must(template.New("tone").Parse(tonePromptTemplate))

type toneOutput struct {
	Tone      float64 `json:"tone"`
	Reasoning string  `json:"reasoning"`
}

func (e *ToneEvaluator) Evaluate(ctx context.Context, in Input) ([]Metric, error) {
	if e == nil {
		return nil, errors.New("tone: nil evaluator")
	}
	if e.Provider == nil {
		return nil, errors.New("tone: nil llm provider")
	}
	if strings.TrimSpace(in.Output) == "" {
		return nil, errors.New("tone: empty output")
	}

	var buf bytes.Buffer
	if err := tonePromptTmpl.Execute(&buf, in); err != nil {
		return nil, fmt.Errorf("tone: render prompt: %w", err)
	}

	resp, err := e.Provider.Complete(ctx, &llm.Request{
		Messages:  []llm.Message{{Role: "user", Content: buf.String()}},
		MaxTokens: 256,
	})
	if err != nil {
		return nil, fmt.Errorf("tone: judge call: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("tone: no JSON in judge output: %q", truncate(text, 120))
	}

	var out toneOutput
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("tone: decode judge output: %w", err)
	}

	return []Metric{{
		Name:        "Tone",
		Score:       clampScore(out.Tone),
		Remarks:     out.Reasoning,
		Diagnostics: map[string]any{"reasoning": out.Reasoning},
	}}, nil
}
