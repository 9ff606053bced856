package evaluator

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

// Pacing targets, in runes. Replies inside the band score highest; the
// score decays linearly toward the floor as replies drift shorter or
// longer than the band.
const (
	brevityIdealMin = 200
	brevityIdealMax = 1200
	brevityHardMax  = 4000
)

// BrevityEvaluator scores reply pacing without an LLM call. Game master
// turns should carry the scene forward without burying the player.
type BrevityEvaluator struct{}

func (BrevityEvaluator) Name() string {
	return "BrevityEvaluator"
}

func (BrevityEvaluator) MetricNames() []string {
	return []string{"Brevity"}
}

func (BrevityEvaluator) Evaluate(_ context.Context, in Input) ([]Metric, error) {
	out := strings.TrimSpace(in.Output)
	if out == "" {
		return nil, errors.New("brevity: empty output")
	}

	n := utf8.RuneCountInString(out)
	var score float64
	var remark string
	switch {
	case n >= brevityIdealMin && n <= brevityIdealMax:
		score = ScoreMax
		remark = "reply length sits inside the pacing band"
	case n < brevityIdealMin:
		// Linear from 1 at zero length up to 5 at the band edge.
		score = ScoreMin + (ScoreMax-ScoreMin)*float64(n)/float64(brevityIdealMin)
		remark = "reply is shorter than the pacing band"
	case n >= brevityHardMax:
		score = ScoreMin
		remark = "reply far exceeds the pacing band"
	default:
		over := float64(n-brevityIdealMax) / float64(brevityHardMax-brevityIdealMax)
		score = ScoreMax - (ScoreMax-ScoreMin)*over
		remark = "reply is longer than the pacing band"
	}

	return []Metric{{
		Name:        "Brevity",
		Score:       clampScore(score),
		Remarks:     remark,
		Diagnostics: map[string]any{"rune_count": n},
	}}, nil
}
