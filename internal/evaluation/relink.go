package evaluation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// trailingParenthetical strips a qualifier suffix such as " (RTC)" from a
// metric name recorded by an older evaluator revision.
var trailingParenthetical = regexp.MustCompile(`\s*\([^)]*\)\s*$`)

// RelinkReport summarizes one reconciliation pass over orphaned metrics.
type RelinkReport struct {
	Scanned   int
	Linked    int
	Unmatched []string // distinct metric names no evaluator claims
}

// RelinkOrphanedMetrics reattaches metrics whose evaluator link was lost,
// matching each orphan's metric name against the names the registered
// evaluators declare. An exact match wins; failing that, the name is retried
// with any trailing parenthetical qualifier stripped. Names no evaluator
// claims are left orphaned and reported.
func (a *Aggregator) RelinkOrphanedMetrics(ctx context.Context) (*RelinkReport, error) {
	if a == nil || a.st == nil {
		return nil, errors.New("evaluation: nil aggregator")
	}
	if a.evaluators == nil {
		return nil, errors.New("evaluation: nil evaluator registry")
	}

	records, err := a.st.ListEvaluators(ctx)
	if err != nil {
		return nil, err
	}
	idByName := make(map[string]string, len(records))
	for _, rec := range records {
		idByName[rec.Name] = rec.ID
	}

	// metric name -> owning evaluator's store id
	owner := make(map[string]string)
	for _, e := range a.evaluators.All() {
		id, ok := idByName[e.Name()]
		if !ok {
			continue // registered in code but not in the store yet
		}
		for _, name := range e.MetricNames() {
			if prior, dup := owner[name]; dup && prior != id {
				return nil, fmt.Errorf("evaluation: metric %q claimed by two evaluators", name)
			}
			owner[name] = id
		}
	}

	orphans, err := a.st.ListOrphanMetrics(ctx)
	if err != nil {
		return nil, err
	}

	report := &RelinkReport{Scanned: len(orphans)}
	unmatched := make(map[string]bool)
	for _, m := range orphans {
		id, ok := owner[m.Name]
		if !ok {
			stripped := strings.TrimSpace(trailingParenthetical.ReplaceAllString(m.Name, ""))
			if stripped != m.Name {
				id, ok = owner[stripped]
			}
		}
		if !ok {
			unmatched[m.Name] = true
			continue
		}
		if err := a.st.LinkMetricEvaluator(ctx, m.Scope, m.ID, id); err != nil {
			return report, fmt.Errorf("evaluation: link metric %d: %w", m.ID, err)
		}
		report.Linked++
	}
	for name := range unmatched {
		report.Unmatched = append(report.Unmatched, name)
	}
	sort.Strings(report.Unmatched)
	return report, nil
}
