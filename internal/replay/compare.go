package replay

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/stellarlinkco/gm-eval/internal/store"
)

// Comparison lays runs from several executions side by side, one row per
// fixture. A fixture with no run in some execution simply lacks that cell;
// an absent cell is not a zero result.
type Comparison struct {
	Executions []string
	Rows       []ComparisonRow
}

// ComparisonRow holds one fixture's runs keyed by execution name.
type ComparisonRow struct {
	TestCaseID   string
	TestCaseName string
	Cells        map[string]*store.RunRecord
}

// CompareExecutions builds the comparison matrix for the named executions.
// When an execution replayed the same fixture more than once, the most
// recent run wins.
func (e *Engine) CompareExecutions(ctx context.Context, executionNames []string) (*Comparison, error) {
	if e == nil || e.st == nil {
		return nil, errors.New("replay: nil engine")
	}

	names := make([]string, 0, len(executionNames))
	seen := make(map[string]bool, len(executionNames))
	for _, n := range executionNames {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	if len(names) < 2 {
		return nil, errors.New("replay: comparison needs at least two executions")
	}

	runs, err := e.st.ListRunsByExecutions(ctx, names)
	if err != nil {
		return nil, err
	}

	rowsByCase := make(map[string]*ComparisonRow)
	for _, run := range runs {
		row, ok := rowsByCase[run.TestCaseID]
		if !ok {
			row = &ComparisonRow{
				TestCaseID: run.TestCaseID,
				Cells:      make(map[string]*store.RunRecord, len(names)),
			}
			rowsByCase[run.TestCaseID] = row
		}
		prev, ok := row.Cells[run.ExecutionName]
		if !ok || run.ExecutedAt.After(prev.ExecutedAt) {
			row.Cells[run.ExecutionName] = run
		}
	}

	rows := make([]ComparisonRow, 0, len(rowsByCase))
	for _, row := range rowsByCase {
		tc, err := e.st.GetTestCase(ctx, row.TestCaseID)
		if err == nil {
			row.TestCaseName = tc.Name
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TestCaseName != rows[j].TestCaseName {
			return rows[i].TestCaseName < rows[j].TestCaseName
		}
		return rows[i].TestCaseID < rows[j].TestCaseID
	})

	return &Comparison{Executions: names, Rows: rows}, nil
}
