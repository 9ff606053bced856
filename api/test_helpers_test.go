package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/gm-eval/internal/config"
	"github.com/stellarlinkco/gm-eval/internal/evaluator"
	"github.com/stellarlinkco/gm-eval/internal/llm"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

type fakeProvider struct {
	CompleteFunc func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if p.CompleteFunc != nil {
		return p.CompleteFunc(ctx, req)
	}
	return &llm.Response{Text: "the torch gutters, shadows lengthen"}, nil
}

type fixedEvaluator struct {
	name    string
	emits   []string
	metrics []evaluator.Metric
}

func (f *fixedEvaluator) Name() string          { return f.name }
func (f *fixedEvaluator) MetricNames() []string { return f.emits }

func (f *fixedEvaluator) Evaluate(context.Context, evaluator.Input) ([]evaluator.Metric, error) {
	return f.metrics, nil
}

func newTestServer(t *testing.T, provider llm.Provider, evals *evaluator.Registry) *Server {
	t.Helper()

	gin.SetMode(gin.TestMode)
	t.Setenv("GMEVAL_API_KEY", "")
	t.Setenv("GMEVAL_DISABLE_AUTH", "true")

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if provider == nil {
		provider = &fakeProvider{}
	}
	if evals == nil {
		evals = evaluator.NewRegistry()
	}

	s, err := NewServer(config.Default(), st, provider, evals)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func mustStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}
