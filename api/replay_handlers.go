package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/gm-eval/internal/replay"
)

type captureRequest struct {
	MessageID   int64  `json:"message_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCaptureTestCase(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.MessageID <= 0 {
		respondError(c, http.StatusBadRequest, errors.New("missing message_id"))
		return
	}

	tc, err := s.engine.CaptureTestCase(c.Request.Context(), req.MessageID, req.Name, req.Description)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tc)
}

func (s *Server) handleListTestCases(c *gin.Context) {
	activeOnly := !strings.EqualFold(strings.TrimSpace(c.Query("all")), "true")
	cases, err := s.store.ListTestCases(c.Request.Context(), activeOnly)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, cases)
}

func (s *Server) handleDeactivateTestCase(c *gin.Context) {
	if err := s.engine.DeactivateTestCase(c.Request.Context(), c.Param("id")); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type runRequest struct {
	TestCaseID    string `json:"test_case_id"`
	AgentID       string `json:"agent_id"`
	VersionID     string `json:"version_id,omitempty"`
	ExecutionName string `json:"execution_name"`
}

func (s *Server) handleExecuteRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ExecutionName) == "" || strings.TrimSpace(req.AgentID) == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing execution_name or agent_id"))
		return
	}

	run, err := s.engine.ExecuteRun(c.Request.Context(), req.TestCaseID, req.AgentID, req.VersionID, req.ExecutionName)
	if err != nil {
		// A replay failure still produced a persisted run; return it with
		// the gateway status so the caller sees both.
		if errors.Is(err, replay.ErrReplay) && run != nil {
			c.JSON(http.StatusBadGateway, gin.H{"run": run, "error": err.Error()})
			return
		}
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

type batchRequest struct {
	ExecutionName string             `json:"execution_name"`
	Items         []replay.BatchItem `json:"items"`
}

type batchItemResponse struct {
	TestCaseID string `json:"test_case_id"`
	RunID      string `json:"run_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleExecuteBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if len(req.Items) == 0 {
		respondError(c, http.StatusBadRequest, errors.New("missing batch items"))
		return
	}

	results, err := s.engine.ExecuteBatch(c.Request.Context(), req.ExecutionName, req.Items)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	out := make([]batchItemResponse, 0, len(results))
	for _, r := range results {
		item := batchItemResponse{TestCaseID: r.Item.TestCaseID}
		if r.Run != nil {
			item.RunID = r.Run.ID
		}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		out = append(out, item)
	}
	c.JSON(http.StatusCreated, gin.H{"execution_name": req.ExecutionName, "results": out})
}

type compareRequest struct {
	Executions []string `json:"executions"`
}

func (s *Server) handleCompareExecutions(c *gin.Context) {
	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if len(req.Executions) < 2 {
		respondError(c, http.StatusBadRequest, errors.New("compare needs at least two executions"))
		return
	}

	cmp, err := s.engine.CompareExecutions(c.Request.Context(), req.Executions)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmp)
}
