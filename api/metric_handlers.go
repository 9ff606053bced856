package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/gm-eval/internal/store"
)

func (s *Server) handleRegisterEvaluators(c *gin.Context) {
	outcomes, err := s.aggregator.RegisterEvaluators(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomes)
}

func (s *Server) handleListEvaluators(c *gin.Context) {
	evaluators, err := s.store.ListEvaluators(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, evaluators)
}

func (s *Server) handleScoreRun(c *gin.Context) {
	metrics, err := s.aggregator.ScoreRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, metrics)
}

func (s *Server) handleScoreMessage(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	metrics, err := s.aggregator.ScoreMessage(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, metrics)
}

func (s *Server) handleRelinkMetrics(c *gin.Context) {
	report, err := s.aggregator.RelinkOrphanedMetrics(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func metricFilterFromQuery(c *gin.Context) (store.MetricFilter, error) {
	filter := store.MetricFilter{
		Scope:       store.MetricScope(strings.TrimSpace(c.Query("scope"))),
		GameID:      c.Query("game_id"),
		Name:        c.Query("name"),
		AgentID:     c.Query("agent_id"),
		VersionID:   c.Query("version_id"),
		EvaluatorID: c.Query("evaluator_id"),
	}
	if raw := strings.TrimSpace(c.Query("min_score")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, err
		}
		filter.MinScore = v
	}
	if raw := strings.TrimSpace(c.Query("max_score")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, err
		}
		filter.MaxScore = v
	}
	if raw := strings.TrimSpace(c.Query("passed")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, err
		}
		filter.Passed = &v
	}
	return filter, nil
}

func (s *Server) handleListMetrics(c *gin.Context) {
	filter, err := metricFilterFromQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	page, err := parseIntQuery(c, "page", 1)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	pageSize, err := parseIntQuery(c, "page_size", 50)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	metrics, total, err := s.aggregator.ListMetrics(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"metrics":   metrics,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleMetricStats(c *gin.Context) {
	filter, err := metricFilterFromQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	stats, err := s.aggregator.ComputeStats(c.Request.Context(), filter)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
