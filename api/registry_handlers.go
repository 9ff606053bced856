package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type agentRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing agent name"))
		return
	}

	agent, err := s.registry.RegisterAgent(c.Request.Context(), req.Name, req.Role)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) handleRenameAgent(c *gin.Context) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing agent name"))
		return
	}

	if err := s.registry.RenameAgent(c.Request.Context(), c.Param("id"), req.Name); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if err := s.registry.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type versionRequest struct {
	Label        string `json:"label"`
	Instructions string `json:"instructions"`
	IsActive     *bool  `json:"is_active,omitempty"`
}

func (s *Server) handleCreateVersion(c *gin.Context) {
	var req versionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	version, err := s.registry.CreateVersion(c.Request.Context(), c.Param("id"), req.Label, req.Instructions)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, version)
}

func (s *Server) handleListVersions(c *gin.Context) {
	versions, err := s.store.ListAgentVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (s *Server) handleGetVersion(c *gin.Context) {
	version, err := s.store.GetVersion(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (s *Server) handleUpdateVersion(c *gin.Context) {
	var req versionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if err := s.registry.UpdateVersion(c.Request.Context(), c.Param("id"), req.Label, req.Instructions, req.IsActive); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type scenarioRequest struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

func (s *Server) handleCreateScenario(c *gin.Context) {
	var req scenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	scenario, err := s.registry.CreateScenario(c.Request.Context(), req.Name, req.Instructions)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, scenario)
}

type bindingRequest struct {
	AgentID   string `json:"agent_id"`
	VersionID string `json:"version_id,omitempty"`
}

func (s *Server) handleBindScenario(c *gin.Context) {
	var req bindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing agent_id"))
		return
	}

	if err := s.registry.BindScenarioAgent(c.Request.Context(), c.Param("id"), req.AgentID, req.VersionID); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResolveInstructions(c *gin.Context) {
	resolved, err := s.registry.ResolveEffectiveInstructions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resolved)
}
