package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/gm-eval/internal/ledger"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

type createGameRequest struct {
	Ruleset              string `json:"ruleset"`
	ScenarioID           string `json:"scenario_id,omitempty"`
	Player               string `json:"player"`
	AgentID              string `json:"agent_id,omitempty"`
	InstructionVersionID string `json:"instruction_version_id,omitempty"`
	OpeningLine          string `json:"opening_line,omitempty"`
}

func (s *Server) handleCreateGame(c *gin.Context) {
	var req createGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	game, err := s.ledger.CreateGame(c.Request.Context(), ledger.CreateGameParams{
		Ruleset:              req.Ruleset,
		ScenarioID:           req.ScenarioID,
		Player:               req.Player,
		AgentID:              req.AgentID,
		InstructionVersionID: req.InstructionVersionID,
		OpeningLine:          req.OpeningLine,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, game)
}

func (s *Server) handleGetGame(c *gin.Context) {
	game, err := s.store.GetGame(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, game)
}

type appendMessageRequest struct {
	Text                 string `json:"text"`
	Player               string `json:"player,omitempty"`
	IsPlayer             bool   `json:"is_player"`
	AgentID              string `json:"agent_id,omitempty"`
	InstructionVersionID string `json:"instruction_version_id,omitempty"`
	IsScripted           bool   `json:"is_scripted"`
}

func (s *Server) handleAppendMessage(c *gin.Context) {
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing message text"))
		return
	}

	msg, err := s.ledger.AppendMessage(c.Request.Context(), c.Param("id"), req.Text, ledger.Authorship{
		Player:               req.Player,
		IsPlayer:             req.IsPlayer,
		AgentID:              req.AgentID,
		InstructionVersionID: req.InstructionVersionID,
		IsScripted:           req.IsScripted,
	})
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.store.ListGameMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type metadataRequest struct {
	AgentID              *string `json:"agent_id,omitempty"`
	InstructionVersionID *string `json:"instruction_version_id,omitempty"`
	HistoryID            *int64  `json:"history_id,omitempty"`
	Sentiment            *string `json:"sentiment,omitempty"`
}

func (s *Server) handleAttachMetadata(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	var req metadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if err := s.ledger.AttachMetadata(c.Request.Context(), id, store.MessageMetadata{
		AgentID:              req.AgentID,
		InstructionVersionID: req.InstructionVersionID,
		HistoryID:            req.HistoryID,
		Sentiment:            req.Sentiment,
	}); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReadContext(c *gin.Context) {
	id, err := parseIDParam(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	window, err := parseIntQuery(c, "window", s.config.Ledger.ContextWindow)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	msgs, err := s.ledger.ReadContext(c.Request.Context(), id, window)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type snapshotRequest struct {
	ThreadState   string `json:"thread_state"` // serialized thread, opaque
	LastMessageID int64  `json:"last_message_id"`
}

func (s *Server) handlePersistSnapshot(c *gin.Context) {
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ThreadState) == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing thread_state"))
		return
	}

	snap, err := s.ledger.PersistSnapshot(c.Request.Context(), c.Param("id"), []byte(req.ThreadState), req.LastMessageID)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	snaps, err := s.store.ListGameSnapshots(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (s *Server) handleVerifyChain(c *gin.Context) {
	if err := s.ledger.VerifyChain(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrConsistency) {
			c.JSON(http.StatusOK, gin.H{"consistent": false, "error": err.Error()})
			return
		}
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consistent": true})
}
