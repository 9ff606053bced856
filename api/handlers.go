package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/gm-eval/internal/replay"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func respondError(c *gin.Context, status int, err error) {
	if err == nil {
		c.Status(status)
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// respondDomainError maps the core's sentinel errors onto HTTP statuses.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(c, http.StatusNotFound, err)
	case errors.Is(err, store.ErrDuplicateVersion),
		errors.Is(err, store.ErrDuplicateFixture),
		errors.Is(err, store.ErrImmutableVersion),
		errors.Is(err, store.ErrReferencedEntity):
		respondError(c, http.StatusConflict, err)
	case errors.Is(err, store.ErrInvalidSource),
		errors.Is(err, replay.ErrVersionMismatch):
		respondError(c, http.StatusBadRequest, err)
	case errors.Is(err, replay.ErrReplay):
		respondError(c, http.StatusBadGateway, err)
	case errors.Is(err, store.ErrConsistency):
		respondError(c, http.StatusInternalServerError, err)
	default:
		respondError(c, http.StatusInternalServerError, err)
	}
}

func parseIDParam(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseIntQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
