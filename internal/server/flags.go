package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	flagsdomain "github.com/smallbiznis/allocledger/internal/flags/domain"
)

const defaultFlagHistory = 20

type setFlagRequest struct {
	State string `json:"state"`
}

func (s *Server) ListFlags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":     s.flagSvc.List(),
		"snapshot": s.flagSvc.Snapshot().States(),
	})
}

func (s *Server) GetFlag(c *gin.Context) {
	name, err := flagsdomain.ParseName(c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view, err := s.flagSvc.Get(name)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit := defaultFlagHistory
	if parsed, err := parseOptionalInt64(c.Query("history")); err != nil {
		AbortWithError(c, newValidationError("history", "invalid_history", "invalid history"))
		return
	} else if parsed != nil && *parsed > 0 {
		limit = int(*parsed)
	}

	history, err := s.flagSvc.History(c.Request.Context(), name, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": view, "history": history})
}

func (s *Server) SetFlag(c *gin.Context) {
	name, err := flagsdomain.ParseName(c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	change, err := s.flagSvc.SetState(c.Request.Context(), name, flagsdomain.State(strings.TrimSpace(req.State)), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": change})
}

func (s *Server) RefreshFlags(c *gin.Context) {
	if err := s.flagSvc.Refresh(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.flagSvc.List()})
}
