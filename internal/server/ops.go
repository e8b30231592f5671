package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	balancedomain "github.com/smallbiznis/allocledger/internal/balance/domain"
)

type rebuildCacheRequest struct {
	RepresentativeID string `json:"representative_id"`
	BatchSize        int    `json:"batch_size"`
	Limit            int    `json:"limit"`
	SleepMS          int64  `json:"sleep_ms"`
	Drop             bool   `json:"drop"`
}

func (s *Server) RebuildCache(c *gin.Context) {
	var req rebuildCacheRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.BatchSize < 0 || req.Limit < 0 || req.SleepMS < 0 {
		AbortWithError(c, invalidRequestError())
		return
	}
	representativeID, err := parseOptionalSnowflakeID(req.RepresentativeID)
	if err != nil {
		AbortWithError(c, newValidationError("representative_id", "invalid_representative_id", "invalid representative_id"))
		return
	}

	ctx := c.Request.Context()
	var dropped int64
	if req.Drop {
		dropped, err = s.balanceSvc.Drop(ctx, representativeID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	result, err := s.balanceSvc.RecomputeAll(ctx, balancedomain.RebuildRequest{
		BatchSize:        req.BatchSize,
		Sleep:            time.Duration(req.SleepMS) * time.Millisecond,
		RepresentativeID: representativeID,
		Limit:            req.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result.Dropped = dropped

	metadata := map[string]any{
		"processed": result.Processed,
		"anomalies": result.Anomalies,
		"dropped":   dropped,
	}
	if representativeID != nil {
		metadata["representative_id"] = representativeID.String()
	}
	s.recordAudit(ctx, actorFrom(c), auditdomain.ActionCacheRebuilt, "balance_cache", metadata)

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) CheckInvariants(c *gin.Context) {
	report, err := s.checker.Check(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report, "ok": report.OK()})
}

func (s *Server) CheckInvoiceInvariants(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	report, err := s.checker.CheckInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report, "ok": report.OK()})
}

func (s *Server) GetOutbox(c *gin.Context) {
	failedOnly, err := parseOptionalBool(c.Query("failed"))
	if err != nil {
		AbortWithError(c, newValidationError("failed", "invalid_failed", "invalid failed"))
		return
	}
	limit, err := parseOptionalInt64(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	ctx := c.Request.Context()
	stats, err := s.dispatcher.Stats(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var n int
	if limit != nil {
		n = int(*limit)
	}
	recent, err := s.dispatcher.Recent(ctx, n, failedOnly != nil && *failedOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats, "data": recent})
}

func (s *Server) RetryOutboxEvent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := s.dispatcher.Retry(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
