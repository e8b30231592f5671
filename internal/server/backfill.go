package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	backfilldomain "github.com/smallbiznis/allocledger/internal/backfill/domain"
	"go.uber.org/zap"
)

type dryRunRequest struct {
	Limit int `json:"limit"`
}

type activeBackfillRequest struct {
	BatchSize  int   `json:"batch_size"`
	MaxBatches int   `json:"max_batches"`
	SleepMS    int64 `json:"sleep_ms"`
}

type orphanBackfillRequest struct {
	PaymentLimit      int `json:"payment_limit"`
	InvoiceBatchLimit int `json:"invoice_batch_limit"`
}

func (s *Server) BackfillDryRun(c *gin.Context) {
	var req dryRunRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	result, err := s.backfillSvc.DryRun(c.Request.Context(), req.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) BackfillActive(c *gin.Context) {
	var req activeBackfillRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.BatchSize < 0 || req.MaxBatches < 0 || req.SleepMS < 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	result, err := s.backfillSvc.Active(ctx, backfilldomain.ActiveRequest{
		BatchSize:  req.BatchSize,
		MaxBatches: req.MaxBatches,
		Sleep:      time.Duration(req.SleepMS) * time.Millisecond,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(ctx, actorFrom(c), auditdomain.ActionBackfillActive, "payment_allocations", map[string]any{
		"inserted": result.Inserted,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"batches":  result.Batches,
	})
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) BackfillOrphans(c *gin.Context) {
	var req orphanBackfillRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.PaymentLimit < 0 || req.InvoiceBatchLimit < 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	result, err := s.backfillSvc.DistributePartialOrphans(ctx, backfilldomain.OrphanRequest{
		PaymentLimit:      req.PaymentLimit,
		InvoiceBatchLimit: req.InvoiceBatchLimit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(ctx, actorFrom(c), auditdomain.ActionBackfillOrphans, "payment_allocations", map[string]any{
		"payments":         result.Payments,
		"lines":            result.Lines,
		"unplaced":         result.Unplaced,
		"touched_invoices": result.TouchedInvoices,
	})
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// recordAudit writes an operator audit entry for an action that already
// committed; a failed write is logged and does not fail the request.
func (s *Server) recordAudit(ctx context.Context, actor, action, targetType string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeOperator), &actor, action, targetType, nil, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
