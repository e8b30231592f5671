package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/smallbiznis/allocledger/internal/allocation/domain"
	billingdomain "github.com/smallbiznis/allocledger/internal/billing/domain"
	"github.com/smallbiznis/allocledger/internal/money"
)

type autoAllocateRequest struct {
	Method              string   `json:"method"`
	AllowPartial        *bool    `json:"allow_partial"`
	AllowOverAllocation *bool    `json:"allow_over_allocation"`
	Statuses            []string `json:"statuses"`
	IncludeAuditTrail   bool     `json:"include_audit_trail"`
}

type manualAllocateRequest struct {
	InvoiceID           string `json:"invoice_id"`
	Amount              string `json:"amount"`
	Reason              string `json:"reason"`
	AllowOverAllocation bool   `json:"allow_over_allocation"`
}

type deallocateRequest struct {
	InvoiceID string `json:"invoice_id"`
	Reason    string `json:"reason"`
}

type allocateFullRequest struct {
	InvoiceID string `json:"invoice_id"`
}

func (s *Server) AutoAllocatePayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	var req autoAllocateRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	statuses := make([]billingdomain.InvoiceStatus, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		status, err := billingdomain.ParseInvoiceStatus(strings.TrimSpace(raw))
		if err != nil {
			AbortWithError(c, err)
			return
		}
		statuses = append(statuses, status)
	}

	result, err := s.allocationSvc.AutoAllocatePayment(c.Request.Context(), paymentID, allocationdomain.Rules{
		Method:              strings.TrimSpace(req.Method),
		AllowPartial:        req.AllowPartial,
		AllowOverAllocation: req.AllowOverAllocation,
		Statuses:            statuses,
		PerformedBy:         actorFrom(c),
		IncludeAuditTrail:   req.IncludeAuditTrail,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ManualAllocatePayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	var req manualAllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	invoiceID, err := parseOptionalSnowflakeID(req.InvoiceID)
	if err != nil || invoiceID == nil {
		AbortWithError(c, newValidationError("invoice_id", "invalid_invoice_id", "invalid invoice_id"))
		return
	}
	amount, err := money.Parse(req.Amount, s.cfg.Allocation.CurrencyMinorDigits)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.allocationSvc.ManualAllocatePayment(c.Request.Context(), allocationdomain.ManualRequest{
		PaymentID:           paymentID,
		InvoiceID:           *invoiceID,
		Amount:              amount,
		PerformedBy:         actorFrom(c),
		Reason:              strings.TrimSpace(req.Reason),
		AllowOverAllocation: req.AllowOverAllocation,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) DeallocatePayment(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	var req deallocateRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	dealloc := allocationdomain.DeallocateRequest{
		PaymentID:   paymentID,
		PerformedBy: actorFrom(c),
		Reason:      strings.TrimSpace(req.Reason),
	}
	invoiceID, err := parseOptionalSnowflakeID(req.InvoiceID)
	if err != nil {
		AbortWithError(c, newValidationError("invoice_id", "invalid_invoice_id", "invalid invoice_id"))
		return
	}
	if invoiceID != nil {
		dealloc.InvoiceID = *invoiceID
	}

	result, err := s.allocationSvc.DeallocatePayment(c.Request.Context(), dealloc)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) AllocateFull(c *gin.Context) {
	paymentID, ok := pathID(c)
	if !ok {
		return
	}

	var req allocateFullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	invoiceID, err := parseOptionalSnowflakeID(req.InvoiceID)
	if err != nil || invoiceID == nil {
		AbortWithError(c, newValidationError("invoice_id", "invalid_invoice_id", "invalid invoice_id"))
		return
	}

	result, err := s.ledgerSvc.AllocateFull(c.Request.Context(), paymentID, *invoiceID, actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// bindOptionalJSON decodes the body when one was sent; an empty body keeps
// the zero request.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return false
	}
	return true
}
