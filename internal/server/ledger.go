package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/pkg/db/pagination"
)

type listLinesQuery struct {
	PageToken        string `form:"page_token"`
	PageSize         int    `form:"page_size"`
	RepresentativeID string `form:"representative_id"`
	Method           string `form:"method"`
	Synthetic        string `form:"synthetic"`
}

func (s *Server) GetShadowReport(c *gin.Context) {
	report, err := s.ledgerSvc.Shadow(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *Server) ListLines(c *gin.Context) {
	var query listLinesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	representativeID, err := parseOptionalSnowflakeID(query.RepresentativeID)
	if err != nil {
		AbortWithError(c, newValidationError("representative_id", "invalid_representative_id", "invalid representative_id"))
		return
	}

	method, err := parseOptionalMethod(query.Method)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	synthetic, err := parseOptionalBool(query.Synthetic)
	if err != nil {
		AbortWithError(c, newValidationError("synthetic", "invalid_synthetic", "invalid synthetic"))
		return
	}

	resp, err := s.ledgerSvc.ListLines(c.Request.Context(), ledgerdomain.ListLinesRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		RepresentativeID: representativeID,
		Method:           method,
		Synthetic:        synthetic,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Lines, "page_info": resp.PageInfo})
}

func (s *Server) ListPaymentLines(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	lines, err := s.ledgerSvc.LinesForPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": lines})
}

func (s *Server) ListInvoiceLines(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	lines, err := s.ledgerSvc.LinesForInvoice(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": lines})
}

func (s *Server) GetInvoiceBalance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	entry, err := s.balanceSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) GetRepresentativeDebt(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	debt, err := s.ledgerSvc.CalculateDebt(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": debt})
}
