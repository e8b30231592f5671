// Package export renders ledger lines as an XLSX workbook for finance review.
package export

import (
	"fmt"
	"io"
	"time"

	ledgerdomain "github.com/smallbiznis/allocledger/internal/ledger/domain"
	"github.com/smallbiznis/allocledger/internal/money"
	"github.com/xuri/excelize/v2"
)

const SheetName = "Ledger"

var headers = []string{
	"Line ID",
	"Payment ID",
	"Invoice ID",
	"Kind",
	"Method",
	"Synthetic",
	"From Orphan",
	"Amount",
	"Net Amount",
	"Performed By",
	"Reason",
	"Idempotency Key",
	"Created At",
}

var colWidths = []float64{22, 22, 22, 12, 10, 10, 12, 14, 14, 18, 28, 48, 22}

// Lines writes one row per line followed by a net total row. Amounts are
// rendered with digits fractional places; ids are written as text so
// spreadsheet tools keep every digit.
func Lines(w io.Writer, lines []ledgerdomain.Line, digits int32) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return err
		}
		if err := f.SetCellStyle(SheetName, cell, cell, headerStyle); err != nil {
			return err
		}
	}

	var net int64
	for i, line := range lines {
		row := i + 2
		values := []any{
			line.ID.String(),
			line.PaymentID.String(),
			line.InvoiceID.String(),
			string(line.Kind),
			string(line.Method),
			line.Synthetic,
			line.FromOrphan,
			money.Format(line.AllocatedAmount, digits),
			money.Format(line.Signed(), digits),
			line.PerformedBy,
			line.Reason,
			line.IdempotencyKey,
			line.CreatedAt.UTC().Format(time.RFC3339),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		net += line.Signed()
	}

	summaryRow := len(lines) + 2
	summaryStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("summary style: %w", err)
	}
	f.SetCellValue(SheetName, fmt.Sprintf("A%d", summaryRow), "Total")
	f.SetCellValue(SheetName, fmt.Sprintf("B%d", summaryRow), fmt.Sprintf("%d lines", len(lines)))
	f.SetCellValue(SheetName, fmt.Sprintf("I%d", summaryRow), money.Format(net, digits))
	f.SetCellStyle(SheetName, fmt.Sprintf("A%d", summaryRow), fmt.Sprintf("M%d", summaryRow), summaryStyle)

	for i, width := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(SheetName, col, col, width)
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
