package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

// WriteRefundHistoryExcel renders the report as a spreadsheet for the
// accounting team's offline review.
func WriteRefundHistoryExcel(w io.Writer, data []*RefundHistoryRow) error {
	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	headings := []string{"RefundId", "BillNumber", "Channel", "Kind", "Amount", "Reason", "Status", "DecidedBy", "DecidedAt"}
	col := 'A'
	for _, h := range headings {
		if err := f.SetCellValue(sheetName, string(col)+"1", h); err != nil {
			return err
		}
		col++
	}

	for i, d := range data {
		row := fmt.Sprint(i + 2)
		decidedBy := ""
		if d.DecidedBy != nil {
			decidedBy = *d.DecidedBy
		}
		decidedAt := ""
		if d.DecidedAt != nil {
			decidedAt = d.DecidedAt.Format(time.RFC3339)
		}
		f.SetCellValue(sheetName, "A"+row, d.RefundId)
		f.SetCellValue(sheetName, "B"+row, d.BillNumber)
		f.SetCellValue(sheetName, "C"+row, d.Channel)
		f.SetCellValue(sheetName, "D"+row, d.Kind)
		f.SetCellValue(sheetName, "E"+row, d.Amount.StringFixed(2))
		f.SetCellValue(sheetName, "F"+row, d.Reason)
		f.SetCellValue(sheetName, "G"+row, d.Status)
		f.SetCellValue(sheetName, "H"+row, decidedBy)
		f.SetCellValue(sheetName, "I"+row, decidedAt)
	}

	return f.Write(w)
}
