package pipeline

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"fakturak/internal"
)

// ExportItemsToXLSX writes a queue report for operators: one row per item
// with its outcome and the invoice reference when one was created.
func ExportItemsToXLSX(items []internal.QueueItem, outputPath string) error {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)

	headers := []string{
		"id", "status", "email_from", "email_subject", "attachment",
		"attempts", "max_attempts", "current_step", "last_error",
		"invoice_id", "document_number",
		"created_at", "updated_at", "processed_at",
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, item := range items {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(sheet, cell, value)
		}

		set(1, item.ID)
		set(2, string(item.Status))
		set(3, item.EmailFrom)
		set(4, item.EmailSubject)
		set(5, item.AttachmentName)
		set(6, item.Attempts)
		set(7, item.MaxAttempts)
		set(8, item.CurrentStep)
		set(9, item.LastError)
		set(10, derefInt64(item.InvoiceID))
		set(11, derefString(item.DocumentNumber))
		set(12, item.CreatedAt)
		set(13, item.UpdatedAt)
		set(14, derefString(item.ProcessedAt))
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefInt64(v *int64) any {
	if v == nil {
		return ""
	}
	return *v
}
