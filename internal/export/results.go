// Package export renders matched bills of quantities as XLSX workbooks.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/boqpro/pricematch/internal/models"
)

// Sheet names.
const (
	ResultsSheet = "Priced BOQ"
	SummarySheet = "Summary"
)

// moneyNumFmt is the built-in "#,##0.00" format.
const moneyNumFmt = 4

var resultHeaders = []string{
	"Row", "Description", "Quantity", "Unit",
	"Matched Description", "Code", "Matched Unit", "Rate", "Total",
	"Confidence", "Method", "Edited", "Notes",
}

// WriteResultsXLSX writes the job's results, ordered as given, to w. Section header rows
// are rendered bold across the description column.
func WriteResultsXLSX(w io.Writer, job models.MatchingJob, results []models.MatchResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ResultsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	sectionStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("section style: %w", err)
	}

	// Rates and totals are stored exact; the sheet only displays them to cents.
	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: moneyNumFmt})
	if err != nil {
		return fmt.Errorf("money style: %w", err)
	}

	for i, h := range resultHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(ResultsSheet, cell, h); err != nil {
			return err
		}
	}

	last, _ := excelize.CoordinatesToCellName(len(resultHeaders), 1)
	_ = f.SetCellStyle(ResultsSheet, "A1", last, headerStyle)

	for i := range results {
		r := &results[i]
		row := i + 2

		write := func(col int, v any) error {
			cell, _ := excelize.CoordinatesToCellName(col, row)

			return f.SetCellValue(ResultsSheet, cell, v)
		}

		values := []any{
			r.RowNumber, r.OriginalDescription, floatOrBlank(r.OriginalQuantity), stringOrBlank(r.OriginalUnit),
			stringOrBlank(r.MatchedDescription), stringOrBlank(r.MatchedCode), stringOrBlank(r.MatchedUnit),
			floatOrBlank(r.MatchedRate), floatOrBlank(r.TotalPrice),
			r.Confidence, string(r.MatchMethod), r.IsManuallyEdited, stringOrBlank(r.Notes),
		}

		for col, v := range values {
			if err := write(col+1, v); err != nil {
				return fmt.Errorf("write row %d: %w", r.RowNumber, err)
			}
		}

		if r.MatchMethod == models.MethodContext {
			cell, _ := excelize.CoordinatesToCellName(2, row)
			_ = f.SetCellStyle(ResultsSheet, cell, cell, sectionStyle)
		}
	}

	if len(results) > 0 {
		lastTotal, _ := excelize.CoordinatesToCellName(9, len(results)+1)
		_ = f.SetCellStyle(ResultsSheet, "H2", lastTotal, moneyStyle)
	}

	_ = f.SetColWidth(ResultsSheet, "B", "B", 48)
	_ = f.SetColWidth(ResultsSheet, "E", "E", 48)
	_ = f.SetColWidth(ResultsSheet, "M", "M", 40)
	_ = f.SetPanes(ResultsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if err := writeSummary(f, job, results, moneyStyle); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}

	return nil
}

func writeSummary(f *excelize.File, job models.MatchingJob, results []models.MatchResult, moneyStyle int) error {
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return fmt.Errorf("summary sheet: %w", err)
	}

	matched, edited := 0, 0

	for i := range results {
		if results[i].HasMatch() {
			matched++
		}

		if results[i].IsManuallyEdited {
			edited++
		}
	}

	rows := [][]any{
		{"Job", job.ID.String()},
		{"Status", string(job.Status)},
		{"Method", string(job.MatchingMethod)},
		{"Rows", len(results)},
		{"Matched", matched},
		{"Manually edited", edited},
		{"Total value", floatOrBlank(job.TotalValue)},
	}

	for i, kv := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SummarySheet, cell, &kv); err != nil {
			return fmt.Errorf("summary row: %w", err)
		}
	}

	totalCell, _ := excelize.CoordinatesToCellName(2, len(rows))
	_ = f.SetCellStyle(SummarySheet, totalCell, totalCell, moneyStyle)

	_ = f.SetColWidth(SummarySheet, "A", "A", 18)
	_ = f.SetColWidth(SummarySheet, "B", "B", 40)

	return nil
}

func floatOrBlank(v *float64) any {
	if v == nil {
		return ""
	}

	return *v
}

func stringOrBlank(v *string) any {
	if v == nil {
		return ""
	}

	return *v
}
