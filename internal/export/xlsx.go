package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/docextract/internal/extraction"
)

const fieldsSheet = "Fields"

// ToXLSX writes the current fields to a single sheet workbook. Rows below the
// review threshold get a highlighted fill.
func ToXLSX(r *extraction.Result, fileName string) (Artifact, error) {
	f := excelize.NewFile()
	defer f.Close()

	// NewFile starts with "Sheet1"
	if err := f.SetSheetName("Sheet1", fieldsSheet); err != nil {
		return Artifact{}, fmt.Errorf("renaming sheet: %w", err)
	}

	headers := []string{"key", "value", "confidence"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(fieldsSheet, cell, h); err != nil {
			return Artifact{}, fmt.Errorf("writing header: %w", err)
		}
	}

	lowStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"FFF4CE"}, Pattern: 1},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("creating style: %w", err)
	}

	for i, field := range r.Fields {
		row := i + 2
		write := func(col int, v any) error {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			return f.SetCellValue(fieldsSheet, cell, v)
		}

		if err := write(1, field.Key); err != nil {
			return Artifact{}, fmt.Errorf("writing row %d: %w", row, err)
		}
		if err := write(2, field.Value); err != nil {
			return Artifact{}, fmt.Errorf("writing row %d: %w", row, err)
		}
		if field.Confidence != nil {
			if err := write(3, *field.Confidence); err != nil {
				return Artifact{}, fmt.Errorf("writing row %d: %w", row, err)
			}
		}

		if field.IsLowConfidence() {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(len(headers), row)
			if err := f.SetCellStyle(fieldsSheet, first, last, lowStyle); err != nil {
				return Artifact{}, fmt.Errorf("styling row %d: %w", row, err)
			}
		}
	}

	_ = f.SetColWidth(fieldsSheet, "A", "A", 24)
	_ = f.SetColWidth(fieldsSheet, "B", "B", 48)
	_ = f.SetColWidth(fieldsSheet, "C", "C", 12)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return Artifact{}, fmt.Errorf("xlsx write: %w", err)
	}

	return Artifact{
		Name:        suggestedName(fileName, ".xlsx"),
		ContentType: ContentTypeXLSX,
		Data:        buf.Bytes(),
	}, nil
}
