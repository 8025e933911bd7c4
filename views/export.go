package views

import (
	"fmt"
	"io"
	"log"

	"github.com/xuri/excelize/v2"
)

const rosterSheet = "Roster"

var rosterHeader = []interface{}{"Student", "Classroom", "Carpool #", "Status"}

// WriteRosterExcel writes the spotter rows as a single-sheet workbook.
func WriteRosterExcel(w io.Writer, day string, rows []SpotterRow) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("Error closing excel file: %v", err)
		}
	}()

	if err := f.SetSheetName("Sheet1", rosterSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetCellValue(rosterSheet, "A1", "Dismissal roster "+day); err != nil {
		return fmt.Errorf("write title: %w", err)
	}
	if err := f.SetSheetRow(rosterSheet, "A2", &rosterHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+3)
		if err != nil {
			return err
		}
		values := []interface{}{r.DisplayName, r.ClassroomName, r.CarpoolNumber, string(r.Status)}
		if err := f.SetSheetRow(rosterSheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(rosterSheet, "A", "B", 28); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
