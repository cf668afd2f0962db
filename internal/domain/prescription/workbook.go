package prescription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

const historySheet = "Historial"

var historyHeaders = []string{
	"Folio", "Fecha", "Corregida", "Médico", "Cédula",
	"#", "Tipo", "Nombre", "Marca", "Dosis", "Duración", "Indicaciones",
	"Próxima cita", "Notas",
}

var historyWidths = []float64{24, 18, 11, 28, 14, 5, 12, 30, 18, 16, 14, 40, 16, 40}

// HistoryWorkbook returns the patient's history as an .xlsx file with one
// row per line item. A prescription without items still gets one row.
func (s *Service) HistoryWorkbook(ctx context.Context, patientCode string) ([]byte, string, error) {
	history, err := s.History(ctx, patientCode)
	if err != nil {
		return nil, "", err
	}
	data, err := BuildHistoryWorkbook(history, s.loc)
	if err != nil {
		return nil, "", err
	}
	return data, "Historial-" + trim(patientCode) + ".xlsx", nil
}

// BuildHistoryWorkbook writes history to a single-sheet workbook.
func BuildHistoryWorkbook(history []*StoredPrescription, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(historySheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#2563EB"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetSheetRow(historySheet, "A1", &historyHeaders); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(historyHeaders), 1)
	if err := f.SetCellStyle(historySheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, w := range historyWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(historySheet, col, col, w); err != nil {
			return nil, fmt.Errorf("set width %s: %w", col, err)
		}
	}

	row := 2
	for _, sp := range history {
		for _, values := range historyRows(sp, loc) {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := f.SetSheetRow(historySheet, cell, &values); err != nil {
				return nil, fmt.Errorf("write row %d: %w", row, err)
			}
			row++
		}
	}
	if err := f.SetPanes(historySheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func historyRows(sp *StoredPrescription, loc *time.Location) [][]interface{} {
	corrected := "No"
	if sp.IsCorrected {
		corrected = "Sí"
	}
	head := []interface{}{
		sp.PrescriptionID,
		sp.IssuedAt.In(loc).Format("02/01/2006 15:04"),
		corrected,
		sp.Doctor.Name,
		sp.Doctor.ProfessionalID,
	}
	tail := []interface{}{sp.NextAppointment, sp.GeneralNotes}

	line := func(n int, kind, name, brand, dosage, duration, instructions string) []interface{} {
		out := make([]interface{}, 0, len(historyHeaders))
		out = append(out, head...)
		out = append(out, n, kind, name, brand, dosage, duration, instructions)
		return append(out, tail...)
	}

	var rows [][]interface{}
	for i, m := range sp.Medications {
		rows = append(rows, line(i+1, "Medicamento", m.Name, "", m.Dosage, m.Duration, m.Instructions))
	}
	for i, s := range sp.Supplements {
		rows = append(rows, line(len(sp.Medications)+i+1, "Suplemento", s.Name, s.Brand, s.Dosage, s.Duration, s.Instructions))
	}
	if len(rows) == 0 {
		rows = append(rows, line(0, "", "", "", "", "", ""))
		rows[0][5] = ""
	}
	for _, r := range rows {
		for i, v := range r {
			if s, ok := v.(string); ok {
				r[i] = strings.TrimSpace(s)
			}
		}
	}
	return rows
}
