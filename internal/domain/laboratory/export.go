package laboratory

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/ehr/clinlab/internal/domain/interpretation"
)

// CSVHeader lists export columns in row field order.
var CSVHeader = []string{
	"order_id", "patient_no", "patient_name", "visit_id", "visit_date",
	"test_name", "test_code", "parameter", "result_value", "unit",
	"reference_range", "status", "verified_by", "verified_at",
}

// WriteCSV writes interpretation rows with a header line.
func WriteCSV(w io.Writer, rows []interpretation.Row) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("interpretation csv: write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.OrderID,
			r.PatientNo,
			r.PatientName,
			r.VisitID,
			formatTime(r.VisitDate, time.DateOnly),
			r.TestName,
			r.TestCode,
			r.Parameter,
			r.ResultValue,
			r.Unit,
			r.ReferenceRange,
			string(r.Status),
			r.VerifiedBy,
			formatTime(r.VerifiedAt, time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("interpretation csv: write record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatTime(t *time.Time, layout string) string {
	if t == nil {
		return ""
	}
	return t.Format(layout)
}
