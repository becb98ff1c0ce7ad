package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Export writes records to w in the requested format
func Export(w io.Writer, format ExportFormat, records []*Record) error {
	switch format {
	case ExportFormatJSON, "":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if records == nil {
			records = []*Record{}
		}
		return encoder.Encode(records)
	case ExportFormatNDJSON:
		return exportNDJSON(w, records)
	case ExportFormatCSV:
		return exportCSV(w, records)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

// ExportStore searches store with filter and writes the result to w
func ExportStore(ctx context.Context, store Store, filter Filter, format ExportFormat, w io.Writer) (int, error) {
	records, err := store.Search(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(records), Export(w, format, records)
}

func exportNDJSON(w io.Writer, records []*Record) error {
	encoder := json.NewEncoder(w)
	for _, r := range records {
		if err := encoder.Encode(r); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}
	return nil
}

func exportCSV(w io.Writer, records []*Record) error {
	writer := csv.NewWriter(w)

	header := []string{
		"ID",
		"Timestamp",
		"EventType",
		"Outcome",
		"ActorID",
		"OrganizationID",
		"TargetType",
		"TargetID",
		"Message",
		"ErrorMessage",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			string(r.EventType),
			string(r.Outcome),
			r.ActorID,
			r.OrganizationID,
			string(r.TargetType),
			r.TargetID,
			r.Message,
			r.ErrorMessage,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
