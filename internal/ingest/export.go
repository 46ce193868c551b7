package ingest

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/foxzi/legismail/internal/models"
)

// WriteCSV writes legislators with canonical headers. The output maps
// back to the same records through ReadTable and Mapper.Map.
func WriteCSV(w io.Writer, legislators []models.Legislator) error {
	cw := csv.NewWriter(w)

	header := make([]string, len(fieldOrder))
	for i, f := range fieldOrder {
		header[i] = string(f)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, l := range legislators {
		record := []string{l.Name, l.Party, l.State, string(l.Role), l.Email, l.Phone, l.Office, l.Address}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
