package csvdata

import (
	"encoding/csv"
	"fmt"
	"os"
)

// WriteFile writes rows (in columns order) to path as UTF-8 CSV with a
// header row. A missing column in a given row is written as an empty cell.
func WriteFile(path string, columns []string, rows []map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csvdata: create %q: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("csvdata: write header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, col := range columns {
			record[i] = row[col]
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("csvdata: write row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
