package scanlist

import (
	"bytes"
	"encoding/csv"
	"strings"
)

// ExportHeader is the header row of an exported list.
func ExportHeader(columns []string) []string {
	header := make([]string, 0, len(columns)+2)
	header = append(header, "Date", "Time")
	return append(header, columns...)
}

// ExportRecords returns the header followed by one record per row. Overflow
// values follow the aligned ones so nothing captured is lost.
func ExportRecords(list List) [][]string {
	records := make([][]string, 0, len(list.Rows)+1)
	records = append(records, ExportHeader(list.Columns))
	for _, row := range list.Rows {
		aligned, extra := row.Split(list.Columns)
		record := make([]string, 0, len(aligned)+len(extra)+2)
		record = append(record, row.Date, row.Time)
		record = append(record, aligned...)
		record = append(record, extra...)
		records = append(records, record)
	}
	return records
}

func ExportCSV(list List) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(ExportRecords(list)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ExportFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "list"
	}
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, " ", "_") + ".csv"
}
