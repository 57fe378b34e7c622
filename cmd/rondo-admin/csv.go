package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// parseEmailCSV reads a CSV where the first column holds email addresses.
// A recognized header row and blank rows are skipped; rows that do not look
// like email addresses are reported as errors with their row number.
func parseEmailCSV(r io.Reader) (emails []string, errs []string, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	rowNum := 0
	for {
		row, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, nil, fmt.Errorf("failed to read CSV: %w", readErr)
		}
		rowNum++

		if len(row) == 0 {
			continue
		}
		first := strings.ToLower(strings.TrimSpace(row[0]))
		if rowNum == 1 && (first == "email" || first == "email_address" || first == "account") {
			continue
		}
		if first == "" {
			continue
		}
		if !strings.Contains(first, "@") {
			errs = append(errs, fmt.Sprintf("Row %d: Invalid email '%s'", rowNum, first))
			continue
		}
		emails = append(emails, first)
	}
	return emails, errs, nil
}
