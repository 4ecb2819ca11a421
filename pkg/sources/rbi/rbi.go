// Package rbi turns RBI reference-rate archive exports into rate rows. The
// archive serves two artifact shapes: CSV conversions and the raw "workbook"
// download, which despite its .xls extension is an HTML table.
package rbi

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

// csvDateFormat is the day layout used inside RBI CSV exports.
const csvDateFormat = "02/01/2006"

// csvHeader is the column layout of an RBI reference-rate CSV export.
var csvHeader = []string{"Date", "USD", "GBP", "EURO", "YEN"}

// columnCurrencies maps the export's rate columns to ISO 4217 codes.
var columnCurrencies = map[string]string{
	"USD":  "USD",
	"GBP":  "GBP",
	"EURO": "EUR",
	"YEN":  "JPY",
}

// ParseCSV reads an RBI reference-rate CSV export. Rows with a blank date are
// skipped; blank or non-numeric rate cells are skipped per currency, matching
// the archive's habit of leaving holidays empty.
func ParseCSV(r io.Reader) ([]storage.ForexRate, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	var rows []storage.ForexRate
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		day, err := time.Parse(csvDateFormat, strings.TrimSpace(record[0]))
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", record[0], err)
		}
		for i, column := range csvHeader[1:] {
			idx := i + 1
			if idx >= len(record) {
				break
			}
			cell := strings.TrimSpace(record[idx])
			if cell == "" {
				continue
			}
			rate, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				continue
			}
			rows = append(rows, storage.ForexRate{
				Date:     dates.Day(day),
				Currency: columnCurrencies[column],
				Rate:     rate,
				Source:   storage.SourceRBI,
			})
		}
	}
	return rows, nil
}

func validateHeader(fields []string) error {
	if len(fields) < len(csvHeader) {
		return fmt.Errorf("unexpected header %v", fields)
	}
	for i, want := range csvHeader {
		if strings.TrimSpace(fields[i]) != want {
			return fmt.Errorf("unexpected header %v", fields)
		}
	}
	return nil
}

// WriteCSV renders rows in the archive's CSV layout, one line per date with
// blank cells for unpublished currencies.
func WriteCSV(w io.Writer, rows []storage.ForexRate) error {
	byDate := make(map[time.Time]map[string]float64)
	for _, r := range rows {
		day := dates.Day(r.Date)
		if byDate[day] == nil {
			byDate[day] = make(map[string]float64)
		}
		byDate[day][strings.ToUpper(r.Currency)] = r.Rate
	}
	days := make([]time.Time, 0, len(byDate))
	for day := range byDate {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, day := range days {
		record := []string{day.Format(csvDateFormat)}
		for _, column := range csvHeader[1:] {
			value, ok := byDate[day][columnCurrencies[column]]
			if !ok {
				record = append(record, "")
				continue
			}
			record = append(record, strconv.FormatFloat(value, 'f', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// CSVFileName is the archive's naming convention for a converted export.
func CSVFileName(start, end time.Time) string {
	return fmt.Sprintf("RBI_Reference_Rates_%s_to_%s.csv",
		start.Format("02-01-2006"), end.Format("02-01-2006"))
}
