package rbi

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

// workbookDateLayouts covers the date spellings seen across archive vintages.
var workbookDateLayouts = []string{"02/01/2006", "2-Jan-2006", "02-01-2006"}

// ParseWorkbook reads the archive's workbook download. The file carries an
// .xls extension but is an HTML table; columns follow the CSV layout
// (Date, USD, GBP, EURO, YEN). Rows whose date cell is blank or a repeated
// header are skipped, and a row is kept only when at least one rate parses.
func ParseWorkbook(r io.Reader) ([]storage.ForexRate, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse workbook html: %w", err)
	}

	var rows []storage.ForexRate
	var parseErr error
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		if parseErr != nil {
			return
		}
		var cells []string
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		if len(cells) < 2 || cells[0] == "" || strings.EqualFold(cells[0], "date") {
			return
		}
		day, err := parseWorkbookDate(cells[0])
		if err != nil {
			parseErr = fmt.Errorf("parse date %q: %w", cells[0], err)
			return
		}
		for i, column := range csvHeader[1:] {
			idx := i + 1
			if idx >= len(cells) {
				break
			}
			rate, err := strconv.ParseFloat(cells[idx], 64)
			if err != nil {
				continue
			}
			rows = append(rows, storage.ForexRate{
				Date:     day,
				Currency: columnCurrencies[column],
				Rate:     rate,
				Source:   storage.SourceRBI,
			})
		}
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return rows, nil
}

func parseWorkbookDate(cell string) (time.Time, error) {
	for _, layout := range workbookDateLayouts {
		if day, err := time.Parse(layout, cell); err == nil {
			return dates.Day(day), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", cell)
}
