// Package lme scrapes LME cash-settlement series from Westmetall's market
// data tables. Each series page carries one table per year, and the header
// row is repeated inside table bodies as a visual separator.
package lme

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

// tableDateLayouts covers the date spellings Westmetall has used over time.
var tableDateLayouts = []string{
	"2. January 2006",
	"2 January 2006",
	"2006-01-02",
	"2.1.2006",
	"2/1/2006",
}

// columnLayout holds cell indexes for the series columns, -1 when absent.
type columnLayout struct {
	date       int
	price      int
	threeMonth int
	stock      int
}

// defaultLayout is the positional fallback when a table has no header row.
var defaultLayout = columnLayout{date: 0, price: 1, threeMonth: 2, stock: 3}

// ParseHTML extracts every daily observation from a series page. Repeated
// header rows fail date parsing and are skipped, and rows where all three
// values are absent are dropped.
func ParseHTML(r io.Reader, metal storage.Metal) ([]storage.MetalRate, error) {
	if _, err := storage.ParseMetal(string(metal)); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse series html: %w", err)
	}

	var rows []storage.MetalRate
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		layout := defaultLayout
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			var cells []string
			row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) == 0 {
				return
			}
			if detected, ok := headerLayout(cells); ok {
				layout = detected
				return
			}
			if layout.date >= len(cells) {
				return
			}
			day, err := parseTableDate(cells[layout.date])
			if err != nil {
				return
			}
			rate := storage.MetalRate{
				Date:        day,
				Metal:       metal,
				Price:       numberAt(cells, layout.price),
				Price3Month: numberAt(cells, layout.threeMonth),
				Stock:       numberAt(cells, layout.stock),
			}
			if rate.Price == nil && rate.Price3Month == nil && rate.Stock == nil {
				return
			}
			rows = append(rows, rate)
		})
	})
	return rows, nil
}

// headerLayout recognises a header row by its column labels. The 3-month
// check runs before the cash check because Westmetall labels that column
// "3-month seller".
func headerLayout(cells []string) (columnLayout, bool) {
	layout := columnLayout{date: -1, price: -1, threeMonth: -1, stock: -1}
	for i, cell := range cells {
		label := strings.ToLower(cell)
		switch {
		case strings.Contains(label, "date") || strings.Contains(label, "datum"):
			layout.date = i
		case strings.Contains(label, "3-month") || strings.Contains(label, "3 month") || strings.Contains(label, "three month"):
			layout.threeMonth = i
		case strings.Contains(label, "cash") || strings.Contains(label, "settlement") || strings.Contains(label, "seller"):
			layout.price = i
		case strings.Contains(label, "stock"):
			layout.stock = i
		}
	}
	if layout.date < 0 || layout.price < 0 {
		return columnLayout{}, false
	}
	return layout, true
}

func parseTableDate(cell string) (time.Time, error) {
	for _, layout := range tableDateLayouts {
		if day, err := time.Parse(layout, cell); err == nil {
			return dates.Day(day), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", cell)
}

func numberAt(cells []string, idx int) *float64 {
	if idx < 0 || idx >= len(cells) {
		return nil
	}
	return parseNumber(cells[idx])
}

var numberCleanRe = regexp.MustCompile(`[^0-9.,\-]`)

// parseNumber reads Westmetall's number spellings ("8,559.50", "167,025").
// Dashes and empty cells mean no observation that day.
func parseNumber(cell string) *float64 {
	cleaned := numberCleanRe.ReplaceAllString(cell, "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	if cleaned == "" || cleaned == "-" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}
