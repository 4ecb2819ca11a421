// Package sbi parses SBI forex card-rate sheets. The bank publishes one PDF
// per day; each currency row carries up to eight numeric columns (TT, bill,
// travel-card and currency-note buy/sell tiers, in that order).
package sbi

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	pdf "github.com/ledongthuc/pdf"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

// currencyAliases maps the sheet's currency spellings to ISO 4217 codes.
var currencyAliases = []struct {
	alias string
	code  string
}{
	{"UAE DIRHAM", "AED"},
	{"AUS DOLLAR", "AUD"},
	{"CAD DOLLAR", "CAD"},
	{"DANISH KRONE", "DKK"},
	{"EURO", "EUR"},
	{"HK DOLLAR", "HKD"},
	{"JAP YEN", "JPY"},
	{"NOR KRONE", "NOK"},
	{"NZ DOLLAR", "NZD"},
	{"SWISS FRANC", "CHF"},
	{"SG DOLLAR", "SGD"},
	{"STERLING", "GBP"},
	{"SA RAND", "ZAR"},
	{"SAUDI RIYAL", "SAR"},
	{"SWED KRONA", "SEK"},
	{"USD", "USD"},
}

// numberRun matches the numeric columns trailing a currency name.
const numberRun = `((?:\s+[0-9]+(?:\.[0-9]+)?){1,8})`

var (
	cleanRe   = regexp.MustCompile(`[,\t]+`)
	bareISORe = regexp.MustCompile(`\b([A-Z]{3})\b` + numberRun)

	isoDateRe = regexp.MustCompile(`(\d{4})[-/](\d{2})[-/](\d{2})`)
	dmyDateRe = regexp.MustCompile(`(\d{2})[-/](\d{2})[-/](\d{4})`)

	aliasPatterns = compileAliasPatterns()

	isoCodes = func() map[string]bool {
		set := make(map[string]bool, len(currencyAliases))
		for _, a := range currencyAliases {
			set[a.code] = true
		}
		return set
	}()
)

type aliasPattern struct {
	code string
	re   *regexp.Regexp
}

func compileAliasPatterns() []aliasPattern {
	out := make([]aliasPattern, 0, len(currencyAliases))
	for _, a := range currencyAliases {
		out = append(out, aliasPattern{
			code: a.code,
			re:   regexp.MustCompile(regexp.QuoteMeta(a.alias) + numberRun),
		})
	}
	return out
}

// ParseResult is one parsed sheet: its effective date and the rows on it.
type ParseResult struct {
	Date  time.Time
	Rates []storage.ForexRate
}

// ParsePDF opens a card-rate sheet at the given path, extracts text, infers
// the sheet date, and delegates to ParseText.
func ParsePDF(path string) (ParseResult, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	rc, err := r.GetPlainText()
	if err != nil {
		return ParseResult{}, fmt.Errorf("extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return ParseResult{}, fmt.Errorf("read pdf text: %w", err)
	}

	day := InferDate(buf.String(), path)
	return ParseResult{Date: day, Rates: ParseText(buf.String(), day)}, nil
}

// ParseText extracts card rates from a sheet's plain text. Currency rows are
// located by full alias first, then by bare ISO code (which wins when both
// match); the first numeric column, TT buy, doubles as the headline rate.
func ParseText(text string, day time.Time) []storage.ForexRate {
	cleaned := cleanRe.ReplaceAllString(strings.ToUpper(text), " ")

	byCode := make(map[string][]float64)
	for _, p := range aliasPatterns {
		for _, m := range p.re.FindAllStringSubmatch(cleaned, -1) {
			if nums := parseNumberRun(m[1]); len(nums) > 0 {
				byCode[p.code] = nums
			}
		}
	}
	for _, m := range bareISORe.FindAllStringSubmatch(cleaned, -1) {
		code := m[1]
		if !isoCodes[code] {
			continue
		}
		if nums := parseNumberRun(m[2]); len(nums) > 0 {
			byCode[code] = nums
		}
	}

	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	rows := make([]storage.ForexRate, 0, len(codes))
	for _, code := range codes {
		rows = append(rows, rateFromColumns(dates.Day(day), code, byCode[code]))
	}
	return rows
}

func parseNumberRun(run string) []float64 {
	fields := strings.Fields(run)
	nums := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			break
		}
		nums = append(nums, v)
	}
	return nums
}

// rateFromColumns assigns the sheet's columns in tier order. Sheets trimmed
// to fewer columns leave the remaining tiers unset.
func rateFromColumns(day time.Time, code string, columns []float64) storage.ForexRate {
	row := storage.ForexRate{
		Date:     day,
		Currency: code,
		Rate:     columns[0],
		Source:   storage.SourceSBI,
	}
	tiers := []**float64{
		&row.TTBuy, &row.TTSell,
		&row.BillBuy, &row.BillSell,
		&row.TravelCardBuy, &row.TravelCardSell,
		&row.CNBuy, &row.CNSell,
	}
	for i, value := range columns {
		if i >= len(tiers) {
			break
		}
		v := value
		*tiers[i] = &v
	}
	return row
}

// InferDate finds the sheet's effective date: a date printed in the text
// (YYYY-MM-DD or DD/MM/YYYY), else the file's date stem, else today.
func InferDate(text, path string) time.Time {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		if day, err := time.Parse(dates.DayFormat, m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			return dates.Day(day)
		}
	}
	if m := dmyDateRe.FindStringSubmatch(text); m != nil {
		if day, err := time.Parse(dates.DayFormat, m[3]+"-"+m[2]+"-"+m[1]); err == nil {
			return dates.Day(day)
		}
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if day, err := dates.ParseDay(stem); err == nil {
		return day
	}
	return dates.Today()
}
