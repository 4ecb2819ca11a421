package rbi

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

const csvFixture = `Date,USD,GBP,EURO,YEN
12/04/2022,76.18,99.02,82.57,60.51
13/04/2022,76.24,,82.84,60.76
`

func TestParseCSV(t *testing.T) {
	rows, err := ParseCSV(strings.NewReader(csvFixture))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	// Second row has a blank GBP cell, so 4 + 3 currencies survive.
	if len(rows) != 7 {
		t.Fatalf("expected 7 rows, got %d", len(rows))
	}

	first := rows[0]
	if got := dates.FormatDay(first.Date); got != "2022-04-12" {
		t.Errorf("first row date = %s, want 2022-04-12", got)
	}
	if first.Currency != "USD" || first.Rate != 76.18 {
		t.Errorf("first row = %s %.2f, want USD 76.18", first.Currency, first.Rate)
	}
	if first.Source != storage.SourceRBI {
		t.Errorf("source = %s, want %s", first.Source, storage.SourceRBI)
	}

	codes := make(map[string]bool)
	for _, r := range rows {
		codes[r.Currency] = true
	}
	for _, want := range []string{"USD", "GBP", "EUR", "JPY"} {
		if !codes[want] {
			t.Errorf("missing currency %s after column mapping", want)
		}
	}
	if codes["EURO"] || codes["YEN"] {
		t.Errorf("column names leaked through as currencies: %v", codes)
	}
}

func TestParseCSV_RejectsUnknownHeader(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("Day,USD,GBP,EURO,YEN\n12/04/2022,76.18,99.02,82.57,60.51\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown header")
	}
}

func TestParseCSV_BadDate(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("Date,USD,GBP,EURO,YEN\n2022-04-12,76.18,99.02,82.57,60.51\n"))
	if err == nil {
		t.Fatal("expected an error for an ISO-formatted date cell")
	}
}

func TestParseCSV_SkipsBlankDateRows(t *testing.T) {
	fixture := "Date,USD,GBP,EURO,YEN\n,,,,\n12/04/2022,76.18,,,\n"
	rows, err := ParseCSV(strings.NewReader(fixture))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
}

const workbookFixture = `<html><body><table>
<tr><th>Date</th><th>USD</th><th>GBP</th><th>EURO</th><th>YEN</th></tr>
<tr><td>12/04/2022</td><td>76.18</td><td>99.02</td><td>82.57</td><td>60.51</td></tr>
<tr><td>Date</td><td>USD</td><td>GBP</td><td>EURO</td><td>YEN</td></tr>
<tr><td>13-Apr-2022</td><td>76.24</td><td>-</td><td>82.84</td><td>60.76</td></tr>
</table></body></html>`

func TestParseWorkbook(t *testing.T) {
	rows, err := ParseWorkbook(strings.NewReader(workbookFixture))
	if err != nil {
		t.Fatalf("ParseWorkbook: %v", err)
	}
	// The repeated header row is skipped and the "-" GBP cell drops one rate.
	if len(rows) != 7 {
		t.Fatalf("expected 7 rows, got %d", len(rows))
	}
	var sawSecondDay bool
	for _, r := range rows {
		if dates.FormatDay(r.Date) == "2022-04-13" {
			sawSecondDay = true
			if r.Currency == "GBP" {
				t.Errorf("GBP should be absent on 2022-04-13, got %.2f", r.Rate)
			}
		}
	}
	if !sawSecondDay {
		t.Error("the 13-Apr-2022 spelling did not parse")
	}
}

func TestParseWorkbook_BadDate(t *testing.T) {
	fixture := `<table><tr><td>someday</td><td>76.18</td></tr></table>`
	if _, err := ParseWorkbook(strings.NewReader(fixture)); err == nil {
		t.Fatal("expected an error for an unrecognised date cell")
	}
}

func TestWriteCSV_RoundTrip(t *testing.T) {
	in := []storage.ForexRate{
		{Date: mustDay(t, "2022-04-12"), Currency: "USD", Rate: 76.18, Source: storage.SourceRBI},
		{Date: mustDay(t, "2022-04-12"), Currency: "EUR", Rate: 82.57, Source: storage.SourceRBI},
		{Date: mustDay(t, "2022-04-13"), Currency: "JPY", Rate: 60.76, Source: storage.SourceRBI},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	out, err := ParseCSV(&buf)
	if err != nil {
		t.Fatalf("ParseCSV after WriteCSV: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("round trip kept %d of %d rows", len(out), len(in))
	}
	if out[0].Currency != "USD" || out[0].Rate != 76.18 {
		t.Errorf("round trip first row = %s %.2f", out[0].Currency, out[0].Rate)
	}
}

func TestCSVFileName(t *testing.T) {
	start := mustDay(t, "2022-04-12")
	end := mustDay(t, "2022-05-31")
	got := CSVFileName(start, end)
	want := "RBI_Reference_Rates_12-04-2022_to_31-05-2022.csv"
	if got != want {
		t.Errorf("CSVFileName = %s, want %s", got, want)
	}
}

func TestSourceFetchRange(t *testing.T) {
	dir := t.TempDir()
	name := CSVFileName(mustDay(t, "2022-04-12"), mustDay(t, "2022-04-13"))
	if err := os.WriteFile(filepath.Join(dir, name), []byte(csvFixture), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := New(dir)
	if src.Tag() != storage.SourceRBI {
		t.Fatalf("Tag = %s", src.Tag())
	}

	rows, err := src.FetchRange(context.Background(), dates.Range{
		Start: mustDay(t, "2022-04-13"),
		End:   mustDay(t, "2022-04-30"),
	})
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected the 3 rows dated 2022-04-13, got %d", len(rows))
	}
	for _, r := range rows {
		if got := dates.FormatDay(r.Date); got != "2022-04-13" {
			t.Errorf("row outside range: %s", got)
		}
	}
}

func TestSourceFetchRange_MissingDir(t *testing.T) {
	src := New(filepath.Join(t.TempDir(), "absent"))
	rows, err := src.FetchRange(context.Background(), dates.Range{
		Start: mustDay(t, "2022-04-12"),
		End:   mustDay(t, "2022-04-13"),
	})
	if err != nil {
		t.Fatalf("FetchRange on a missing dir: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func mustDay(t *testing.T, value string) time.Time {
	t.Helper()
	day, err := dates.ParseDay(value)
	if err != nil {
		t.Fatalf("parse day %s: %v", value, err)
	}
	return day
}
