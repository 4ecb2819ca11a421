package dates

import (
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMonthRanges_SpansMonths(t *testing.T) {
	got, err := MonthRanges(day(2023, time.January, 15), day(2023, time.March, 10))
	if err != nil {
		t.Fatalf("MonthRanges failed: %v", err)
	}
	want := []Range{
		{Start: day(2023, time.January, 15), End: day(2023, time.January, 31)},
		{Start: day(2023, time.February, 1), End: day(2023, time.February, 28)},
		{Start: day(2023, time.March, 1), End: day(2023, time.March, 10)},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Errorf("chunk %d: got %s..%s, want %s..%s", i,
				FormatDay(got[i].Start), FormatDay(got[i].End),
				FormatDay(want[i].Start), FormatDay(want[i].End))
		}
	}
}

func TestMonthRanges_SingleDay(t *testing.T) {
	got, err := MonthRanges(day(2024, time.February, 29), day(2024, time.February, 29))
	if err != nil {
		t.Fatalf("MonthRanges failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one chunk, got %d", len(got))
	}
	if !got[0].Start.Equal(got[0].End) {
		t.Errorf("single-day chunk should start and end on the same day: %v", got[0])
	}
}

func TestMonthRanges_InvertedRange(t *testing.T) {
	if _, err := MonthRanges(day(2023, time.May, 2), day(2023, time.May, 1)); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestSplitRanges_Windows(t *testing.T) {
	got, err := SplitRanges(day(2023, time.January, 1), day(2023, time.January, 10), 4)
	if err != nil {
		t.Fatalf("SplitRanges failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(got))
	}
	if !got[2].End.Equal(day(2023, time.January, 10)) {
		t.Errorf("last window should end on the range end, got %s", FormatDay(got[2].End))
	}
}

func TestSplitRanges_BadWindow(t *testing.T) {
	if _, err := SplitRanges(day(2023, time.January, 1), day(2023, time.January, 2), 0); err == nil {
		t.Fatal("expected error for zero-day window")
	}
}

func TestEndOfMonth_LeapFebruary(t *testing.T) {
	if got := EndOfMonth(day(2024, time.February, 3)); !got.Equal(day(2024, time.February, 29)) {
		t.Errorf("expected 2024-02-29, got %s", FormatDay(got))
	}
	if got := EndOfMonth(day(2023, time.February, 3)); !got.Equal(day(2023, time.February, 28)) {
		t.Errorf("expected 2023-02-28, got %s", FormatDay(got))
	}
}

func TestParseDay_RoundTrip(t *testing.T) {
	got, err := ParseDay("2022-04-12")
	if err != nil {
		t.Fatalf("ParseDay failed: %v", err)
	}
	if FormatDay(got) != "2022-04-12" {
		t.Errorf("round trip mismatch: %s", FormatDay(got))
	}
	if _, err := ParseDay("12/04/2022"); err == nil {
		t.Fatal("expected error for non-canonical format")
	}
}
