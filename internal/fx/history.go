package fx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

// Frequency selects how history is down-sampled.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// ParseFrequency normalizes a frequency token. The empty string means daily.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Daily):
		return Daily, nil
	case string(Weekly):
		return Weekly, nil
	case string(Monthly):
		return Monthly, nil
	case string(Yearly):
		return Yearly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s)
}

// CardQuote carries the tiered card rates a bank publishes alongside the
// reference rate.
type CardQuote struct {
	TTBuy          *float64 `json:"tt_buy,omitempty"`
	TTSell         *float64 `json:"tt_sell,omitempty"`
	BillBuy        *float64 `json:"bill_buy,omitempty"`
	BillSell       *float64 `json:"bill_sell,omitempty"`
	TravelCardBuy  *float64 `json:"travel_card_buy,omitempty"`
	TravelCardSell *float64 `json:"travel_card_sell,omitempty"`
	CNBuy          *float64 `json:"cn_buy,omitempty"`
	CNSell         *float64 `json:"cn_sell,omitempty"`
}

// Quote is one currency's entry in a snapshot. Plain sources marshal to a
// bare number; tiered sources marshal to an object with the rate and the
// card tiers.
type Quote struct {
	Rate float64
	Card *CardQuote
}

func (q Quote) MarshalJSON() ([]byte, error) {
	if q.Card == nil {
		return json.Marshal(q.Rate)
	}
	return json.Marshal(struct {
		Rate float64 `json:"rate"`
		*CardQuote
	}{q.Rate, q.Card})
}

// Snapshot is one day's rates from one source.
type Snapshot struct {
	Date   time.Time
	Base   string
	Source string
	Rates  map[string]Quote
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date   string           `json:"rate_date"`
		Base   string           `json:"base_currency"`
		Source string           `json:"source"`
		Rates  map[string]Quote `json:"rates"`
	}{dates.FormatDay(s.Date), s.Base, s.Source, s.Rates})
}

// Currencies lists the snapshot's currency codes sorted alphabetically.
func (s Snapshot) Currencies() []string {
	out := make([]string, 0, len(s.Rates))
	for c := range s.Rates {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

type bucketKey struct{ a, b int }

func keyFor(f Frequency, day time.Time) bucketKey {
	switch f {
	case Weekly:
		y, w := day.ISOWeek()
		return bucketKey{y, w}
	case Monthly:
		return bucketKey{day.Year(), int(day.Month())}
	case Yearly:
		return bucketKey{day.Year(), 0}
	}
	return bucketKey{day.Year(), day.YearDay()}
}

// buildSnapshots turns one source's rows into snapshots at the requested
// frequency: group by date, keep the latest date per calendar bucket, emit
// ascending. Empty input yields an empty slice.
func buildSnapshots(rows []storage.ForexRate, f Frequency) []Snapshot {
	byDate := make(map[string][]storage.ForexRate)
	for _, r := range rows {
		key := dates.FormatDay(r.Date)
		byDate[key] = append(byDate[key], r)
	}

	retained := make(map[string]time.Time)
	latest := make(map[bucketKey]time.Time)
	for key := range byDate {
		day, err := dates.ParseDay(key)
		if err != nil {
			continue
		}
		if f == Daily {
			retained[key] = day
			continue
		}
		bucket := keyFor(f, day)
		if cur, ok := latest[bucket]; !ok || day.After(cur) {
			latest[bucket] = day
		}
	}
	if f != Daily {
		for _, day := range latest {
			retained[dates.FormatDay(day)] = day
		}
	}

	days := make([]time.Time, 0, len(retained))
	for _, day := range retained {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	out := make([]Snapshot, 0, len(days))
	for _, day := range days {
		out = append(out, snapshotFor(day, byDate[dates.FormatDay(day)]))
	}
	return out
}

func snapshotFor(day time.Time, rows []storage.ForexRate) Snapshot {
	snap := Snapshot{
		Date:  day,
		Base:  storage.BaseCurrency,
		Rates: make(map[string]Quote, len(rows)),
	}
	for _, r := range rows {
		snap.Source = r.Source
		q := Quote{Rate: r.Rate}
		if r.Tiered() {
			q.Card = &CardQuote{
				TTBuy: r.TTBuy, TTSell: r.TTSell,
				BillBuy: r.BillBuy, BillSell: r.BillSell,
				TravelCardBuy: r.TravelCardBuy, TravelCardSell: r.TravelCardSell,
				CNBuy: r.CNBuy, CNSell: r.CNSell,
			}
		}
		snap.Rates[r.Currency] = q
	}
	return snap
}

// splitBySource partitions fetched rows into per-source groups preserving row
// order within each group.
func splitBySource(rows []storage.ForexRate) map[string][]storage.ForexRate {
	out := make(map[string][]storage.ForexRate)
	for _, r := range rows {
		tag := strings.ToUpper(r.Source)
		out[tag] = append(out[tag], r)
	}
	return out
}
