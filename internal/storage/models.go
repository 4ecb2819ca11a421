package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BaseCurrency is the quote currency for every stored rate.
const BaseCurrency = "INR"

// Source tags for the two upstream rate publishers.
const (
	SourceRBI = "RBI"
	SourceSBI = "SBI"
)

// RBIMinAvailableDate is the first day RBI publishes reference rates for.
var RBIMinAvailableDate = time.Date(2022, time.April, 12, 0, 0, 0, 0, time.UTC)

// ErrUnsupportedMetal is returned for metal names outside the LME series we track.
var ErrUnsupportedMetal = errors.New("unsupported LME metal")

// Metal identifies an LME commodity series.
type Metal string

const (
	MetalCopper   Metal = "COPPER"
	MetalAluminum Metal = "ALUMINUM"
)

// Metals lists the supported LME series.
func Metals() []Metal {
	return []Metal{MetalCopper, MetalAluminum}
}

// ParseMetal normalizes a user-facing metal name. CU and COPPER map to the
// copper series; AL, ALUMINUM and the British ALUMINIUM map to aluminum.
func ParseMetal(name string) (Metal, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "CU", "COPPER":
		return MetalCopper, nil
	case "AL", "ALUMINUM", "ALUMINIUM":
		return MetalAluminum, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMetal, name)
}

// MetalCheckpointSource is the checkpoint tag under which a metal series
// records its ingestion progress.
func MetalCheckpointSource(m Metal) string {
	return "LME_" + string(m)
}

// ForexRate is one day's quote for a currency against INR. The tiered fields
// carry SBI card rates and stay nil for plain reference sources.
type ForexRate struct {
	Date     time.Time `json:"rate_date"`
	Currency string    `json:"currency_code"`
	Rate     float64   `json:"rate"`
	Source   string    `json:"source"`

	TTBuy          *float64 `json:"tt_buy,omitempty"`
	TTSell         *float64 `json:"tt_sell,omitempty"`
	BillBuy        *float64 `json:"bill_buy,omitempty"`
	BillSell       *float64 `json:"bill_sell,omitempty"`
	TravelCardBuy  *float64 `json:"travel_card_buy,omitempty"`
	TravelCardSell *float64 `json:"travel_card_sell,omitempty"`
	CNBuy          *float64 `json:"cn_buy,omitempty"`
	CNSell         *float64 `json:"cn_sell,omitempty"`
}

// Tiered reports whether the row belongs to the card-rate family and therefore
// lives in the tiered table/collection.
func (r ForexRate) Tiered() bool {
	return strings.EqualFold(r.Source, SourceSBI)
}

// MetalRate is one day's LME observation: cash price, 3-month forward and
// warehouse stock. Any of the three may be absent.
type MetalRate struct {
	Date        time.Time `json:"rate_date"`
	Metal       Metal     `json:"metal,omitempty"`
	Price       *float64  `json:"price"`
	Price3Month *float64  `json:"price_3_month"`
	Stock       *float64  `json:"stock"`
}

// Checkpoint marks the last day a source's data is known to be fully ingested.
type Checkpoint struct {
	Source       string    `json:"source"`
	LastIngested time.Time `json:"last_ingested_date"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Result reports how a batched upsert landed.
type Result struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Total is the number of rows the batch touched.
func (r Result) Total() int {
	return r.Inserted + r.Updated
}

// Add folds another batch result into r.
func (r *Result) Add(other Result) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
}

// Float is a convenience for building optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
