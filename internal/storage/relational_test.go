package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/glebarez/go-sqlite"
)

// The relational engine is exercised against real sqlite files; the dialect
// machinery (placeholders, conflict clauses, introspection, chunking) runs
// identically for postgres and mysql with their strings swapped in.

func openRelational(t *testing.T, opts ...RelationalOption) *RelationalBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fx.db")
	b, err := NewRelational(Target{Kind: KindSQLite, URL: path}, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewRelational failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return b
}

func TestNewRelational_RejectsNonSQLKinds(t *testing.T) {
	if _, err := NewRelational(Target{Kind: KindMongo, URL: "mongodb://h"}, testLogger()); err == nil {
		t.Fatal("expected error for document kind")
	}
}

// This test binary registers only the sqlite driver, so a postgres target must
// fail at construction and name the import that would fix it.
func TestNewRelational_MissingDriverNamesTheImport(t *testing.T) {
	_, err := NewRelational(Target{Kind: KindPostgres, URL: "postgres://u@h:5432/db"}, testLogger())
	if err == nil {
		t.Fatal("expected an error while the pgx driver is not imported")
	}
	if !strings.Contains(err.Error(), KindPostgres.DriverHint()) {
		t.Fatalf("error %q does not name the driver package", err)
	}
}

func TestRelationalEnsureSchema_Idempotent(t *testing.T) {
	ctx := context.Background()
	b := openRelational(t)
	if err := b.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema failed: %v", err)
	}
	if _, err := b.InsertRates(ctx, []ForexRate{{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.11, Source: SourceRBI}}); err != nil {
		t.Fatalf("insert after re-ensure failed: %v", err)
	}
}

func TestRelationalEnsureSchema_PatchesLegacyMetalTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	legacyDDL := `CREATE TABLE lme_copper_rates (
    rate_date DATE NOT NULL,
    price NUMERIC(18, 6),
    usd_price NUMERIC(18, 6),
    eur_price NUMERIC(18, 6),
    created_at TIMESTAMP,
    PRIMARY KEY(rate_date)
)`
	if _, err := db.Exec(legacyDDL); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := db.Exec(
		"INSERT INTO lme_copper_rates (rate_date, price, usd_price, eur_price, created_at) VALUES (?, ?, ?, ?, ?)",
		"2024-03-01", 8500.5, 102.0, 94.0, "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close seed handle: %v", err)
	}

	b, err := NewRelational(Target{Kind: KindSQLite, URL: path}, testLogger())
	if err != nil {
		t.Fatalf("NewRelational failed: %v", err)
	}
	defer b.Close()
	if err := b.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	cols := map[string]bool{}
	rows, err := b.db.Query("SELECT name FROM pragma_table_info('lme_copper_rates')")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("introspect scan: %v", err)
		}
		cols[name] = true
	}
	rows.Close()

	for _, want := range []string{"rate_date", "price", "price_3_month", "stock", "created_at"} {
		if !cols[want] {
			t.Fatalf("column %q missing after patch: %v", want, cols)
		}
	}
	for _, gone := range []string{"usd_price", "eur_price"} {
		if cols[gone] {
			t.Fatalf("legacy column %q survived the patch: %v", gone, cols)
		}
	}

	kept, err := b.FetchMetalRange(ctx, MetalCopper, nil, nil)
	if err != nil {
		t.Fatalf("FetchMetalRange failed: %v", err)
	}
	if len(kept) != 1 || kept[0].Price == nil || *kept[0].Price != 8500.5 {
		t.Fatalf("existing data lost in rebuild: %+v", kept)
	}
	if kept[0].Price3Month != nil {
		t.Fatalf("new column should backfill as absent, got %+v", kept[0])
	}
}

func TestRelationalInsertRates_UpsertCountsAndReplacement(t *testing.T) {
	ctx := context.Background()
	b := openRelational(t)

	res, err := b.InsertRates(ctx, []ForexRate{
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.11, Source: SourceRBI},
		{Date: mustDay(t, "2024-03-01"), Currency: "EUR", Rate: 90.27, Source: SourceRBI},
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.45, Source: SourceSBI, TTBuy: Float(83.05), TTSell: Float(83.85)},
	})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}
	if res.Inserted != 3 || res.Updated != 0 {
		t.Fatalf("first batch = %+v, want 3 inserted", res)
	}

	res, err = b.InsertRates(ctx, []ForexRate{
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.20, Source: SourceRBI},
		{Date: mustDay(t, "2024-03-02"), Currency: "USD", Rate: 83.25, Source: SourceRBI},
	})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 {
		t.Fatalf("overlap batch = %+v, want 1/1", res)
	}

	rows, err := b.FetchRange(ctx, nil, nil, "")
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("want 4 rows, got %d: %+v", len(rows), rows)
	}
	if rows[0].Source != SourceSBI {
		t.Fatalf("tiered family must come first in the union, got %+v", rows[0])
	}
	for _, r := range rows {
		if r.Source == SourceRBI && r.Currency == "USD" && r.Date.Equal(mustDay(t, "2024-03-01")) && r.Rate != 83.20 {
			t.Fatalf("upsert did not replace: %+v", r)
		}
	}
}

func TestRelationalInsertRates_DuplicateKeyInBatchKeepsLast(t *testing.T) {
	ctx := context.Background()
	b := openRelational(t)

	res, err := b.InsertRates(ctx, []ForexRate{
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.10, Source: SourceRBI},
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.95, Source: SourceRBI},
	})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Fatalf("result = %+v, want a single insert", res)
	}
	rows, err := b.FetchRange(ctx, nil, nil, SourceRBI)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Rate != 83.95 {
		t.Fatalf("last write must win, got %+v", rows)
	}
}

func TestRelationalTieredColumns_PersistAndKeepNulls(t *testing.T) {
	ctx := context.Background()
	b := openRelational(t)

	_, err := b.InsertRates(ctx, []ForexRate{{
		Date: mustDay(t, "2024-03-01"), Currency: "GBP", Rate: 105.60, Source: SourceSBI,
		TTBuy: Float(105.10), TTSell: Float(106.10), BillBuy: Float(105.05),
		// travel card and CN tiers absent for this currency
	}})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}

	rows, err := b.FetchRange(ctx, nil, nil, SourceSBI)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.TTBuy == nil || *r.TTBuy != 105.10 || r.BillBuy == nil || *r.BillBuy != 105.05 {
		t.Fatalf("tier values lost: %+v", r)
	}
	if r.TravelCardBuy != nil || r.CNSell != nil || r.BillSell != nil {
		t.Fatalf("absent tiers must stay nil: %+v", r)
	}
}

func TestRelationalPlainInserts_SameObservableSemantics(t *testing.T) {
	ctx := context.Background()
	b := openRelational(t, WithPlainInserts())

	res, err := b.InsertRates(ctx, []ForexRate{{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.11, Source: SourceRBI}})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Fatalf("first write = %+v", res)
	}

	res, err = b.InsertRates(ctx, []ForexRate{{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.77, Source: SourceRBI}})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("rewrite = %+v, want counted as update", res)
	}

	rows, err := b.FetchRange(ctx, nil, nil, SourceRBI)
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Rate != 83.77 {
		t.Fatalf("delete-insert path produced %+v", rows)
	}
}

func TestRelationalCheckpoint_ConditionalUpsert(t *testing.T) {
	ctx := context.Background()
	b := openRelational(t)

	cp, err := b.Checkpoint(ctx, SourceRBI)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if cp != nil {
		t.Fatalf("missing checkpoint must be nil, got %+v", cp)
	}

	steps := []struct{ write, want string }{
		{"2024-03-02", "2024-03-02"},
		{"2024-02-28", "2024-03-02"},
		{"2024-03-09", "2024-03-09"},
	}
	for _, s := range steps {
		if err := b.WriteCheckpoint(ctx, SourceRBI, mustDay(t, s.write)); err != nil {
			t.Fatalf("WriteCheckpoint(%s) failed: %v", s.write, err)
		}
		cp, err := b.Checkpoint(ctx, SourceRBI)
		if err != nil {
			t.Fatalf("Checkpoint failed: %v", err)
		}
		if cp == nil || !cp.LastIngested.Equal(mustDay(t, s.want)) {
			t.Fatalf("after writing %s: checkpoint = %+v, want %s", s.write, cp, s.want)
		}
	}
}

func TestRelationalMetals_CountsAliasesAndBounds(t *testing.T) {
	ctx := context.Background()
	b := openRelational(t)

	res, err := b.InsertMetalRates(ctx, Metal("cu"), []MetalRate{
		{Date: mustDay(t, "2024-03-01"), Price: Float(8500.5), Price3Month: Float(8550.25), Stock: Float(112050)},
		{Date: mustDay(t, "2024-03-02"), Price: Float(8512.75)},
		{Date: mustDay(t, "2024-03-03"), Price: Float(8490.0), Stock: Float(111800)},
	})
	if err != nil {
		t.Fatalf("InsertMetalRates failed: %v", err)
	}
	if res.Inserted != 3 {
		t.Fatalf("result = %+v, want 3 inserted", res)
	}

	res, err = b.InsertMetalRates(ctx, MetalCopper, []MetalRate{
		{Date: mustDay(t, "2024-03-03"), Price: Float(8495.5), Stock: Float(111900)},
	})
	if err != nil {
		t.Fatalf("InsertMetalRates failed: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Fatalf("rewrite = %+v, want 1 updated", res)
	}

	rows, err := b.FetchMetalRange(ctx, MetalCopper, dayPtr(t, "2024-03-02"), dayPtr(t, "2024-03-03"))
	if err != nil {
		t.Fatalf("FetchMetalRange failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want 2 rows in bounds, got %d", len(rows))
	}
	if rows[1].Price == nil || *rows[1].Price != 8495.5 {
		t.Fatalf("metal rewrite did not replace: %+v", rows[1])
	}

	if _, err := b.InsertMetalRates(ctx, Metal("zinc"), nil); !errors.Is(err, ErrUnsupportedMetal) {
		t.Fatalf("unknown metal error = %v, want ErrUnsupportedMetal", err)
	}

	other, err := b.FetchMetalRange(ctx, MetalAluminum, nil, nil)
	if err != nil {
		t.Fatalf("FetchMetalRange(aluminum) failed: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("copper rows leaked into the aluminum table: %+v", other)
	}
}
