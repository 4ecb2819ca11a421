package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func openEmbedded(t *testing.T, path string) *EmbeddedBackend {
	t.Helper()
	b, err := NewEmbedded(Target{Kind: KindSQLite, URL: path}, testLogger())
	if err != nil {
		t.Fatalf("NewEmbedded failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	if err := b.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return b
}

func TestEmbeddedBackend_RateRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := openEmbedded(t, filepath.Join(t.TempDir(), "fx.db"))

	res, err := b.InsertRates(ctx, []ForexRate{
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.11, Source: SourceRBI},
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.45, Source: SourceSBI, TTBuy: Float(83.05), CNSell: Float(84.15)},
	})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Fatalf("first batch = %+v, want 2 inserted", res)
	}

	res, err = b.InsertRates(ctx, []ForexRate{
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.19, Source: SourceRBI},
	})
	if err != nil {
		t.Fatalf("InsertRates failed: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Fatalf("rewrite = %+v, want 1 updated", res)
	}

	rows, err := b.FetchRange(ctx, nil, nil, "")
	if err != nil {
		t.Fatalf("FetchRange failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("want 2 rows, got %d", len(rows))
	}
	if rows[0].Source != SourceSBI || rows[0].TTBuy == nil || *rows[0].TTBuy != 83.05 {
		t.Fatalf("tiered row wrong or out of order: %+v", rows[0])
	}
	if rows[0].TravelCardBuy != nil {
		t.Fatalf("absent tier must stay nil: %+v", rows[0])
	}
	if rows[1].Rate != 83.19 {
		t.Fatalf("rewrite did not replace: %+v", rows[1])
	}
}

func TestEmbeddedBackend_MetalsAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	b := openEmbedded(t, filepath.Join(t.TempDir(), "fx.db"))

	res, err := b.InsertMetalRates(ctx, Metal("aluminium"), []MetalRate{
		{Date: mustDay(t, "2024-03-01"), Price: Float(2200.5), Stock: Float(550000)},
		{Date: mustDay(t, "2024-03-04"), Price: Float(2215.25), Price3Month: Float(2230.0)},
	})
	if err != nil {
		t.Fatalf("InsertMetalRates failed: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("result = %+v, want 2 inserted", res)
	}

	rows, err := b.FetchMetalRange(ctx, MetalAluminum, dayPtr(t, "2024-03-02"), nil)
	if err != nil {
		t.Fatalf("FetchMetalRange failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Price3Month == nil || *rows[0].Price3Month != 2230.0 {
		t.Fatalf("bounded fetch = %+v", rows)
	}

	src := MetalCheckpointSource(MetalAluminum)
	if err := b.WriteCheckpoint(ctx, src, mustDay(t, "2024-03-04")); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}
	if err := b.WriteCheckpoint(ctx, src, mustDay(t, "2024-03-01")); err != nil {
		t.Fatalf("stale WriteCheckpoint failed: %v", err)
	}
	cp, err := b.Checkpoint(ctx, src)
	if err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if cp == nil || !cp.LastIngested.Equal(mustDay(t, "2024-03-04")) {
		t.Fatalf("checkpoint regressed: %+v", cp)
	}
}

func TestEmbeddedEnsureSchema_DropsLegacyColumns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE lme_aluminum_rates (
    rate_date DATE NOT NULL,
    price NUMERIC(18, 6),
    usd_price NUMERIC(18, 6),
    usd_change NUMERIC(18, 6),
    created_at TIMESTAMP,
    PRIMARY KEY(rate_date)
)`); err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	if _, err := db.Exec(
		"INSERT INTO lme_aluminum_rates (rate_date, price, usd_price, usd_change, created_at) VALUES (?, ?, ?, ?, ?)",
		"2024-03-01", 2200.5, 26.5, 0.4, "2024-03-01T00:00:00Z"); err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close seed handle: %v", err)
	}

	b := openEmbedded(t, path)

	cols, err := b.columnNames(ctx, "lme_aluminum_rates")
	if err != nil {
		t.Fatalf("columnNames failed: %v", err)
	}
	for _, want := range []string{"price", "price_3_month", "stock"} {
		if !cols[want] {
			t.Fatalf("column %q missing after migrate: %v", want, cols)
		}
	}
	if cols["usd_price"] || cols["usd_change"] {
		t.Fatalf("legacy columns survived: %v", cols)
	}

	rows, err := b.FetchMetalRange(ctx, MetalAluminum, nil, nil)
	if err != nil {
		t.Fatalf("FetchMetalRange failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Price == nil || *rows[0].Price != 2200.5 {
		t.Fatalf("existing data lost: %+v", rows)
	}
}

// The embedded and relational engines share one table layout; a file written
// by either must read back through the other.
func TestEmbeddedAndRelational_ShareOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	embedded := openEmbedded(t, path)
	if _, err := embedded.InsertRates(ctx, []ForexRate{
		{Date: mustDay(t, "2024-03-01"), Currency: "USD", Rate: 83.11, Source: SourceRBI},
	}); err != nil {
		t.Fatalf("embedded InsertRates failed: %v", err)
	}
	if err := embedded.WriteCheckpoint(ctx, SourceRBI, mustDay(t, "2024-03-01")); err != nil {
		t.Fatalf("embedded WriteCheckpoint failed: %v", err)
	}
	if err := embedded.Close(); err != nil {
		t.Fatalf("embedded Close failed: %v", err)
	}

	rel, err := NewRelational(Target{Kind: KindSQLite, URL: path}, testLogger())
	if err != nil {
		t.Fatalf("NewRelational failed: %v", err)
	}
	defer rel.Close()
	if err := rel.EnsureSchema(ctx); err != nil {
		t.Fatalf("relational EnsureSchema on shared file failed: %v", err)
	}

	rows, err := rel.FetchRange(ctx, nil, nil, SourceRBI)
	if err != nil {
		t.Fatalf("relational FetchRange failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Rate != 83.11 || rows[0].Currency != "USD" {
		t.Fatalf("relational engine cannot read embedded rows: %+v", rows)
	}
	cp, err := rel.Checkpoint(ctx, SourceRBI)
	if err != nil {
		t.Fatalf("relational Checkpoint failed: %v", err)
	}
	if cp == nil || !cp.LastIngested.Equal(mustDay(t, "2024-03-01")) {
		t.Fatalf("relational engine cannot read embedded checkpoint: %+v", cp)
	}

	if _, err := rel.InsertRates(ctx, []ForexRate{
		{Date: mustDay(t, "2024-03-02"), Currency: "EUR", Rate: 90.41, Source: SourceRBI},
	}); err != nil {
		t.Fatalf("relational InsertRates failed: %v", err)
	}

	back, err := NewEmbedded(Target{Kind: KindSQLite, URL: path}, testLogger())
	if err != nil {
		t.Fatalf("re-open embedded failed: %v", err)
	}
	defer back.Close()
	all, err := back.FetchRange(ctx, nil, nil, SourceRBI)
	if err != nil {
		t.Fatalf("embedded FetchRange failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("embedded engine cannot read relational rows: %+v", all)
	}
}
