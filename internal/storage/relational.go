package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/metrics"
)

// Table names shared by every relational engine.
const (
	tableRBI  = "forex_rates_rbi"
	tableSBI  = "forex_rates_sbi"
	tableMeta = "ingestion_metadata"
)

func metalTable(m Metal) string {
	if m == MetalAluminum {
		return "lme_aluminum_rates"
	}
	return "lme_copper_rates"
}

// The logical schema, portable across postgres, mysql and sqlite. EnsureSchema
// replays these on every start; IF NOT EXISTS keeps that idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS forex_rates_rbi (
    rate_date DATE NOT NULL,
    currency_code VARCHAR(3) NOT NULL,
    rate NUMERIC(18, 6) NOT NULL,
    base_currency VARCHAR(3) NOT NULL DEFAULT 'INR',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(rate_date, currency_code)
)`,
	`CREATE TABLE IF NOT EXISTS forex_rates_sbi (
    rate_date DATE NOT NULL,
    currency_code VARCHAR(3) NOT NULL,
    rate NUMERIC(18, 6) NOT NULL,
    base_currency VARCHAR(3) NOT NULL DEFAULT 'INR',
    tt_buy NUMERIC(18, 6) NULL,
    tt_sell NUMERIC(18, 6) NULL,
    bill_buy NUMERIC(18, 6) NULL,
    bill_sell NUMERIC(18, 6) NULL,
    travel_card_buy NUMERIC(18, 6) NULL,
    travel_card_sell NUMERIC(18, 6) NULL,
    cn_buy NUMERIC(18, 6) NULL,
    cn_sell NUMERIC(18, 6) NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(rate_date, currency_code)
)`,
	`CREATE TABLE IF NOT EXISTS lme_copper_rates (
    rate_date DATE NOT NULL,
    price NUMERIC(18, 6) NULL,
    price_3_month NUMERIC(18, 6) NULL,
    stock NUMERIC(18, 6) NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(rate_date)
)`,
	`CREATE TABLE IF NOT EXISTS lme_aluminum_rates (
    rate_date DATE NOT NULL,
    price NUMERIC(18, 6) NULL,
    price_3_month NUMERIC(18, 6) NULL,
    stock NUMERIC(18, 6) NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(rate_date)
)`,
	`CREATE TABLE IF NOT EXISTS ingestion_metadata (
    source VARCHAR(32) PRIMARY KEY,
    last_ingested_date DATE NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
}

var (
	rateKeyColumns = []string{"rate_date", "currency_code"}

	rbiColumns = []string{"rate_date", "currency_code", "rate", "base_currency", "created_at"}
	rbiUpdates = []string{"rate", "base_currency", "created_at"}

	sbiColumns = []string{
		"rate_date", "currency_code", "rate", "base_currency",
		"tt_buy", "tt_sell", "bill_buy", "bill_sell",
		"travel_card_buy", "travel_card_sell", "cn_buy", "cn_sell",
		"created_at",
	}
	sbiUpdates = []string{
		"rate", "base_currency",
		"tt_buy", "tt_sell", "bill_buy", "bill_sell",
		"travel_card_buy", "travel_card_sell", "cn_buy", "cn_sell",
		"created_at",
	}

	metalKeyColumns = []string{"rate_date"}
	metalColumns    = []string{"rate_date", "price", "price_3_month", "stock", "created_at"}
	metalUpdates    = []string{"price", "price_3_month", "stock", "created_at"}
)

// Columns the current commodity format requires, and columns a retired format
// left behind. The patch routine reconciles both.
var metalColumnTypes = []struct{ name, ddl string }{
	{"price", "NUMERIC(18, 6)"},
	{"price_3_month", "NUMERIC(18, 6)"},
	{"stock", "NUMERIC(18, 6)"},
	{"created_at", "TIMESTAMP"},
}

var legacyMetalColumns = []string{"usd_price", "eur_price", "usd_change", "eur_change"}

// insertMode is one rung of the upsert ladder.
type insertMode int

const (
	modeBulkUpsert insertMode = iota
	modeRowUpsert
	modeDeleteInsert
)

func (m insertMode) String() string {
	switch m {
	case modeBulkUpsert:
		return "bulk-upsert"
	case modeRowUpsert:
		return "row-upsert"
	default:
		return "delete-insert"
	}
}

// RelationalOption tweaks a relational backend at construction.
type RelationalOption func(*RelationalBackend)

// WithPlainInserts skips native conflict clauses and always takes the
// delete-then-insert path. Matches deployments on engines predating upsert
// support.
func WithPlainInserts() RelationalOption {
	return func(b *RelationalBackend) { b.plain = true }
}

// RelationalBackend speaks plain database/sql against postgres, mysql or
// sqlite, with the dialect differences isolated in a dialect strategy.
type RelationalBackend struct {
	db     *sql.DB
	d      dialect
	log    *slog.Logger
	plain  bool
	ownsDB bool
}

// NewRelational opens a connection for target. The driver serving the
// target's kind must already be linked into the binary; when it is not, the
// constructor fails with the import hint instead of failing at first use.
func NewRelational(target Target, logger *slog.Logger, opts ...RelationalOption) (*RelationalBackend, error) {
	d, err := dialectFor(target.Kind)
	if err != nil {
		return nil, err
	}
	driverName := target.Kind.DriverName()
	if !slices.Contains(sql.Drivers(), driverName) {
		return nil, fmt.Errorf("database driver %q is not registered: import %s", driverName, target.Kind.DriverHint())
	}
	db, err := sql.Open(driverName, target.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", target.Kind, err)
	}
	b := newRelational(db, d, logger, opts...)
	b.ownsDB = true
	return b, nil
}

// NewRelationalDB wraps an externally managed handle. The caller keeps
// ownership; Close leaves the handle open.
func NewRelationalDB(db *sql.DB, kind Kind, logger *slog.Logger, opts ...RelationalOption) (*RelationalBackend, error) {
	d, err := dialectFor(kind)
	if err != nil {
		return nil, err
	}
	return newRelational(db, d, logger, opts...), nil
}

func newRelational(db *sql.DB, d dialect, logger *slog.Logger, opts ...RelationalOption) *RelationalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &RelationalBackend{
		db:  db,
		d:   d,
		log: logger.With("component", "storage", "backend", string(d.kind())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RelationalBackend) Kind() Kind { return b.d.kind() }

func (b *RelationalBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *RelationalBackend) Close() error {
	if !b.ownsDB {
		return nil
	}
	return b.db.Close()
}

// EnsureSchema creates the five tables and reconciles the commodity tables
// with the current column set.
func (b *RelationalBackend) EnsureSchema(ctx context.Context) error {
	b.log.Info("ensuring schema")
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure schema: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ensure schema: probe: %w", err)
	}
	for _, ddl := range schemaStatements {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if err := b.patchMetalTables(ctx, tx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ensure schema: commit: %w", err)
	}
	return nil
}

// patchMetalTables adds columns the current format introduced and removes
// columns a retired format left behind, preserving existing rows.
func (b *RelationalBackend) patchMetalTables(ctx context.Context, tx *sql.Tx) error {
	for _, metal := range Metals() {
		table := metalTable(metal)
		existing, err := b.tableColumns(ctx, tx, table)
		if err != nil {
			return err
		}
		for _, col := range metalColumnTypes {
			if existing[col.name] {
				continue
			}
			b.log.Info("adding missing column", "table", table, "column", col.name)
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.ddl)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
			}
		}

		var extra []string
		for _, name := range legacyMetalColumns {
			if existing[name] {
				extra = append(extra, name)
			}
		}
		if len(extra) == 0 {
			continue
		}
		b.log.Info("dropping legacy columns", "table", table, "columns", strings.Join(extra, ","))
		if b.d.supportsDropColumn() {
			for _, name := range extra {
				stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, name)
				if b.d.kind() == KindPostgres {
					stmt = fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", table, name)
				}
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("drop column %s.%s: %w", table, name, err)
				}
			}
			continue
		}
		if err := b.rebuildMetalTable(ctx, tx, table, existing); err != nil {
			return err
		}
	}
	return nil
}

// rebuildMetalTable copies a commodity table into a fresh one carrying only
// the canonical columns, then swaps it in. Used where DROP COLUMN is
// unavailable.
func (b *RelationalBackend) rebuildMetalTable(ctx context.Context, tx *sql.Tx, table string, existing map[string]bool) error {
	temp := table + "_tmp"
	create := fmt.Sprintf(`CREATE TABLE %s (
    rate_date DATE NOT NULL,
    price NUMERIC(18, 6) NULL,
    price_3_month NUMERIC(18, 6) NULL,
    stock NUMERIC(18, 6) NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(rate_date)
)`, temp)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("rebuild %s: create temp: %w", table, err)
	}
	shared := []string{"rate_date"}
	for _, col := range metalColumnTypes {
		if existing[col.name] {
			shared = append(shared, col.name)
		}
	}
	csv := strings.Join(shared, ", ")
	copySQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", temp, csv, csv, table)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("rebuild %s: copy rows: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+table); err != nil {
		return fmt.Errorf("rebuild %s: drop old: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", temp, table)); err != nil {
		return fmt.Errorf("rebuild %s: rename: %w", table, err)
	}
	return nil
}

func (b *RelationalBackend) tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	query, args := b.d.columnsQuery(table)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("introspect %s: %w", table, err)
		}
		out[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", table, err)
	}
	return out, nil
}

// rateGroup is one table's slice of a mixed-source batch.
type rateGroup struct {
	table   string
	family  string
	columns []string
	updates []string
	rows    []ForexRate
}

// splitRateRows normalizes a batch, drops within-batch duplicates keeping the
// last write, and routes rows to their family table.
func splitRateRows(rows []ForexRate) []rateGroup {
	var plain, tiered []ForexRate
	plainIdx := make(map[string]int)
	tieredIdx := make(map[string]int)
	for _, row := range rows {
		row.Date = dates.Day(row.Date)
		row.Currency = strings.ToUpper(strings.TrimSpace(row.Currency))
		row.Source = strings.ToUpper(strings.TrimSpace(row.Source))
		key := rateKey(row.Date, row.Currency)
		if row.Tiered() {
			if i, ok := tieredIdx[key]; ok {
				tiered[i] = row
			} else {
				tieredIdx[key] = len(tiered)
				tiered = append(tiered, row)
			}
		} else {
			if i, ok := plainIdx[key]; ok {
				plain[i] = row
			} else {
				plainIdx[key] = len(plain)
				plain = append(plain, row)
			}
		}
	}
	var groups []rateGroup
	if len(tiered) > 0 {
		groups = append(groups, rateGroup{table: tableSBI, family: "sbi", columns: sbiColumns, updates: sbiUpdates, rows: tiered})
	}
	if len(plain) > 0 {
		groups = append(groups, rateGroup{table: tableRBI, family: "rbi", columns: rbiColumns, updates: rbiUpdates, rows: plain})
	}
	return groups
}

func rateKey(day time.Time, currency string) string {
	return dates.FormatDay(day) + "|" + currency
}

// ladder lists the insert modes to try, fastest first.
func (b *RelationalBackend) ladder() []insertMode {
	if b.plain {
		return []insertMode{modeDeleteInsert}
	}
	return []insertMode{modeBulkUpsert, modeRowUpsert, modeDeleteInsert}
}

// InsertRates upserts a batch keyed (date, currency, source family). The whole
// batch commits or rolls back as one transaction per attempt; a failed rung
// rolls back before the next one runs.
func (b *RelationalBackend) InsertRates(ctx context.Context, rows []ForexRate) (res Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(b.d.kind()), "insert_rates", started, err) }()

	if len(rows) == 0 {
		return Result{}, nil
	}
	groups := splitRateRows(rows)
	var perGroup []Result
	var lastErr error
	for _, mode := range b.ladder() {
		perGroup, lastErr = b.insertRateGroups(ctx, groups, mode)
		if lastErr == nil {
			res = Result{}
			for i, g := range groups {
				metrics.AddRows(string(b.d.kind()), g.family, perGroup[i].Inserted, perGroup[i].Updated)
				res.Add(perGroup[i])
			}
			return res, nil
		}
		b.log.Warn("rate upsert attempt failed", "mode", mode.String(), "error", lastErr)
	}
	return Result{}, fmt.Errorf("insert rates: %w", lastErr)
}

func (b *RelationalBackend) insertRateGroups(ctx context.Context, groups []rateGroup, mode insertMode) ([]Result, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	perGroup := make([]Result, len(groups))
	for i, g := range groups {
		existing, err := b.existingRateKeys(ctx, tx, g)
		if err != nil {
			return nil, err
		}
		for _, row := range g.rows {
			if existing[rateKey(row.Date, row.Currency)] {
				perGroup[i].Updated++
			} else {
				perGroup[i].Inserted++
			}
		}
		if err := b.writeRateGroup(ctx, tx, g, mode, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return perGroup, nil
}

func (b *RelationalBackend) existingRateKeys(ctx context.Context, tx *sql.Tx, g rateGroup) (map[string]bool, error) {
	out := make(map[string]bool)
	chunk := b.d.maxParams() / 2
	if chunk < 1 {
		chunk = 1
	}
	for base := 0; base < len(g.rows); base += chunk {
		end := min(base+chunk, len(g.rows))
		var clauses []string
		var args []any
		n := 0
		for _, row := range g.rows[base:end] {
			clauses = append(clauses, fmt.Sprintf("(rate_date = %s AND currency_code = %s)",
				b.d.placeholder(n+1), b.d.placeholder(n+2)))
			args = append(args, b.dayArg(row.Date), row.Currency)
			n += 2
		}
		query := fmt.Sprintf("SELECT rate_date, currency_code FROM %s WHERE %s",
			g.table, strings.Join(clauses, " OR "))
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("scan existing keys: %w", err)
		}
		for rows.Next() {
			var day time.Time
			var currency string
			if err := rows.Scan(dayField{&day}, &currency); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan existing keys: %w", err)
			}
			out[rateKey(day, currency)] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan existing keys: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

func (b *RelationalBackend) writeRateGroup(ctx context.Context, tx *sql.Tx, g rateGroup, mode insertMode, now time.Time) error {
	switch mode {
	case modeBulkUpsert:
		return b.bulkUpsertRates(ctx, tx, g, now)
	case modeRowUpsert:
		return b.rowUpsertRates(ctx, tx, g, now)
	default:
		return b.deleteInsertRates(ctx, tx, g, now)
	}
}

func (b *RelationalBackend) rateArgs(g rateGroup, row ForexRate, now time.Time) []any {
	args := []any{b.dayArg(row.Date), row.Currency, row.Rate, BaseCurrency}
	if g.table == tableSBI {
		args = append(args,
			row.TTBuy, row.TTSell, row.BillBuy, row.BillSell,
			row.TravelCardBuy, row.TravelCardSell, row.CNBuy, row.CNSell)
	}
	return append(args, b.tsArg(now))
}

func (b *RelationalBackend) bulkUpsertRates(ctx context.Context, tx *sql.Tx, g rateGroup, now time.Time) error {
	perRow := len(g.columns)
	chunk := b.d.maxParams() / perRow
	if chunk < 1 {
		chunk = 1
	}
	suffix := b.d.upsertSuffix(rateKeyColumns, g.updates)
	for base := 0; base < len(g.rows); base += chunk {
		end := min(base+chunk, len(g.rows))
		var tuples []string
		var args []any
		for i, row := range g.rows[base:end] {
			tuples = append(tuples, b.valueTuple(i*perRow, perRow))
			args = append(args, b.rateArgs(g, row, now)...)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
			g.table, strings.Join(g.columns, ", "), strings.Join(tuples, ", "), suffix)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("bulk upsert %s: %w", g.table, err)
		}
	}
	return nil
}

func (b *RelationalBackend) rowUpsertRates(ctx context.Context, tx *sql.Tx, g rateGroup, now time.Time) error {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
		g.table, strings.Join(g.columns, ", "), b.valueTuple(0, len(g.columns)),
		b.d.upsertSuffix(rateKeyColumns, g.updates))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare upsert %s: %w", g.table, err)
	}
	defer stmt.Close()
	for _, row := range g.rows {
		if _, err := stmt.ExecContext(ctx, b.rateArgs(g, row, now)...); err != nil {
			return fmt.Errorf("upsert %s: %w", g.table, err)
		}
	}
	return nil
}

func (b *RelationalBackend) deleteInsertRates(ctx context.Context, tx *sql.Tx, g rateGroup, now time.Time) error {
	delQuery := fmt.Sprintf("DELETE FROM %s WHERE rate_date = %s AND currency_code = %s",
		g.table, b.d.placeholder(1), b.d.placeholder(2))
	del, err := tx.PrepareContext(ctx, delQuery)
	if err != nil {
		return fmt.Errorf("prepare delete %s: %w", g.table, err)
	}
	defer del.Close()

	insQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		g.table, strings.Join(g.columns, ", "), b.valueTuple(0, len(g.columns)))
	ins, err := tx.PrepareContext(ctx, insQuery)
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", g.table, err)
	}
	defer ins.Close()

	for _, row := range g.rows {
		if _, err := del.ExecContext(ctx, b.dayArg(row.Date), row.Currency); err != nil {
			return fmt.Errorf("delete %s: %w", g.table, err)
		}
		if _, err := ins.ExecContext(ctx, b.rateArgs(g, row, now)...); err != nil {
			return fmt.Errorf("insert %s: %w", g.table, err)
		}
	}
	return nil
}

// valueTuple renders one "(ph, ph, ...)" group starting after `offset` bound
// parameters.
func (b *RelationalBackend) valueTuple(offset, width int) string {
	parts := make([]string, width)
	for i := 0; i < width; i++ {
		parts[i] = b.d.placeholder(offset + i + 1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// FetchRange returns rows inside the inclusive bounds, tiered family first,
// each family ordered by date then currency. An empty source selects the
// union.
func (b *RelationalBackend) FetchRange(ctx context.Context, start, end *time.Time, source string) (out []ForexRate, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(b.d.kind()), "fetch_range", started, err) }()

	src := strings.ToUpper(strings.TrimSpace(source))
	if src == "" || src == SourceSBI {
		rows, err := b.fetchRateTable(ctx, tableSBI, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if src == "" || src == SourceRBI {
		rows, err := b.fetchRateTable(ctx, tableRBI, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if out == nil {
		out = []ForexRate{}
	}
	return out, nil
}

func (b *RelationalBackend) fetchRateTable(ctx context.Context, table string, start, end *time.Time) ([]ForexRate, error) {
	cols := "rate_date, currency_code, rate"
	if table == tableSBI {
		cols += ", tt_buy, tt_sell, bill_buy, bill_sell, travel_card_buy, travel_card_sell, cn_buy, cn_sell"
	}
	query := fmt.Sprintf("SELECT %s FROM %s", cols, table)
	where, args := b.rangeClause(start, end)
	query += where + " ORDER BY rate_date ASC, currency_code ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	defer rows.Close()

	source := SourceRBI
	if table == tableSBI {
		source = SourceSBI
	}
	var out []ForexRate
	for rows.Next() {
		r := ForexRate{Source: source}
		dest := []any{dayField{&r.Date}, &r.Currency, &r.Rate}
		if table == tableSBI {
			dest = append(dest,
				&r.TTBuy, &r.TTSell, &r.BillBuy, &r.BillSell,
				&r.TravelCardBuy, &r.TravelCardSell, &r.CNBuy, &r.CNSell)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	return out, nil
}

func (b *RelationalBackend) rangeClause(start, end *time.Time) (string, []any) {
	var clauses []string
	var args []any
	n := 0
	if start != nil {
		n++
		clauses = append(clauses, "rate_date >= "+b.d.placeholder(n))
		args = append(args, b.dayArg(dates.Day(*start)))
	}
	if end != nil {
		n++
		clauses = append(clauses, "rate_date <= "+b.d.placeholder(n))
		args = append(args, b.dayArg(dates.Day(*end)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// InsertMetalRates upserts one metal's batch keyed by date, with the same
// ladder and transactional scope as rates.
func (b *RelationalBackend) InsertMetalRates(ctx context.Context, metal Metal, rows []MetalRate) (res Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(b.d.kind()), "insert_metals", started, err) }()

	metal, err = ParseMetal(string(metal))
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{}, nil
	}
	deduped := dedupeMetalRows(rows)
	var lastErr error
	for _, mode := range b.ladder() {
		res, lastErr = b.insertMetalBatch(ctx, metal, deduped, mode)
		if lastErr == nil {
			metrics.AddRows(string(b.d.kind()), "lme_"+strings.ToLower(string(metal)), res.Inserted, res.Updated)
			return res, nil
		}
		b.log.Warn("metal upsert attempt failed", "metal", string(metal), "mode", mode.String(), "error", lastErr)
	}
	return Result{}, fmt.Errorf("insert %s rates: %w", strings.ToLower(string(metal)), lastErr)
}

func dedupeMetalRows(rows []MetalRate) []MetalRate {
	var out []MetalRate
	idx := make(map[string]int)
	for _, row := range rows {
		row.Date = dates.Day(row.Date)
		key := dates.FormatDay(row.Date)
		if i, ok := idx[key]; ok {
			out[i] = row
		} else {
			idx[key] = len(out)
			out = append(out, row)
		}
	}
	return out
}

func (b *RelationalBackend) insertMetalBatch(ctx context.Context, metal Metal, rows []MetalRate, mode insertMode) (Result, error) {
	table := metalTable(metal)
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := b.existingMetalDates(ctx, tx, table, rows)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, row := range rows {
		if existing[dates.FormatDay(row.Date)] {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	now := time.Now().UTC()
	switch mode {
	case modeBulkUpsert:
		err = b.bulkUpsertMetals(ctx, tx, table, rows, now)
	case modeRowUpsert:
		err = b.rowUpsertMetals(ctx, tx, table, rows, now)
	default:
		err = b.deleteInsertMetals(ctx, tx, table, rows, now)
	}
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (b *RelationalBackend) existingMetalDates(ctx context.Context, tx *sql.Tx, table string, rows []MetalRate) (map[string]bool, error) {
	out := make(map[string]bool)
	chunk := b.d.maxParams()
	if chunk < 1 {
		chunk = 1
	}
	for base := 0; base < len(rows); base += chunk {
		end := min(base+chunk, len(rows))
		var phs []string
		var args []any
		for i, row := range rows[base:end] {
			phs = append(phs, b.d.placeholder(i+1))
			args = append(args, b.dayArg(row.Date))
		}
		query := fmt.Sprintf("SELECT rate_date FROM %s WHERE rate_date IN (%s)", table, strings.Join(phs, ", "))
		result, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("scan existing dates: %w", err)
		}
		for result.Next() {
			var day time.Time
			if err := result.Scan(dayField{&day}); err != nil {
				result.Close()
				return nil, fmt.Errorf("scan existing dates: %w", err)
			}
			out[dates.FormatDay(day)] = true
		}
		if err := result.Err(); err != nil {
			result.Close()
			return nil, fmt.Errorf("scan existing dates: %w", err)
		}
		result.Close()
	}
	return out, nil
}

func (b *RelationalBackend) metalArgs(row MetalRate, now time.Time) []any {
	return []any{b.dayArg(row.Date), row.Price, row.Price3Month, row.Stock, b.tsArg(now)}
}

func (b *RelationalBackend) bulkUpsertMetals(ctx context.Context, tx *sql.Tx, table string, rows []MetalRate, now time.Time) error {
	perRow := len(metalColumns)
	chunk := b.d.maxParams() / perRow
	if chunk < 1 {
		chunk = 1
	}
	suffix := b.d.upsertSuffix(metalKeyColumns, metalUpdates)
	for base := 0; base < len(rows); base += chunk {
		end := min(base+chunk, len(rows))
		var tuples []string
		var args []any
		for i, row := range rows[base:end] {
			tuples = append(tuples, b.valueTuple(i*perRow, perRow))
			args = append(args, b.metalArgs(row, now)...)
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
			table, strings.Join(metalColumns, ", "), strings.Join(tuples, ", "), suffix)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("bulk upsert %s: %w", table, err)
		}
	}
	return nil
}

func (b *RelationalBackend) rowUpsertMetals(ctx context.Context, tx *sql.Tx, table string, rows []MetalRate, now time.Time) error {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s %s",
		table, strings.Join(metalColumns, ", "), b.valueTuple(0, len(metalColumns)),
		b.d.upsertSuffix(metalKeyColumns, metalUpdates))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare upsert %s: %w", table, err)
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, b.metalArgs(row, now)...); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return nil
}

func (b *RelationalBackend) deleteInsertMetals(ctx context.Context, tx *sql.Tx, table string, rows []MetalRate, now time.Time) error {
	del, err := tx.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE rate_date = %s", table, b.d.placeholder(1)))
	if err != nil {
		return fmt.Errorf("prepare delete %s: %w", table, err)
	}
	defer del.Close()
	ins, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		table, strings.Join(metalColumns, ", "), b.valueTuple(0, len(metalColumns))))
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", table, err)
	}
	defer ins.Close()
	for _, row := range rows {
		if _, err := del.ExecContext(ctx, b.dayArg(row.Date)); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		if _, err := ins.ExecContext(ctx, b.metalArgs(row, now)...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// FetchMetalRange returns one metal's rows inside the inclusive bounds,
// date ascending.
func (b *RelationalBackend) FetchMetalRange(ctx context.Context, metal Metal, start, end *time.Time) (out []MetalRate, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(b.d.kind()), "fetch_metals", started, err) }()

	metal, err = ParseMetal(string(metal))
	if err != nil {
		return nil, err
	}
	table := metalTable(metal)
	query := fmt.Sprintf("SELECT rate_date, price, price_3_month, stock FROM %s", table)
	where, args := b.rangeClause(start, end)
	query += where + " ORDER BY rate_date ASC"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	defer rows.Close()
	out = []MetalRate{}
	for rows.Next() {
		r := MetalRate{Metal: metal}
		if err := rows.Scan(dayField{&r.Date}, &r.Price, &r.Price3Month, &r.Stock); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	return out, nil
}

// Checkpoint returns the stored checkpoint for source, or nil when the source
// has never been ingested.
func (b *RelationalBackend) Checkpoint(ctx context.Context, source string) (*Checkpoint, error) {
	source = strings.ToUpper(strings.TrimSpace(source))
	query := fmt.Sprintf("SELECT last_ingested_date, updated_at FROM %s WHERE source = %s",
		tableMeta, b.d.placeholder(1))
	row := b.db.QueryRowContext(ctx, query, source)
	cp := &Checkpoint{Source: source}
	err := row.Scan(dayField{&cp.LastIngested}, timeField{&cp.UpdatedAt})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	return cp, nil
}

// WriteCheckpoint advances the checkpoint for source in a single conditional
// upsert; a day older than the stored one leaves the row untouched.
func (b *RelationalBackend) WriteCheckpoint(ctx context.Context, source string, day time.Time) error {
	source = strings.ToUpper(strings.TrimSpace(source))
	day = dates.Day(day)
	_, err := b.db.ExecContext(ctx, b.d.checkpointUpsert(),
		source, b.dayArg(day), b.tsArg(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", source, err)
	}
	metrics.CheckpointAdvancesTotal.WithLabelValues(source).Inc()
	return nil
}

// dayArg renders a date for binding. sqlite stores dates as text.
func (b *RelationalBackend) dayArg(t time.Time) any {
	if b.d.kind() == KindSQLite {
		return dates.FormatDay(t)
	}
	return dates.Day(t)
}

// tsArg renders a timestamp for binding.
func (b *RelationalBackend) tsArg(t time.Time) any {
	if b.d.kind() == KindSQLite {
		return t.UTC().Format(time.RFC3339)
	}
	return t.UTC()
}

// dayField scans DATE columns that may arrive as time.Time, text or bytes.
type dayField struct{ t *time.Time }

func (f dayField) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*f.t = time.Time{}
		return nil
	case time.Time:
		*f.t = dates.Day(x.UTC())
		return nil
	case string:
		return f.parse(x)
	case []byte:
		return f.parse(string(x))
	}
	return fmt.Errorf("cannot scan %T into a date", v)
}

func (f dayField) parse(s string) error {
	if len(s) > len(dates.DayFormat) {
		s = s[:len(dates.DayFormat)]
	}
	day, err := dates.ParseDay(s)
	if err != nil {
		return err
	}
	*f.t = day
	return nil
}

// timeField scans TIMESTAMP columns across the textual forms the three
// engines produce.
type timeField struct{ t *time.Time }

func (f timeField) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*f.t = time.Time{}
		return nil
	case time.Time:
		*f.t = x.UTC()
		return nil
	case string:
		return f.parse(x)
	case []byte:
		return f.parse(string(x))
	}
	return fmt.Errorf("cannot scan %T into a timestamp", v)
}

func (f timeField) parse(s string) error {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", dates.DayFormat} {
		if ts, err := time.Parse(layout, s); err == nil {
			*f.t = ts.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}
