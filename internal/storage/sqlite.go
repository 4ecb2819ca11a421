package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/metrics"
)

// EmbeddedBackend runs GORM over an in-process sqlite file. It shares the
// table layout with the relational engine, so the same database file can be
// opened by either.
type EmbeddedBackend struct {
	db  *gorm.DB
	log *slog.Logger
}

type rbiRow struct {
	RateDate     string  `gorm:"column:rate_date;primaryKey;type:DATE"`
	CurrencyCode string  `gorm:"column:currency_code;primaryKey;type:VARCHAR(3)"`
	Rate         float64 `gorm:"column:rate;type:NUMERIC(18,6)"`
	BaseCurrency string  `gorm:"column:base_currency;type:VARCHAR(3);default:INR"`
	Created      string  `gorm:"column:created_at;type:TIMESTAMP"`
}

func (rbiRow) TableName() string { return tableRBI }

type sbiRow struct {
	RateDate       string   `gorm:"column:rate_date;primaryKey;type:DATE"`
	CurrencyCode   string   `gorm:"column:currency_code;primaryKey;type:VARCHAR(3)"`
	Rate           float64  `gorm:"column:rate;type:NUMERIC(18,6)"`
	BaseCurrency   string   `gorm:"column:base_currency;type:VARCHAR(3);default:INR"`
	TTBuy          *float64 `gorm:"column:tt_buy;type:NUMERIC(18,6)"`
	TTSell         *float64 `gorm:"column:tt_sell;type:NUMERIC(18,6)"`
	BillBuy        *float64 `gorm:"column:bill_buy;type:NUMERIC(18,6)"`
	BillSell       *float64 `gorm:"column:bill_sell;type:NUMERIC(18,6)"`
	TravelCardBuy  *float64 `gorm:"column:travel_card_buy;type:NUMERIC(18,6)"`
	TravelCardSell *float64 `gorm:"column:travel_card_sell;type:NUMERIC(18,6)"`
	CNBuy          *float64 `gorm:"column:cn_buy;type:NUMERIC(18,6)"`
	CNSell         *float64 `gorm:"column:cn_sell;type:NUMERIC(18,6)"`
	Created        string   `gorm:"column:created_at;type:TIMESTAMP"`
}

func (sbiRow) TableName() string { return tableSBI }

// metalRow is shared by both commodity tables; the table is selected with
// Table() at query time.
type metalRow struct {
	RateDate    string   `gorm:"column:rate_date;primaryKey;type:DATE"`
	Price       *float64 `gorm:"column:price;type:NUMERIC(18,6)"`
	Price3Month *float64 `gorm:"column:price_3_month;type:NUMERIC(18,6)"`
	Stock       *float64 `gorm:"column:stock;type:NUMERIC(18,6)"`
	Created     string   `gorm:"column:created_at;type:TIMESTAMP"`
}

type checkpointRow struct {
	Source       string `gorm:"column:source;primaryKey;type:VARCHAR(32)"`
	LastIngested string `gorm:"column:last_ingested_date;type:DATE"`
	Updated      string `gorm:"column:updated_at;type:TIMESTAMP"`
}

func (checkpointRow) TableName() string { return tableMeta }

// NewEmbedded opens (or creates) the sqlite file named by target.URL.
func NewEmbedded(target Target, log *slog.Logger) (*EmbeddedBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(target.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return &EmbeddedBackend{
		db:  db,
		log: log.With("component", "storage", "backend", string(KindSQLite)),
	}, nil
}

func (s *EmbeddedBackend) Kind() Kind { return KindSQLite }

func (s *EmbeddedBackend) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *EmbeddedBackend) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureSchema migrates the five tables and drops columns retired commodity
// formats left behind.
func (s *EmbeddedBackend) EnsureSchema(ctx context.Context) error {
	s.log.Info("ensuring schema")
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&rbiRow{}, &sbiRow{}, &checkpointRow{}); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	for _, metal := range Metals() {
		table := metalTable(metal)
		if err := db.Table(table).AutoMigrate(&metalRow{}); err != nil {
			return fmt.Errorf("ensure schema %s: %w", table, err)
		}
		if err := s.dropLegacyColumns(ctx, table); err != nil {
			return fmt.Errorf("ensure schema %s: %w", table, err)
		}
	}
	return nil
}

// dropLegacyColumns rebuilds a commodity table without the columns of the
// retired format. sqlite's limited ALTER makes the copy-and-swap necessary.
func (s *EmbeddedBackend) dropLegacyColumns(ctx context.Context, table string) error {
	existing, err := s.columnNames(ctx, table)
	if err != nil {
		return err
	}
	stale := false
	for _, name := range legacyMetalColumns {
		if existing[name] {
			stale = true
			break
		}
	}
	if !stale {
		return nil
	}
	s.log.Info("rebuilding table without legacy columns", "table", table)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		temp := table + "_tmp"
		if err := tx.Table(temp).AutoMigrate(&metalRow{}); err != nil {
			return err
		}
		shared := []string{"rate_date"}
		for _, col := range metalColumnTypes {
			if existing[col.name] {
				shared = append(shared, col.name)
			}
		}
		csv := strings.Join(shared, ", ")
		if err := tx.Exec(fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", temp, csv, csv, table)).Error; err != nil {
			return err
		}
		if err := tx.Exec("DROP TABLE " + table).Error; err != nil {
			return err
		}
		return tx.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", temp, table)).Error
	})
}

func (s *EmbeddedBackend) columnNames(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.WithContext(ctx).Raw("SELECT name FROM pragma_table_info(?)", table).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

// InsertRates upserts the batch row by row inside one transaction. The
// read-before-write gives exact inserted/updated counts; sqlite serializes
// writers so the extra read is cheap.
func (s *EmbeddedBackend) InsertRates(ctx context.Context, rows []ForexRate) (res Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindSQLite), "insert_rates", started, err) }()

	if len(rows) == 0 {
		return Result{}, nil
	}
	groups := splitRateRows(rows)
	perFamily := make(map[string]Result)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC().Format(time.RFC3339)
		for _, g := range groups {
			fam := Result{}
			for _, r := range g.rows {
				inserted, err := s.upsertRate(tx, g.table, r, now)
				if err != nil {
					return err
				}
				if inserted {
					fam.Inserted++
				} else {
					fam.Updated++
				}
			}
			perFamily[g.family] = fam
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert rates: %w", err)
	}
	for fam, r := range perFamily {
		metrics.AddRows(string(KindSQLite), fam, r.Inserted, r.Updated)
		res.Add(r)
	}
	return res, nil
}

func (s *EmbeddedBackend) upsertRate(tx *gorm.DB, table string, r ForexRate, now string) (inserted bool, err error) {
	day := dates.FormatDay(r.Date)
	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "rate_date"}, {Name: "currency_code"}},
		UpdateAll: true,
	}
	if table == tableSBI {
		var existing sbiRow
		err = tx.First(&existing, "rate_date = ? AND currency_code = ?", day, r.Currency).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
		inserted = errors.Is(err, gorm.ErrRecordNotFound)
		row := sbiRow{
			RateDate: day, CurrencyCode: r.Currency, Rate: r.Rate, BaseCurrency: BaseCurrency,
			TTBuy: r.TTBuy, TTSell: r.TTSell, BillBuy: r.BillBuy, BillSell: r.BillSell,
			TravelCardBuy: r.TravelCardBuy, TravelCardSell: r.TravelCardSell,
			CNBuy: r.CNBuy, CNSell: r.CNSell,
			Created: now,
		}
		return inserted, tx.Clauses(conflict).Create(&row).Error
	}
	var existing rbiRow
	err = tx.First(&existing, "rate_date = ? AND currency_code = ?", day, r.Currency).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	inserted = errors.Is(err, gorm.ErrRecordNotFound)
	row := rbiRow{
		RateDate: day, CurrencyCode: r.Currency, Rate: r.Rate,
		BaseCurrency: BaseCurrency, Created: now,
	}
	return inserted, tx.Clauses(conflict).Create(&row).Error
}

func (s *EmbeddedBackend) FetchRange(ctx context.Context, start, end *time.Time, source string) (out []ForexRate, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindSQLite), "fetch_range", started, err) }()

	src := strings.ToUpper(strings.TrimSpace(source))
	out = []ForexRate{}
	if src == "" || src == SourceSBI {
		var rows []sbiRow
		if err := s.rangeQuery(ctx, start, end).Order("rate_date ASC, currency_code ASC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("fetch %s: %w", tableSBI, err)
		}
		for _, row := range rows {
			day, err := dates.ParseDay(row.RateDate)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", tableSBI, err)
			}
			out = append(out, ForexRate{
				Date: day, Currency: row.CurrencyCode, Rate: row.Rate, Source: SourceSBI,
				TTBuy: row.TTBuy, TTSell: row.TTSell, BillBuy: row.BillBuy, BillSell: row.BillSell,
				TravelCardBuy: row.TravelCardBuy, TravelCardSell: row.TravelCardSell,
				CNBuy: row.CNBuy, CNSell: row.CNSell,
			})
		}
	}
	if src == "" || src == SourceRBI {
		var rows []rbiRow
		if err := s.rangeQuery(ctx, start, end).Order("rate_date ASC, currency_code ASC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("fetch %s: %w", tableRBI, err)
		}
		for _, row := range rows {
			day, err := dates.ParseDay(row.RateDate)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", tableRBI, err)
			}
			out = append(out, ForexRate{Date: day, Currency: row.CurrencyCode, Rate: row.Rate, Source: SourceRBI})
		}
	}
	return out, nil
}

func (s *EmbeddedBackend) rangeQuery(ctx context.Context, start, end *time.Time) *gorm.DB {
	q := s.db.WithContext(ctx)
	if start != nil {
		q = q.Where("rate_date >= ?", dates.FormatDay(dates.Day(*start)))
	}
	if end != nil {
		q = q.Where("rate_date <= ?", dates.FormatDay(dates.Day(*end)))
	}
	return q
}

func (s *EmbeddedBackend) InsertMetalRates(ctx context.Context, metal Metal, rows []MetalRate) (res Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindSQLite), "insert_metals", started, err) }()

	metal, err = ParseMetal(string(metal))
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{}, nil
	}
	table := metalTable(metal)
	deduped := dedupeMetalRows(rows)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC().Format(time.RFC3339)
		conflict := clause.OnConflict{
			Columns:   []clause.Column{{Name: "rate_date"}},
			UpdateAll: true,
		}
		for _, r := range deduped {
			day := dates.FormatDay(r.Date)
			var existing metalRow
			ferr := tx.Table(table).First(&existing, "rate_date = ?", day).Error
			if ferr != nil && !errors.Is(ferr, gorm.ErrRecordNotFound) {
				return ferr
			}
			if errors.Is(ferr, gorm.ErrRecordNotFound) {
				res.Inserted++
			} else {
				res.Updated++
			}
			row := metalRow{RateDate: day, Price: r.Price, Price3Month: r.Price3Month, Stock: r.Stock, Created: now}
			if err := tx.Table(table).Clauses(conflict).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert %s rates: %w", strings.ToLower(string(metal)), err)
	}
	metrics.AddRows(string(KindSQLite), "lme_"+strings.ToLower(string(metal)), res.Inserted, res.Updated)
	return res, nil
}

func (s *EmbeddedBackend) FetchMetalRange(ctx context.Context, metal Metal, start, end *time.Time) (out []MetalRate, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindSQLite), "fetch_metals", started, err) }()

	metal, err = ParseMetal(string(metal))
	if err != nil {
		return nil, err
	}
	table := metalTable(metal)
	var rows []metalRow
	if err := s.rangeQuery(ctx, start, end).Table(table).Order("rate_date ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	out = []MetalRate{}
	for _, row := range rows {
		day, err := dates.ParseDay(row.RateDate)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		out = append(out, MetalRate{Date: day, Metal: metal, Price: row.Price, Price3Month: row.Price3Month, Stock: row.Stock})
	}
	return out, nil
}

func (s *EmbeddedBackend) Checkpoint(ctx context.Context, source string) (*Checkpoint, error) {
	source = strings.ToUpper(strings.TrimSpace(source))
	var row checkpointRow
	err := s.db.WithContext(ctx).First(&row, "source = ?", source).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	day, err := dates.ParseDay(row.LastIngested)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	cp := &Checkpoint{Source: row.Source, LastIngested: day}
	if ts, err := time.Parse(time.RFC3339, row.Updated); err == nil {
		cp.UpdatedAt = ts.UTC()
	}
	return cp, nil
}

// WriteCheckpoint advances the stored day only forward. The compare and the
// write share a transaction, which sqlite runs single-writer.
func (s *EmbeddedBackend) WriteCheckpoint(ctx context.Context, source string, day time.Time) error {
	source = strings.ToUpper(strings.TrimSpace(source))
	dayStr := dates.FormatDay(dates.Day(day))
	now := time.Now().UTC().Format(time.RFC3339)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row checkpointRow
		err := tx.First(&row, "source = ?", source).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&checkpointRow{Source: source, LastIngested: dayStr, Updated: now}).Error
		}
		if err != nil {
			return err
		}
		// ISO day strings compare chronologically.
		if dayStr <= row.LastIngested {
			return nil
		}
		row.LastIngested = dayStr
		row.Updated = now
		return tx.Save(&row).Error
	})
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", source, err)
	}
	metrics.CheckpointAdvancesTotal.WithLabelValues(source).Inc()
	return nil
}
