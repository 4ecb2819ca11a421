package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/metrics"
)

// DocumentBackend stores rates in MongoDB. Dates travel as ISO YYYY-MM-DD
// strings, which sort chronologically under the default string comparison.
type DocumentBackend struct {
	client *mongo.Client
	db     *mongo.Database
	log    *slog.Logger
}

type rateDoc struct {
	Date           string   `bson:"rate_date"`
	Currency       string   `bson:"currency_code"`
	Rate           float64  `bson:"rate"`
	Base           string   `bson:"base_currency"`
	TTBuy          *float64 `bson:"tt_buy,omitempty"`
	TTSell         *float64 `bson:"tt_sell,omitempty"`
	BillBuy        *float64 `bson:"bill_buy,omitempty"`
	BillSell       *float64 `bson:"bill_sell,omitempty"`
	TravelCardBuy  *float64 `bson:"travel_card_buy,omitempty"`
	TravelCardSell *float64 `bson:"travel_card_sell,omitempty"`
	CNBuy          *float64 `bson:"cn_buy,omitempty"`
	CNSell         *float64 `bson:"cn_sell,omitempty"`
	Created        string   `bson:"created_at"`
}

type metalDoc struct {
	Date        string   `bson:"rate_date"`
	Price       *float64 `bson:"price,omitempty"`
	Price3Month *float64 `bson:"price_3_month,omitempty"`
	Stock       *float64 `bson:"stock,omitempty"`
	Created     string   `bson:"created_at"`
}

type checkpointDoc struct {
	Source       string `bson:"_id"`
	LastIngested string `bson:"last_ingested_date"`
	Updated      string `bson:"updated_at"`
}

// NewDocument connects to the deployment named by target and verifies it with
// a ping before returning.
func NewDocument(ctx context.Context, target Target, log *slog.Logger) (*DocumentBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(target.URL))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &DocumentBackend{
		client: client,
		db:     client.Database(target.Database),
		log:    log.With("component", "storage", "backend", string(KindMongo)),
	}, nil
}

func (m *DocumentBackend) Kind() Kind { return KindMongo }

func (m *DocumentBackend) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *DocumentBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func rateCollection(source string) string {
	if strings.EqualFold(source, SourceSBI) {
		return tableSBI
	}
	return tableRBI
}

// EnsureSchema creates the unique indexes the upserts rely on. Collections
// themselves appear on first write.
func (m *DocumentBackend) EnsureSchema(ctx context.Context) error {
	m.log.Info("ensuring indexes")
	unique := options.Index().SetUnique(true)
	rateKeys := bson.D{{Key: "rate_date", Value: 1}, {Key: "currency_code", Value: 1}}
	for _, coll := range []string{tableRBI, tableSBI} {
		_, err := m.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: rateKeys, Options: unique})
		if err != nil {
			return fmt.Errorf("ensure index %s: %w", coll, err)
		}
	}
	dateKey := bson.D{{Key: "rate_date", Value: 1}}
	for _, metal := range Metals() {
		coll := metalTable(metal)
		_, err := m.db.Collection(coll).Indexes().CreateOne(ctx, mongo.IndexModel{Keys: dateKey, Options: unique})
		if err != nil {
			return fmt.Errorf("ensure index %s: %w", coll, err)
		}
	}
	return nil
}

// InsertRates replaces-or-inserts each document in one unordered bulk write
// per family collection.
func (m *DocumentBackend) InsertRates(ctx context.Context, rows []ForexRate) (res Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindMongo), "insert_rates", started, err) }()

	if len(rows) == 0 {
		return Result{}, nil
	}
	for _, g := range splitRateRows(rows) {
		now := time.Now().UTC().Format(time.RFC3339)
		models := make([]mongo.WriteModel, 0, len(g.rows))
		for _, r := range g.rows {
			doc := rateDoc{
				Date: dates.FormatDay(r.Date), Currency: r.Currency, Rate: r.Rate, Base: BaseCurrency,
				Created: now,
			}
			if g.table == tableSBI {
				doc.TTBuy, doc.TTSell = r.TTBuy, r.TTSell
				doc.BillBuy, doc.BillSell = r.BillBuy, r.BillSell
				doc.TravelCardBuy, doc.TravelCardSell = r.TravelCardBuy, r.TravelCardSell
				doc.CNBuy, doc.CNSell = r.CNBuy, r.CNSell
			}
			models = append(models, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"rate_date": doc.Date, "currency_code": doc.Currency}).
				SetReplacement(doc).
				SetUpsert(true))
		}
		bulk, err := m.db.Collection(g.table).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if err != nil {
			return Result{}, fmt.Errorf("insert rates into %s: %w", g.table, err)
		}
		fam := Result{Inserted: int(bulk.UpsertedCount), Updated: int(bulk.MatchedCount)}
		metrics.AddRows(string(KindMongo), g.family, fam.Inserted, fam.Updated)
		res.Add(fam)
	}
	return res, nil
}

func (m *DocumentBackend) FetchRange(ctx context.Context, start, end *time.Time, source string) (out []ForexRate, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindMongo), "fetch_range", started, err) }()

	src := strings.ToUpper(strings.TrimSpace(source))
	out = []ForexRate{}
	if src == "" || src == SourceSBI {
		rows, err := m.fetchRateDocs(ctx, tableSBI, SourceSBI, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if src == "" || src == SourceRBI {
		rows, err := m.fetchRateDocs(ctx, tableRBI, SourceRBI, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (m *DocumentBackend) fetchRateDocs(ctx context.Context, coll, source string, start, end *time.Time) ([]ForexRate, error) {
	opts := options.Find().SetSort(bson.D{{Key: "rate_date", Value: 1}, {Key: "currency_code", Value: 1}})
	cur, err := m.db.Collection(coll).Find(ctx, dateFilter(start, end), opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", coll, err)
	}
	var docs []rateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", coll, err)
	}
	out := make([]ForexRate, 0, len(docs))
	for _, doc := range docs {
		day, err := dates.ParseDay(doc.Date)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", coll, err)
		}
		out = append(out, ForexRate{
			Date: day, Currency: doc.Currency, Rate: doc.Rate, Source: source,
			TTBuy: doc.TTBuy, TTSell: doc.TTSell, BillBuy: doc.BillBuy, BillSell: doc.BillSell,
			TravelCardBuy: doc.TravelCardBuy, TravelCardSell: doc.TravelCardSell,
			CNBuy: doc.CNBuy, CNSell: doc.CNSell,
		})
	}
	return out, nil
}

func dateFilter(start, end *time.Time) bson.M {
	bounds := bson.M{}
	if start != nil {
		bounds["$gte"] = dates.FormatDay(dates.Day(*start))
	}
	if end != nil {
		bounds["$lte"] = dates.FormatDay(dates.Day(*end))
	}
	if len(bounds) == 0 {
		return bson.M{}
	}
	return bson.M{"rate_date": bounds}
}

func (m *DocumentBackend) InsertMetalRates(ctx context.Context, metal Metal, rows []MetalRate) (res Result, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindMongo), "insert_metals", started, err) }()

	metal, err = ParseMetal(string(metal))
	if err != nil {
		return Result{}, err
	}
	if len(rows) == 0 {
		return Result{}, nil
	}
	coll := metalTable(metal)
	now := time.Now().UTC().Format(time.RFC3339)
	deduped := dedupeMetalRows(rows)
	models := make([]mongo.WriteModel, 0, len(deduped))
	for _, r := range deduped {
		doc := metalDoc{
			Date: dates.FormatDay(r.Date), Price: r.Price, Price3Month: r.Price3Month,
			Stock: r.Stock, Created: now,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"rate_date": doc.Date}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	bulk, err := m.db.Collection(coll).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return Result{}, fmt.Errorf("insert %s rates: %w", coll, err)
	}
	res = Result{Inserted: int(bulk.UpsertedCount), Updated: int(bulk.MatchedCount)}
	metrics.AddRows(string(KindMongo), "lme_"+strings.ToLower(string(metal)), res.Inserted, res.Updated)
	return res, nil
}

func (m *DocumentBackend) FetchMetalRange(ctx context.Context, metal Metal, start, end *time.Time) (out []MetalRate, err error) {
	started := time.Now()
	defer func() { metrics.ObserveBatch(string(KindMongo), "fetch_metals", started, err) }()

	metal, err = ParseMetal(string(metal))
	if err != nil {
		return nil, err
	}
	coll := metalTable(metal)
	opts := options.Find().SetSort(bson.D{{Key: "rate_date", Value: 1}})
	cur, err := m.db.Collection(coll).Find(ctx, dateFilter(start, end), opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", coll, err)
	}
	var docs []metalDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", coll, err)
	}
	out = make([]MetalRate, 0, len(docs))
	for _, doc := range docs {
		day, err := dates.ParseDay(doc.Date)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", coll, err)
		}
		out = append(out, MetalRate{Date: day, Metal: metal, Price: doc.Price, Price3Month: doc.Price3Month, Stock: doc.Stock})
	}
	return out, nil
}

func (m *DocumentBackend) Checkpoint(ctx context.Context, source string) (*Checkpoint, error) {
	source = strings.ToUpper(strings.TrimSpace(source))
	var doc checkpointDoc
	err := m.db.Collection(tableMeta).FindOne(ctx, bson.M{"_id": source}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	day, err := dates.ParseDay(doc.LastIngested)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", source, err)
	}
	cp := &Checkpoint{Source: doc.Source, LastIngested: day}
	if ts, err := time.Parse(time.RFC3339, doc.Updated); err == nil {
		cp.UpdatedAt = ts.UTC()
	}
	return cp, nil
}

// WriteCheckpoint advances the stored day with a single $max pipeline update,
// atomic on the server, so concurrent writers cannot move it backwards.
func (m *DocumentBackend) WriteCheckpoint(ctx context.Context, source string, day time.Time) error {
	source = strings.ToUpper(strings.TrimSpace(source))
	dayStr := dates.FormatDay(dates.Day(day))
	now := time.Now().UTC().Format(time.RFC3339)
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "last_ingested_date", Value: bson.D{
				{Key: "$max", Value: bson.A{"$last_ingested_date", dayStr}},
			}},
			{Key: "updated_at", Value: bson.D{
				{Key: "$cond", Value: bson.A{
					bson.D{{Key: "$gt", Value: bson.A{dayStr, "$last_ingested_date"}}},
					now,
					"$updated_at",
				}},
			}},
		}}},
	}
	_, err := m.db.Collection(tableMeta).UpdateOne(ctx, bson.M{"_id": source}, pipeline, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", source, err)
	}
	metrics.CheckpointAdvancesTotal.WithLabelValues(source).Inc()
	return nil
}
