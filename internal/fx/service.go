package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
	"github.com/fxbharat/fxbharat/pkg/sources"
)

// Service is the orchestration facade over one storage backend: seeding,
// querying, aggregation and backend-to-backend copies all go through it.
type Service struct {
	backend storage.Backend
	log     *slog.Logger
	order   []string
	today   func() time.Time
}

// Option tweaks a Service at construction.
type Option func(*Service)

// WithSourceOrder overrides the order source families appear in multi-source
// results. The default lists SBI before RBI; the ordering is a display
// convention, not a correctness requirement.
func WithSourceOrder(order ...string) Option {
	return func(s *Service) {
		var normalized []string
		for _, tag := range order {
			normalized = append(normalized, strings.ToUpper(strings.TrimSpace(tag)))
		}
		if len(normalized) > 0 {
			s.order = normalized
		}
	}
}

// withToday pins the clock so range validation is deterministic in tests.
func withToday(now func() time.Time) Option {
	return func(s *Service) { s.today = now }
}

// New builds a Service over backend.
func New(backend storage.Backend, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		backend: backend,
		log:     log.With("component", "fx"),
		order:   []string{storage.SourceSBI, storage.SourceRBI},
		today:   dates.Today,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend exposes the underlying storage, mainly for the CLI's status view.
func (s *Service) Backend() storage.Backend { return s.backend }

// ParseSource validates a source filter tag. Empty means all sources.
func ParseSource(tag string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(tag))
	switch t {
	case "", storage.SourceRBI, storage.SourceSBI:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, tag)
}

func (s *Service) selected(filter string) []string {
	if filter == "" {
		return s.order
	}
	return []string{filter}
}

func validateRange(start, end *time.Time) error {
	if start == nil || end == nil {
		return nil
	}
	if dates.Day(*start).After(dates.Day(*end)) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidRange, dates.FormatDay(*start), dates.FormatDay(*end))
	}
	return nil
}

// Rate returns the snapshot for day from each selected source, ordered by
// source priority. A nil day selects each source's latest available date,
// which may differ between sources.
func (s *Service) Rate(ctx context.Context, day *time.Time, sourceFilter string) ([]Snapshot, error) {
	filter, err := ParseSource(sourceFilter)
	if err != nil {
		return nil, err
	}
	if day != nil && filter == storage.SourceRBI && dates.Day(*day).Before(storage.RBIMinAvailableDate) {
		return nil, fmt.Errorf("%w: RBI reference rates begin %s", ErrBeforeMinDate, dates.FormatDay(storage.RBIMinAvailableDate))
	}

	out := []Snapshot{}
	for _, tag := range s.selected(filter) {
		var rows []storage.ForexRate
		if day != nil {
			d := dates.Day(*day)
			rows, err = s.backend.FetchRange(ctx, &d, &d, tag)
		} else {
			rows, err = s.backend.FetchRange(ctx, nil, nil, tag)
		}
		if err != nil {
			return nil, fmt.Errorf("rate: %w", err)
		}
		snaps := buildSnapshots(rows, Daily)
		if len(snaps) == 0 {
			continue
		}
		if day != nil {
			out = append(out, snaps...)
		} else {
			out = append(out, snaps[len(snaps)-1])
		}
	}
	return out, nil
}

// History returns down-sampled snapshots inside the inclusive range, grouped
// per source and ordered by source priority then date.
func (s *Service) History(ctx context.Context, start, end *time.Time, frequency, sourceFilter string) ([]Snapshot, error) {
	freq, err := ParseFrequency(frequency)
	if err != nil {
		return nil, err
	}
	filter, err := ParseSource(sourceFilter)
	if err != nil {
		return nil, err
	}
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	rows, err := s.backend.FetchRange(ctx, start, end, filter)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	bySource := splitBySource(rows)
	out := []Snapshot{}
	for _, tag := range s.selected(filter) {
		out = append(out, buildSnapshots(bySource[tag], freq)...)
	}
	return out, nil
}

// MetalHistory returns one metal's observations inside the inclusive range.
func (s *Service) MetalHistory(ctx context.Context, metal storage.Metal, start, end *time.Time) ([]storage.MetalRate, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	rows, err := s.backend.FetchMetalRange(ctx, metal, start, end)
	if err != nil {
		return nil, fmt.Errorf("metal history: %w", err)
	}
	return rows, nil
}

// LatestRateDate returns the most recent ingested date for a source, or nil
// when nothing is stored. An empty tag scans all sources.
func (s *Service) LatestRateDate(ctx context.Context, sourceTag string) (*time.Time, error) {
	tag, err := ParseSource(sourceTag)
	if err != nil {
		return nil, err
	}
	rows, err := s.backend.FetchRange(ctx, nil, nil, tag)
	if err != nil {
		return nil, fmt.Errorf("latest rate date: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	last := maxRateDate(rows)
	return &last, nil
}

// SeedOptions tweaks a seeding run.
type SeedOptions struct {
	// DryRun reports what would be ingested without writing anything.
	DryRun bool
	// Source overrides the registry lookup, mainly for tests.
	Source sources.RateSource
	// MetalSource overrides the registry lookup for SeedMetals.
	MetalSource sources.MetalSource
}

// Seed ingests a source over [start, end], one calendar month at a time.
// The source's checkpoint skips already-covered days; each non-empty chunk is
// committed and checkpointed before the next one starts, so a failure midway
// loses only the in-flight chunk.
func (s *Service) Seed(ctx context.Context, start, end time.Time, sourceTag string, opts SeedOptions) (storage.Result, error) {
	tag, err := ParseSource(sourceTag)
	if err != nil {
		return storage.Result{}, err
	}
	if tag == "" {
		return storage.Result{}, fmt.Errorf("%w: seeding needs an explicit source", ErrUnknownSource)
	}

	start, end = dates.Day(start), dates.Day(end)
	if start.After(end) {
		return storage.Result{}, fmt.Errorf("%w: %s > %s", ErrInvalidRange, dates.FormatDay(start), dates.FormatDay(end))
	}
	if !end.Before(s.today()) {
		return storage.Result{}, fmt.Errorf("%w: rates for %s are not final yet", ErrFutureRange, dates.FormatDay(end))
	}
	if tag == storage.SourceRBI && start.Before(storage.RBIMinAvailableDate) {
		return storage.Result{}, fmt.Errorf("%w: RBI reference rates begin %s", ErrBeforeMinDate, dates.FormatDay(storage.RBIMinAvailableDate))
	}

	src := opts.Source
	if src == nil {
		registered, ok := sources.Get(tag)
		if !ok {
			return storage.Result{}, fmt.Errorf("%w: no source registered for %q", ErrUnknownSource, tag)
		}
		src = registered
	}

	chunks, err := dates.MonthRanges(start, end)
	if err != nil {
		return storage.Result{}, err
	}
	cp, err := s.backend.Checkpoint(ctx, tag)
	if err != nil {
		return storage.Result{}, fmt.Errorf("seed %s: %w", tag, err)
	}
	var covered time.Time
	if cp != nil {
		covered = cp.LastIngested
	}

	var total storage.Result
	for _, chunk := range chunks {
		c := chunk
		if !covered.IsZero() {
			if !c.End.After(covered) {
				s.log.Debug("chunk already ingested", "source", tag, "through", dates.FormatDay(c.End))
				continue
			}
			if !c.Start.After(covered) {
				c.Start = covered.AddDate(0, 0, 1)
			}
		}

		rows, err := src.FetchRange(ctx, c)
		if err != nil {
			return total, fmt.Errorf("seed %s %s..%s: %w", tag, dates.FormatDay(c.Start), dates.FormatDay(c.End), err)
		}
		if len(rows) == 0 {
			s.log.Info("nothing published in chunk", "source", tag, "from", dates.FormatDay(c.Start), "to", dates.FormatDay(c.End))
			continue
		}
		if opts.DryRun {
			s.log.Info("dry run", "source", tag, "from", dates.FormatDay(c.Start), "to", dates.FormatDay(c.End), "rows", len(rows))
			total.Inserted += len(rows)
			continue
		}

		res, err := s.backend.InsertRates(ctx, rows)
		if err != nil {
			return total, fmt.Errorf("seed %s: %w", tag, err)
		}
		total.Add(res)

		last := maxRateDate(rows)
		if err := s.backend.WriteCheckpoint(ctx, tag, last); err != nil {
			return total, fmt.Errorf("seed %s: checkpoint: %w", tag, err)
		}
		if last.After(covered) {
			covered = last
		}
		s.log.Info("chunk ingested", "source", tag,
			"from", dates.FormatDay(c.Start), "to", dates.FormatDay(c.End),
			"inserted", res.Inserted, "updated", res.Updated)
	}
	return total, nil
}

// SeedMetals ingests one LME series. The upstream publishes its whole history
// at once, so the checkpoint filters rows instead of bounding the fetch.
func (s *Service) SeedMetals(ctx context.Context, metal storage.Metal, opts SeedOptions) (storage.Result, error) {
	metal, err := storage.ParseMetal(string(metal))
	if err != nil {
		return storage.Result{}, err
	}
	src := opts.MetalSource
	if src == nil {
		registered, ok := sources.GetMetal(metal)
		if !ok {
			return storage.Result{}, fmt.Errorf("%w: no source registered for metal %q", ErrUnknownSource, string(metal))
		}
		src = registered
	}

	name := strings.ToLower(string(metal))
	rows, err := src.Fetch(ctx)
	if err != nil {
		return storage.Result{}, fmt.Errorf("seed %s: %w", name, err)
	}

	tag := storage.MetalCheckpointSource(metal)
	cp, err := s.backend.Checkpoint(ctx, tag)
	if err != nil {
		return storage.Result{}, fmt.Errorf("seed %s: %w", name, err)
	}
	if cp != nil {
		var fresh []storage.MetalRate
		for _, r := range rows {
			if dates.Day(r.Date).After(cp.LastIngested) {
				fresh = append(fresh, r)
			}
		}
		rows = fresh
	}
	if len(rows) == 0 {
		s.log.Info("no new observations", "metal", name)
		return storage.Result{}, nil
	}
	if opts.DryRun {
		s.log.Info("dry run", "metal", name, "rows", len(rows))
		return storage.Result{Inserted: len(rows)}, nil
	}

	res, err := s.backend.InsertMetalRates(ctx, metal, rows)
	if err != nil {
		return storage.Result{}, fmt.Errorf("seed %s: %w", name, err)
	}
	if err := s.backend.WriteCheckpoint(ctx, tag, maxMetalDate(rows)); err != nil {
		return res, fmt.Errorf("seed %s: checkpoint: %w", name, err)
	}
	s.log.Info("metal series ingested", "metal", name, "inserted", res.Inserted, "updated", res.Updated)
	return res, nil
}

const migrateBatchSize = 500

// Migrate copies everything this service's backend holds into target: rate
// rows, both metal series, then checkpoints so seeding resumes correctly on
// the target.
func (s *Service) Migrate(ctx context.Context, target storage.Backend) (storage.Result, error) {
	if target == nil {
		return storage.Result{}, errors.New("migrate: nil target backend")
	}
	if target == s.backend {
		return storage.Result{}, ErrSameBackend
	}
	if err := target.EnsureSchema(ctx); err != nil {
		return storage.Result{}, fmt.Errorf("migrate: target schema: %w", err)
	}

	rows, err := s.backend.FetchRange(ctx, nil, nil, "")
	if err != nil {
		return storage.Result{}, fmt.Errorf("migrate: read rates: %w", err)
	}
	var total storage.Result
	for base := 0; base < len(rows); base += migrateBatchSize {
		end := min(base+migrateBatchSize, len(rows))
		res, err := target.InsertRates(ctx, rows[base:end])
		if err != nil {
			return total, fmt.Errorf("migrate: write rates: %w", err)
		}
		total.Add(res)
	}

	for _, metal := range storage.Metals() {
		mrows, err := s.backend.FetchMetalRange(ctx, metal, nil, nil)
		if err != nil {
			return total, fmt.Errorf("migrate: read %s: %w", strings.ToLower(string(metal)), err)
		}
		for base := 0; base < len(mrows); base += migrateBatchSize {
			end := min(base+migrateBatchSize, len(mrows))
			res, err := target.InsertMetalRates(ctx, metal, mrows[base:end])
			if err != nil {
				return total, fmt.Errorf("migrate: write %s: %w", strings.ToLower(string(metal)), err)
			}
			total.Add(res)
		}
	}

	tags := []string{storage.SourceRBI, storage.SourceSBI}
	for _, metal := range storage.Metals() {
		tags = append(tags, storage.MetalCheckpointSource(metal))
	}
	for _, tag := range tags {
		cp, err := s.backend.Checkpoint(ctx, tag)
		if err != nil {
			return total, fmt.Errorf("migrate: read checkpoint %s: %w", tag, err)
		}
		if cp == nil {
			continue
		}
		if err := target.WriteCheckpoint(ctx, tag, cp.LastIngested); err != nil {
			return total, fmt.Errorf("migrate: write checkpoint %s: %w", tag, err)
		}
	}

	s.log.Info("migration complete", "rows", total.Total())
	return total, nil
}

// Connection probes backend connectivity without touching data paths. It
// never returns an error; failures come back as (false, message).
func (s *Service) Connection(ctx context.Context) (bool, string) {
	if err := s.backend.Ping(ctx); err != nil {
		return false, fmt.Sprintf("connection failed: %v", err)
	}
	kind := "storage"
	if k, ok := s.backend.(interface{ Kind() storage.Kind }); ok {
		kind = string(k.Kind())
	}
	return true, fmt.Sprintf("connected to %s backend", kind)
}

func maxRateDate(rows []storage.ForexRate) time.Time {
	var last time.Time
	for _, r := range rows {
		if d := dates.Day(r.Date); d.After(last) {
			last = d
		}
	}
	return last
}

func maxMetalDate(rows []storage.MetalRate) time.Time {
	var last time.Time
	for _, r := range rows {
		if d := dates.Day(r.Date); d.After(last) {
			last = d
		}
	}
	return last
}
