package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
)

// MemoryBackend is an in-memory Backend implementation, useful for tests and
// simple single-process deployments. It is the reference for the contract's
// ordering and checkpoint semantics.
type MemoryBackend struct {
	mu          sync.RWMutex
	rbi         map[string]ForexRate
	sbi         map[string]ForexRate
	metals      map[Metal]map[string]MetalRate
	checkpoints map[string]Checkpoint
}

// NewMemory returns an empty MemoryBackend.
func NewMemory() *MemoryBackend {
	m := &MemoryBackend{
		rbi:         make(map[string]ForexRate),
		sbi:         make(map[string]ForexRate),
		metals:      make(map[Metal]map[string]MetalRate),
		checkpoints: make(map[string]Checkpoint),
	}
	for _, metal := range Metals() {
		m.metals[metal] = make(map[string]MetalRate)
	}
	return m
}

func (m *MemoryBackend) Kind() Kind { return KindMemory }

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) EnsureSchema(ctx context.Context) error { return nil }

func (m *MemoryBackend) InsertRates(ctx context.Context, rows []ForexRate) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res Result
	for _, g := range splitRateRows(rows) {
		table := m.rbi
		if g.table == tableSBI {
			table = m.sbi
		}
		for _, r := range g.rows {
			key := rateKey(r.Date, r.Currency)
			if _, ok := table[key]; ok {
				res.Updated++
			} else {
				res.Inserted++
			}
			table[key] = r
		}
	}
	return res, nil
}

func (m *MemoryBackend) FetchRange(ctx context.Context, start, end *time.Time, source string) ([]ForexRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end = normalizeBounds(start, end)
	src := strings.ToUpper(strings.TrimSpace(source))
	out := []ForexRate{}
	if src == "" || src == SourceSBI {
		out = append(out, collectRates(m.sbi, start, end)...)
	}
	if src == "" || src == SourceRBI {
		out = append(out, collectRates(m.rbi, start, end)...)
	}
	return out, nil
}

func collectRates(table map[string]ForexRate, start, end *time.Time) []ForexRate {
	out := make([]ForexRate, 0, len(table))
	for _, r := range table {
		if inRange(r.Date, start, end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

func (m *MemoryBackend) InsertMetalRates(ctx context.Context, metal Metal, rows []MetalRate) (Result, error) {
	metal, err := ParseMetal(string(metal))
	if err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table := m.metals[metal]
	var res Result
	for _, r := range dedupeMetalRows(rows) {
		r.Metal = metal
		key := dates.FormatDay(r.Date)
		if _, ok := table[key]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		table[key] = r
	}
	return res, nil
}

func (m *MemoryBackend) FetchMetalRange(ctx context.Context, metal Metal, start, end *time.Time) ([]MetalRate, error) {
	metal, err := ParseMetal(string(metal))
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end = normalizeBounds(start, end)
	out := []MetalRate{}
	for _, r := range m.metals[metal] {
		if inRange(r.Date, start, end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryBackend) Checkpoint(ctx context.Context, source string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[strings.ToUpper(strings.TrimSpace(source))]
	if !ok {
		return nil, nil
	}
	out := cp
	return &out, nil
}

func (m *MemoryBackend) WriteCheckpoint(ctx context.Context, source string, day time.Time) error {
	source = strings.ToUpper(strings.TrimSpace(source))
	day = dates.Day(day)
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp, ok := m.checkpoints[source]; ok && !day.After(cp.LastIngested) {
		return nil
	}
	m.checkpoints[source] = Checkpoint{Source: source, LastIngested: day, UpdatedAt: time.Now().UTC()}
	return nil
}
