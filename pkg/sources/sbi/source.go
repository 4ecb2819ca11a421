package sbi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
	"github.com/fxbharat/fxbharat/pkg/sources"
)

// PDFURL is the bank's stable location for the current card-rate sheet.
const PDFURL = "https://sbi.bank.in/documents/16012/1400784/FOREX_CARD_RATES.pdf"

// DefaultResourceDir holds dated sheets, one per day, named YYYY-MM-DD.pdf.
const DefaultResourceDir = "resources"

// Source ingests card rates from a directory of dated sheets.
type Source struct {
	dir    string
	client *http.Client
}

// Option adjusts a Source.
type Option func(*Source)

// WithHTTPClient overrides the client used by DownloadLatest.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

func init() {
	sources.Register(New(DefaultResourceDir))
}

// New returns a directory-driven source. An empty dir selects
// DefaultResourceDir.
func New(dir string, opts ...Option) *Source {
	if dir == "" {
		dir = DefaultResourceDir
	}
	s := &Source{
		dir:    dir,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Tag() string { return storage.SourceSBI }

// FetchRange parses every sheet whose date stem falls inside r. Files without
// a parseable date stem are ignored, and a missing directory yields no rows.
func (s *Source) FetchRange(_ context.Context, r dates.Range) ([]storage.ForexRate, error) {
	paths, err := sheetPaths(s.dir, r)
	if err != nil {
		return nil, err
	}
	var rows []storage.ForexRate
	for _, path := range paths {
		parsed, err := ParsePDF(path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		rows = append(rows, parsed.Rates...)
	}
	return rows, nil
}

func sheetPaths(dir string, r dates.Range) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil
		}
		stem := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		day, perr := dates.ParseDay(stem)
		if perr != nil {
			return nil
		}
		if day.Before(r.Start) || day.After(r.End) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DownloadLatest fetches the bank's current sheet into the source directory
// under today's date stem. Rows become seedable once the date is in the past.
func (s *Source) DownloadLatest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, PDFURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download card-rate sheet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("card-rate sheet fetch returned status %d", resp.StatusCode)
	}

	dest := filepath.Join(s.dir, dates.FormatDay(dates.Today())+".pdf")
	if err := writeFileAtomically(dest, resp.Body); err != nil {
		return "", err
	}
	return dest, nil
}
