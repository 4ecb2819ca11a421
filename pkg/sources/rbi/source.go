package rbi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
	"github.com/fxbharat/fxbharat/pkg/sources"
)

// DefaultDir is where archive downloads are dropped for ingestion.
const DefaultDir = "rbi_downloads"

// Source ingests reference rates from a directory of archive artifacts. It
// reads whatever the directory holds: CSV exports and workbook downloads
// (.xls or .html, both HTML tables).
type Source struct {
	dir string
}

func init() {
	sources.Register(New(DefaultDir))
}

// New returns a directory-driven source. An empty dir selects DefaultDir.
func New(dir string) *Source {
	if dir == "" {
		dir = DefaultDir
	}
	return &Source{dir: dir}
}

func (s *Source) Tag() string { return storage.SourceRBI }

// FetchRange parses every artifact under the source directory and keeps the
// rows dated inside r. A missing directory yields no rows rather than an
// error so fresh checkouts can seed other sources cleanly.
func (s *Source) FetchRange(_ context.Context, r dates.Range) ([]storage.ForexRate, error) {
	var rows []storage.ForexRate
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		parsed, err := parseArtifact(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, row := range parsed {
			day := dates.Day(row.Date)
			if day.Before(r.Start) || day.After(r.End) {
				continue
			}
			rows = append(rows, row)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func parseArtifact(path string) ([]storage.ForexRate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(f)
	case ".xls", ".html", ".htm":
		return ParseWorkbook(f)
	default:
		return nil, nil
	}
}
