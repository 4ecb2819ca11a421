package lme

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fxbharat/fxbharat/internal/storage"
	"github.com/fxbharat/fxbharat/pkg/sources"
)

// tableURLs are Westmetall's per-series table pages.
var tableURLs = map[storage.Metal]string{
	storage.MetalCopper:   "https://www.westmetall.com/en/markdaten.php?action=table&field=LME_Cu_cash",
	storage.MetalAluminum: "https://www.westmetall.com/en/markdaten.php?action=table&field=LME_Al_cash",
}

const userAgent = "fxbharat-lme-ingestor/1.0"

// Source fetches one LME series from Westmetall.
type Source struct {
	metal  storage.Metal
	url    string
	client *http.Client
}

// Option adjusts a Source.
type Option func(*Source)

// WithURL points the source at a different table page.
func WithURL(url string) Option {
	return func(s *Source) { s.url = url }
}

// WithHTTPClient overrides the client used by Fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

func init() {
	for _, metal := range storage.Metals() {
		sources.RegisterMetal(New(metal))
	}
}

// New returns a source for the given series.
func New(metal storage.Metal, opts ...Option) *Source {
	s := &Source{
		metal:  metal,
		url:    tableURLs[metal],
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Metal() storage.Metal { return s.metal }

// Fetch downloads the series page and parses every yearly table on it.
func (s *Source) Fetch(ctx context.Context) ([]storage.MetalRate, error) {
	if s.url == "" {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnsupportedMetal, s.metal)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s series: %w", s.metal, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s series fetch returned status %d", s.metal, resp.StatusCode)
	}
	return ParseHTML(resp.Body, s.metal)
}
