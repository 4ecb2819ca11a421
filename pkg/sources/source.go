// Package sources holds the upstream collaborators that produce rate and
// commodity observations. Each source registers itself by tag; the facade and
// the CLI look sources up here and never import a concrete source directly.
package sources

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/storage"
)

// RateSource produces currency observations for a date range. Implementations
// perform the network or file I/O; the persistence core never does.
type RateSource interface {
	// Tag is the source identifier stored with every observation.
	Tag() string

	// FetchRange returns the observations published inside the inclusive
	// range. Days without a publication are simply absent; that is not an
	// error.
	FetchRange(ctx context.Context, r dates.Range) ([]storage.ForexRate, error)
}

// MetalSource produces observations for one LME commodity series. The
// upstream page publishes its full history in one table, so there is no range
// parameter; callers filter against their checkpoint.
type MetalSource interface {
	Metal() storage.Metal
	Fetch(ctx context.Context) ([]storage.MetalRate, error)
}

var (
	registryMu    sync.RWMutex
	rateRegistry  = make(map[string]RateSource)
	metalRegistry = make(map[storage.Metal]MetalSource)
)

// Register adds a rate source to the registry. It panics on a nil source or a
// duplicate tag; registration happens in init functions where a panic is the
// right failure mode.
func Register(s RateSource) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if s == nil {
		panic("sources: Register source is nil")
	}
	tag := strings.ToUpper(s.Tag())
	if _, dup := rateRegistry[tag]; dup {
		panic("sources: Register called twice for source " + tag)
	}
	rateRegistry[tag] = s
}

// Replace swaps the registration for the source's tag, installing it when
// absent. Configured artifact directories override a package default this way.
func Replace(s RateSource) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if s == nil {
		panic("sources: Replace source is nil")
	}
	rateRegistry[strings.ToUpper(s.Tag())] = s
}

// Get returns the rate source registered under tag.
func Get(tag string) (RateSource, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := rateRegistry[strings.ToUpper(strings.TrimSpace(tag))]
	return s, ok
}

// List returns the registered rate source tags, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var tags []string
	for tag := range rateRegistry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// RegisterMetal adds a commodity source to the registry, panicking on nil or
// duplicates like Register.
func RegisterMetal(s MetalSource) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if s == nil {
		panic("sources: RegisterMetal source is nil")
	}
	if _, dup := metalRegistry[s.Metal()]; dup {
		panic("sources: RegisterMetal called twice for metal " + string(s.Metal()))
	}
	metalRegistry[s.Metal()] = s
}

// GetMetal returns the commodity source for a metal series.
func GetMetal(metal storage.Metal) (MetalSource, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := metalRegistry[metal]
	return s, ok
}

// ListMetals returns the metals with a registered source, sorted.
func ListMetals() []storage.Metal {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var metals []storage.Metal
	for m := range metalRegistry {
		metals = append(metals, m)
	}
	sort.Slice(metals, func(i, j int) bool { return metals[i] < metals[j] })
	return metals
}
