package scraper

import (
	"errors"
	"fmt"

	"github.com/LopatKing/cinema-scrapers/internal"
)

// Registry resolves a provider descriptor to its Scraper.
type Registry interface {
	GetScraper(descriptor string) (internal.Scraper, error)
	Descriptors() []string
}

type ScraperMiddleware func(internal.Scraper) internal.Scraper

type RegistryOption func(r *registry)

func NewRegistry(opts ...RegistryOption) Registry {
	r := &registry{
		scrapers: make(map[string]internal.Scraper),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func WithScraper(scraper internal.Scraper, middleware ...ScraperMiddleware) RegistryOption {
	return func(r *registry) {
		descriptor := scraper.Descriptor()
		for _, m := range middleware {
			scraper = m(scraper)
		}
		r.order = append(r.order, descriptor)
		r.scrapers[descriptor] = scraper
	}
}

type registry struct {
	scrapers map[string]internal.Scraper
	order    []string
}

var ErrScraperNotFound = errors.New("scraper not found")

func (r *registry) GetScraper(descriptor string) (internal.Scraper, error) {
	scraper, ok := r.scrapers[descriptor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScraperNotFound, descriptor)
	}
	return scraper, nil
}

func (r *registry) Descriptors() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
