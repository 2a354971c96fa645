package scraper

import (
	"context"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached returns middleware that wraps a Scraper with LRU+TTL caching of
// the catalog and showtime listings. Apply it when registering a scraper:
//
//	scraper.NewRegistry(scraper.WithScraper(scraper.NovoCinemas(), scraper.Cached(64, 5*time.Minute)))
//
// Seat occupancy is never cached: seat counts are the live quantity a
// scrape exists to measure.
//
// maxEntries is the LRU size; ttl is how long entries stay valid (zero = no
// expiration).
func Cached(maxEntries int, ttl time.Duration) ScraperMiddleware {
	return func(inner internal.Scraper) internal.Scraper {
		if inner == nil {
			return nil
		}
		return newCachingScraper(inner, maxEntries, ttl)
	}
}

func newCachingScraper(inner internal.Scraper, maxEntries int, ttl time.Duration) internal.Scraper {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	return &cachingScraper{
		inner:     inner,
		catalog:   expirable.NewLRU[string, []internal.Movie](maxEntries, nil, ttl),
		showtimes: expirable.NewLRU[string, []internal.Showtime](maxEntries, nil, ttl),
	}
}

type cachingScraper struct {
	inner     internal.Scraper
	catalog   *expirable.LRU[string, []internal.Movie]
	showtimes *expirable.LRU[string, []internal.Showtime]
}

func (c *cachingScraper) Descriptor() string { return c.inner.Descriptor() }
func (c *cachingScraper) Country() string    { return c.inner.Country() }
func (c *cachingScraper) Concurrency() int   { return c.inner.Concurrency() }

func (c *cachingScraper) Catalog(ctx context.Context) ([]internal.Movie, error) {
	key := c.inner.Descriptor()
	if movies, ok := c.catalog.Get(key); ok {
		return movies, nil
	}
	movies, err := c.inner.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	c.catalog.Add(key, movies)
	return movies, nil
}

func (c *cachingScraper) Showtimes(ctx context.Context, movie internal.Movie, date time.Time) ([]internal.Showtime, error) {
	key := movie.ID + "|" + date.Format(time.DateOnly)
	if sts, ok := c.showtimes.Get(key); ok {
		return sts, nil
	}
	sts, err := c.inner.Showtimes(ctx, movie, date)
	if err != nil {
		return nil, err
	}
	c.showtimes.Add(key, sts)
	return sts, nil
}

func (c *cachingScraper) Seats(ctx context.Context, showtime internal.Showtime) ([]internal.SeatArea, error) {
	return c.inner.Seats(ctx, showtime)
}
