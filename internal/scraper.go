package internal

import (
	"context"
	"time"
)

// Scraper is the per-provider extraction capability set. Each provider site
// implements it independently; the pipeline and normalizer are written once
// against this interface and never against a concrete provider.
//
// Stage contracts:
//   - Catalog parses the provider's now-showing listing. A malformed card
//     is skipped, never fatal; an unparseable listing is a whole-stage error.
//   - Showtimes returns the screenings of one movie on the given date only.
//     Each entry carries enough of a booking reference to drive Seats.
//   - Seats resolves one showtime's per-area counts and prices, simulating
//     whatever ticket-selection steps the site requires. A showtime whose
//     flow breaks yields (nil, error); the caller drops it and continues.
type Scraper interface {
	// Descriptor returns the provider slug (registry lookup, cache keys, logs).
	Descriptor() string
	// Country returns the country the provider's cinemas are scoped to.
	Country() string
	Catalog(ctx context.Context) ([]Movie, error)
	Showtimes(ctx context.Context, movie Movie, date time.Time) ([]Showtime, error)
	Seats(ctx context.Context, showtime Showtime) ([]SeatArea, error)
	// Concurrency is the provider's admission-gate width: the maximum number
	// of in-flight showtime/seat extractions the site tolerates.
	Concurrency() int
}
