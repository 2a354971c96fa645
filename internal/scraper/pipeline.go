package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
)

// Run executes the full staged pipeline for one provider: catalog, then
// showtimes per movie, then seats per showtime, fanned out with bounded
// parallelism and fanned back in, then flattened to one SeatReport per
// (showtime, area) pair.
//
// A single movie or showtime failing never aborts the batch: the item is
// dropped and logged. Run only returns a non-nil error for whole-stage
// failures (the catalog itself unparseable, or a panic escaping a stage),
// and even then the rows gathered so far are returned, because the caller
// always completes a run and decides separately whether to record the error.
func Run(ctx context.Context, s internal.Scraper, req internal.ScrapeRequest) (rows []internal.SeatReport, err error) {
	descriptor := s.Descriptor()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline panic", "provider", descriptor, "panic", r)
			err = fmt.Errorf("%s: pipeline panic: %v", descriptor, r)
		}
	}()

	movies, err := s.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: catalog: %w", descriptor, err)
	}
	slog.Info("catalog extracted", "provider", descriptor, "movies", len(movies))

	showtimes := fanOut(ctx, s, movies, func(ctx context.Context, movie internal.Movie) ([]internal.Showtime, error) {
		return s.Showtimes(ctx, movie, req.Date)
	})
	// Date filtering is enforced here regardless of what the provider
	// returned: a showtime on the wrong date is dropped, not normalized.
	kept := showtimes[:0]
	for _, st := range showtimes {
		if st.Starts.Format(time.DateOnly) == req.DateString() {
			kept = append(kept, st)
		}
	}
	showtimes = kept
	slog.Info("showtimes extracted", "provider", descriptor, "date", req.DateString(), "showtimes", len(showtimes))

	type seated struct {
		showtime internal.Showtime
		areas    []internal.SeatArea
	}
	results := fanOut(ctx, s, showtimes, func(ctx context.Context, st internal.Showtime) ([]seated, error) {
		areas, err := s.Seats(ctx, st)
		if err != nil {
			return nil, err
		}
		return []seated{{showtime: st, areas: areas}}, nil
	})

	country := s.Country()
	for _, r := range results {
		for _, area := range r.areas {
			if area.Sold < 0 || area.Total < 0 || area.Sold > area.Total {
				slog.Warn("dropping inconsistent seat area",
					"provider", descriptor, "area", area.Label, "total", area.Total, "sold", area.Sold)
				continue
			}
			rows = append(rows, normalize(country, r.showtime, area))
		}
	}
	slices.SortFunc(rows, func(a, b internal.SeatReport) int {
		if c := a.Starts.Compare(b.Starts); c != 0 {
			return c
		}
		if c := strings.Compare(a.CinemaName, b.CinemaName); c != 0 {
			return c
		}
		if c := strings.Compare(a.MovieName, b.MovieName); c != 0 {
			return c
		}
		return strings.Compare(a.Area, b.Area)
	})
	slog.Info("rows normalized", "provider", descriptor, "rows", len(rows))
	return rows, nil
}

func normalize(country string, st internal.Showtime, area internal.SeatArea) internal.SeatReport {
	cinema := st.Cinema
	if area.Cinema != "" {
		cinema = area.Cinema
	}
	experience := st.Experience
	if area.Experience != "" {
		experience = area.Experience
	}
	screen := st.Screen
	if area.Screen != "" {
		screen = area.Screen
	}
	return internal.SeatReport{
		Country:    country,
		MovieName:  strings.TrimSpace(st.Movie.Title),
		Language:   st.Movie.Language,
		CinemaName: strings.TrimSpace(cinema),
		Starts:     st.Starts,
		Experience: experience,
		Screen:     screen,
		Area:       area.Label,
		SeatsTotal: area.Total,
		SeatsSold:  area.Sold,
		Price:      area.Price,
		BookingURL: st.Booking.URL,
	}
}

// fanOut runs one extraction stage over independent inputs concurrently,
// bounded by the provider's admission-gate width, and concatenates the
// outputs once every task completes. A failing or panicking task
// contributes nothing; siblings are unaffected. No ordering is guaranteed
// between siblings.
func fanOut[In, Out any](
	ctx context.Context,
	s internal.Scraper,
	inputs []In,
	stage func(ctx context.Context, input In) ([]Out, error),
) []Out {
	workers := s.Concurrency()
	if workers <= 0 {
		workers = 1
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		out  []Out
		slot = make(chan struct{}, workers)
	)
	for _, input := range inputs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(input In) {
			defer wg.Done()
			slot <- struct{}{}
			defer func() { <-slot }()
			defer func() {
				// A panic here is a contract bug (markup shifted under the
				// extractor), not expected missing data: log loud, drop item.
				if r := recover(); r != nil {
					slog.Error("extraction task panicked", "provider", s.Descriptor(), "panic", r)
				}
			}()
			results, err := stage(ctx, input)
			if err != nil {
				slog.Warn("extraction task failed", "provider", s.Descriptor(), "error", err)
				return
			}
			mu.Lock()
			out = append(out, results...)
			mu.Unlock()
		}(input)
	}
	wg.Wait()
	return out
}
