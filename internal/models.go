package internal

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScrapeRequest is one scrape invocation: one provider, one target date.
type ScrapeRequest struct {
	Provider string    `json:"provider"`
	Date     time.Time `json:"date"` // calendar date being scanned; time-of-day is ignored
}

// DateString returns the target date in the YYYY-MM-DD form the provider
// sites use in their date pickers and query params.
func (r ScrapeRequest) DateString() string {
	return r.Date.Format(time.DateOnly)
}

// Movie is one film discovered on a provider's now-showing listing.
type Movie struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Language string `json:"language,omitempty"`
}

// BookingRef is the opaque data needed to drive one showtime's
// seat-selection flow. URL-addressed providers fill URL; session-addressed
// providers fill Token and/or Fields (e.g. screen/session/ticket ids).
type BookingRef struct {
	URL    string            `json:"url,omitempty"`
	Token  string            `json:"token,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Showtime is one screening of one movie, discovered per movie per date.
// It only lives within a single scrape run.
type Showtime struct {
	ID         string     `json:"id"`
	Movie      Movie      `json:"movie"`
	Cinema     string     `json:"cinema"`
	Starts     time.Time  `json:"starts"`
	Screen     string     `json:"screen,omitempty"`
	Experience string     `json:"experience,omitempty"`
	Booking    BookingRef `json:"booking"`
}

// SeatArea is one priced seating category within a showtime's auditorium.
// Cinema, Experience and Screen are only set by providers whose
// seat-selection flow is the first place those values become visible; they
// override the showtime-level values during normalization.
type SeatArea struct {
	Label      string          `json:"label"`
	Total      int             `json:"total"`
	Sold       int             `json:"sold"`
	Price      decimal.Decimal `json:"price"`
	Cinema     string          `json:"cinema,omitempty"`
	Experience string          `json:"experience,omitempty"`
	Screen     string          `json:"screen,omitempty"`
}

// SeatReport is the normalized output unit: one (showtime, area) pair,
// flattened. This is what gets persisted.
type SeatReport struct {
	Country    string          `json:"country,omitempty"`
	MovieName  string          `json:"movie_name"`
	Language   string          `json:"movie_language,omitempty"`
	CinemaName string          `json:"cinema_name"`
	Starts     time.Time       `json:"showtime_datetime"`
	Experience string          `json:"experience,omitempty"`
	Screen     string          `json:"screen,omitempty"`
	Area       string          `json:"seat_area"`
	SeatsTotal int             `json:"seats_total"`
	SeatsSold  int             `json:"seats_sold"`
	Price      decimal.Decimal `json:"unit_price"`
	BookingURL string          `json:"booking_url,omitempty"`
}
