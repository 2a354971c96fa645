package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/fetch"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultCinemaCityBaseURL = "https://www.cinemacity.ae"
	cinemaCityDescriptor     = "cinemacity"
	cinemaCityCountry        = "uae"
	cinemaCityConcurrency    = 50
)

var (
	errCinemaCityMissingField = errors.New("cinemacity: required postback field missing")
	errCinemaCityShowExpired  = errors.New("cinemacity: showtime page has no screen block")
)

type cinemaCityScraper struct {
	baseURL       string
	uuidNamespace uuid.UUID
	fetcher       *fetch.Client
}

// CinemaCityOption applies configuration to a Cinema City scraper.
type CinemaCityOption func(*cinemaCityScraper)

// CinemaCityWithBaseURL sets the base URL (e.g. httptest.Server.URL in tests).
func CinemaCityWithBaseURL(baseURL string) CinemaCityOption {
	return func(s *cinemaCityScraper) {
		s.baseURL = baseURL
	}
}

// CinemaCityWithFetcher injects the fetch client.
func CinemaCityWithFetcher(f *fetch.Client) CinemaCityOption {
	return func(s *cinemaCityScraper) {
		s.fetcher = f
	}
}

// CinemaCitySoftNotFound reports whether a 200 response is actually the
// site's "404"-titled error page, which must be retried like a failure.
func CinemaCitySoftNotFound(body []byte) bool {
	doc, err := parseDoc(body)
	if err != nil {
		return false
	}
	return strings.TrimSpace(doc.Find("h2").First().Text()) == "404"
}

func CinemaCity(opts ...CinemaCityOption) internal.Scraper {
	s := &cinemaCityScraper{
		baseURL: defaultCinemaCityBaseURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.uuidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.baseURL))
	if s.fetcher == nil {
		s.fetcher = fetch.New(cinemaCityDescriptor,
			fetch.WithConcurrency(cinemaCityConcurrency),
			fetch.WithSoftFailure(CinemaCitySoftNotFound),
		)
	}
	return s
}

func (s *cinemaCityScraper) Descriptor() string { return cinemaCityDescriptor }
func (s *cinemaCityScraper) Country() string    { return cinemaCityCountry }
func (s *cinemaCityScraper) Concurrency() int   { return cinemaCityConcurrency }

func (s *cinemaCityScraper) Catalog(ctx context.Context) ([]internal.Movie, error) {
	body, err := s.fetcher.Get(ctx, s.baseURL+"/Browsing/Movies/NowShowing", nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse now-showing listing: %w", err)
	}

	var movies []internal.Movie
	seen := make(map[string]bool)
	doc.Find("div.movie").Each(func(_ int, card *goquery.Selection) {
		title := strings.TrimSpace(card.Find("h3").First().Text())
		href, ok := card.Find("h3").First().Parent().Attr("href")
		if title == "" || !ok {
			slog.Warn("skipping malformed movie card", "provider", cinemaCityDescriptor)
			return
		}
		movieURL := resolveURL(s.baseURL, href)
		if seen[movieURL] {
			return
		}
		seen[movieURL] = true
		movies = append(movies, internal.Movie{
			ID:    movieURL,
			Title: title,
			URL:   movieURL,
		})
	})
	return movies, nil
}

func (s *cinemaCityScraper) Showtimes(ctx context.Context, movie internal.Movie, date time.Time) ([]internal.Showtime, error) {
	body, err := s.fetcher.Get(ctx, movie.URL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse movie page: %w", err)
	}

	var showtimes []internal.Showtime
	doc.Find("a.session-time").Each(func(_ int, link *goquery.Selection) {
		raw, ok := link.Find("time").Attr("datetime")
		if !ok {
			return
		}
		starts, err := time.ParseInLocation("2006-01-02T15:04:05", raw, date.Location())
		if err != nil {
			slog.Warn("skipping unparseable session", "provider", cinemaCityDescriptor, "raw", raw)
			return
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		var experiences []string
		link.Find("img").Each(func(_ int, img *goquery.Selection) {
			if alt := strings.TrimSpace(img.AttrOr("alt", "")); alt != "" {
				experiences = append(experiences, alt)
			}
		})
		bookingURL := resolveURL(s.baseURL, href)
		showtimes = append(showtimes, internal.Showtime{
			ID:         uuid.NewSHA1(s.uuidNamespace, []byte(bookingURL)).String(),
			Movie:      movie,
			Starts:     starts,
			Experience: strings.Join(experiences, ", "),
			Booking:    internal.BookingRef{URL: bookingURL},
		})
	})
	return showtimes, nil
}

// Seats drives Cinema City's ASP.NET order form: resubmit every hidden
// postback field verbatim with one ticket per seating category, then read
// the seat-selection page the server prepares for that order.
func (s *cinemaCityScraper) Seats(ctx context.Context, showtime internal.Showtime) ([]internal.SeatArea, error) {
	session := s.fetcher.Session()
	body, err := session.Get(ctx, showtime.Booking.URL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse showtime page: %w", err)
	}

	screenBlock := strings.TrimSpace(doc.Find("div.cinema-screen-name").First().Text())
	if screenBlock == "" {
		// The server sometimes serves a stripped page for sold-out or
		// expired sessions; treat it as this showtime having no data.
		return nil, errCinemaCityShowExpired
	}
	parts := strings.Split(screenBlock, "-")
	cinema := strings.TrimSpace(strings.Join(parts[:len(parts)-1], "-"))
	screen := strings.TrimSpace(parts[len(parts)-1])

	form, err := cinemaCityPostbackForm(doc)
	if err != nil {
		return nil, err
	}
	if _, err := session.PostForm(ctx, showtime.Booking.URL, nil, form); err != nil {
		return nil, err
	}

	body, err = session.Get(ctx, s.baseURL+"/Ticketing/visSelectSeats.aspx", nil)
	if err != nil {
		return nil, err
	}
	doc, err = parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse seat page: %w", err)
	}
	areas := parseCinemaCitySeatPage(doc)
	for i := range areas {
		areas[i].Cinema = cinema
		areas[i].Screen = screen
	}
	return areas, nil
}

// cinemaCityPostbackForm rebuilds the order form: all hidden fields carried
// verbatim, the postback target lifted from the order button's onclick, and
// a quantity of one for every ticket category on the page.
func cinemaCityPostbackForm(doc *goquery.Document) (url.Values, error) {
	form := url.Values{}
	doc.Find("input[type=hidden]").Each(func(_ int, input *goquery.Selection) {
		name, ok := input.Attr("name")
		if !ok {
			return
		}
		form.Set(name, input.AttrOr("value", ""))
	})
	for _, required := range []string{"__VIEWSTATE", "__EVENTVALIDATION"} {
		if !form.Has(required) {
			return nil, fmt.Errorf("%w: %s", errCinemaCityMissingField, required)
		}
	}

	onclick := doc.Find("button#ibtnOrderTickets").AttrOr("onclick", "")
	quoted := strings.Split(onclick, "'")
	if len(quoted) < 4 {
		return nil, fmt.Errorf("%w: __EVENTTARGET", errCinemaCityMissingField)
	}
	form.Set("__EVENTTARGET", quoted[len(quoted)-4])
	form.Set("username", "")
	form.Set("password", "")

	doc.Find("input.quantity").Each(func(_ int, input *goquery.Selection) {
		if name, ok := input.Attr("name"); ok {
			form.Set(name, "1")
		}
	})
	return form, nil
}

// parseCinemaCitySeatPage counts seats per structural block and pairs the
// blocks with the priced area labels in the order cart. Halls are sometimes
// split into more structural blocks than priced areas; surplus blocks merge
// into a named area instead of being dropped or double-counted: with a
// single named area every block sums into it, otherwise the first block
// stays standalone and the surplus folds into the last named area.
func parseCinemaCitySeatPage(doc *goquery.Document) []internal.SeatArea {
	type block struct {
		total int
		sold  int
	}

	var names []string
	var prices []decimal.Decimal
	ok := true
	doc.Find("li.cart-ticket").Each(func(_ int, ticket *goquery.Selection) {
		name := strings.TrimSpace(ticket.Find("span.name").First().Text())
		price, err := decimal.NewFromString(strings.TrimSpace(ticket.Find("span.price").First().Text()))
		if err != nil {
			slog.Warn("skipping seat page with unparseable cart price", "provider", cinemaCityDescriptor, "area", name)
			ok = false
			return
		}
		names = append(names, name)
		prices = append(prices, price)
	})
	if !ok || len(names) == 0 {
		return nil
	}

	var blocks []block
	doc.Find("table.Seating-Area").Each(func(_ int, table *goquery.Selection) {
		seats := table.Find("p[role=button]")
		sold := 0
		seats.Each(func(_ int, seat *goquery.Selection) {
			if seat.AttrOr("aria-label", "") == "unavailable" {
				sold++
			}
		})
		blocks = append(blocks, block{total: seats.Length(), sold: sold})
	})

	areas := make([]internal.SeatArea, 0, len(names))
	switch {
	case len(blocks) <= len(names):
		for i, b := range blocks {
			areas = append(areas, internal.SeatArea{
				Label: names[i], Total: b.total, Sold: b.sold, Price: prices[i],
			})
		}
	case len(names) == 1:
		merged := block{}
		for _, b := range blocks {
			merged.total += b.total
			merged.sold += b.sold
		}
		areas = append(areas, internal.SeatArea{
			Label: names[0], Total: merged.total, Sold: merged.sold, Price: prices[0],
		})
	default:
		keep := len(names) - 1
		for i := 0; i < keep; i++ {
			areas = append(areas, internal.SeatArea{
				Label: names[i], Total: blocks[i].total, Sold: blocks[i].sold, Price: prices[i],
			})
		}
		merged := block{}
		for _, b := range blocks[keep:] {
			merged.total += b.total
			merged.sold += b.sold
		}
		areas = append(areas, internal.SeatArea{
			Label: names[len(names)-1], Total: merged.total, Sold: merged.sold, Price: prices[len(prices)-1],
		})
	}
	return areas
}
