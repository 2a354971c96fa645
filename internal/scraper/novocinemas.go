package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/fetch"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultNovoBaseURL = "https://uae.novocinemas.com"
	novoDescriptor     = "novocinemas"
	novoCountry        = "uae"
	// Novo's backend is fragile under load; two in-flight requests is the
	// most the site tolerates without throwing rate-limit pages.
	novoConcurrency = 2
)

var (
	errNovoMissingHiddenField = errors.New("novocinemas: required hidden field missing")
	errNovoBookingInfoMissing = errors.New("novocinemas: booking url has no info token")
)

type novoScraper struct {
	baseURL       string
	uuidNamespace uuid.UUID
	fetcher       *fetch.Client
}

// NovoOption applies configuration to a Novo Cinemas scraper.
type NovoOption func(*novoScraper)

// NovoWithBaseURL sets the base URL (e.g. httptest.Server.URL in tests).
func NovoWithBaseURL(baseURL string) NovoOption {
	return func(s *novoScraper) {
		s.baseURL = baseURL
	}
}

// NovoWithFetcher injects the fetch client (tests pair it with a golden server).
func NovoWithFetcher(f *fetch.Client) NovoOption {
	return func(s *novoScraper) {
		s.fetcher = f
	}
}

func NovoCinemas(opts ...NovoOption) internal.Scraper {
	s := &novoScraper{
		baseURL: defaultNovoBaseURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.uuidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.baseURL))
	if s.fetcher == nil {
		s.fetcher = fetch.New(novoDescriptor, fetch.WithConcurrency(novoConcurrency))
	}
	return s
}

func (s *novoScraper) Descriptor() string { return novoDescriptor }
func (s *novoScraper) Country() string    { return novoCountry }
func (s *novoScraper) Concurrency() int   { return novoConcurrency }

func (s *novoScraper) Catalog(ctx context.Context) ([]internal.Movie, error) {
	body, err := s.fetcher.Get(ctx, s.baseURL+"/Common/GetNowShowingMovies", url.Values{
		"experienceId": {"0"},
		"cinemaId":     {"0"},
		"genereId":     {"0"},
		"languageId":   {"0"},
	})
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse now-showing listing: %w", err)
	}

	var movies []internal.Movie
	seen := make(map[string]bool)
	doc.Find("div.n-movie-poster").Each(func(_ int, card *goquery.Selection) {
		link := card.Find("a").First()
		href, ok := link.Attr("href")
		title := strings.TrimSpace(link.AttrOr("title", ""))
		if !ok || title == "" {
			slog.Warn("skipping malformed movie card", "provider", novoDescriptor)
			return
		}
		movieURL := resolveURL(s.baseURL, href)
		id := novoMovieID(movieURL)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		movies = append(movies, internal.Movie{
			ID:       id,
			Title:    title,
			URL:      movieURL,
			Language: strings.TrimSpace(card.Find("p").First().Text()),
		})
	})
	return movies, nil
}

// novoMovieID is the third path segment of a movie detail URL.
func novoMovieID(movieURL string) string {
	u, err := url.Parse(movieURL)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 3 {
		return ""
	}
	return segs[2]
}

var novoDateRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

func (s *novoScraper) Showtimes(ctx context.Context, movie internal.Movie, date time.Time) ([]internal.Showtime, error) {
	body, err := s.fetcher.Get(ctx, movie.URL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse movie page: %w", err)
	}
	languageID, ok := doc.Find("input#SelectedLanguageId").Attr("value")
	if !ok {
		return nil, fmt.Errorf("%w: SelectedLanguageId", errNovoMissingHiddenField)
	}

	// The date strip lists every date with sessions; only continue when the
	// requested one is offered.
	target := date.Format(time.DateOnly)
	offered := false
	doc.Find("li.dateselected").Each(func(_ int, item *goquery.Selection) {
		if novoDateRE.FindString(item.AttrOr("onclick", "")) == target {
			offered = true
		}
	})
	if !offered {
		return nil, nil
	}

	body, err = s.fetcher.Get(ctx, s.baseURL+"/moviedetails/GetAllShowsByMovie", url.Values{
		"movieId":      {movie.ID},
		"selectedDate": {target},
		"languageId":   {languageID},
		"locationIds":  {""},
	})
	if err != nil {
		return nil, err
	}
	doc, err = parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse shows listing: %w", err)
	}

	var showtimes []internal.Showtime
	doc.Find("div.accordion div.n-cinema-desc").Each(func(_ int, cinemaItem *goquery.Selection) {
		cinema := strings.TrimSpace(cinemaItem.Find("a.n-cinema").AttrOr("title", ""))
		if cinema == "" {
			slog.Warn("skipping cinema block without title", "provider", novoDescriptor, "movie", movie.Title)
			return
		}
		cinemaItem.Find("ul.n-time li").Each(func(_ int, timeItem *goquery.Selection) {
			link := timeItem.Find("a.n-time").First()
			href, ok := link.Attr("href")
			if !ok {
				return
			}
			clock, err := time.Parse("3:04 PM", strings.TrimSpace(link.Text()))
			if err != nil {
				slog.Warn("skipping unparseable session time", "provider", novoDescriptor,
					"movie", movie.Title, "raw", strings.TrimSpace(link.Text()))
				return
			}
			bookingURL := resolveURL(s.baseURL, href)
			showtimes = append(showtimes, internal.Showtime{
				ID:     uuid.NewSHA1(s.uuidNamespace, []byte(bookingURL)).String(),
				Movie:  movie,
				Cinema: cinema,
				Starts: time.Date(date.Year(), date.Month(), date.Day(),
					clock.Hour(), clock.Minute(), 0, 0, date.Location()),
				Booking: internal.BookingRef{URL: bookingURL},
			})
		})
	})
	return showtimes, nil
}

// novoTicketType is one entry of the GetAllTicketTypes response. The code
// and grouping fields are opaque site tokens and are resubmitted verbatim.
type novoTicketType struct {
	TicketTypeCode         json.RawMessage `json:"TicketTypeCode"`
	TicketPrice            json.RawMessage `json:"TicketPrice"`
	HeadOfficeGroupingCode json.RawMessage `json:"HeadOfficeGroupingCode"`
}

// Seats simulates the first steps of Novo's purchase flow: load the ticket
// page addressed by the booking info token, pick one ticket of every type,
// save the selection to obtain a seat-layout token, then count seats per
// area from the escaped HTML fragment the layout endpoint returns.
func (s *novoScraper) Seats(ctx context.Context, showtime internal.Showtime) ([]internal.SeatArea, error) {
	bookingURL, err := url.Parse(showtime.Booking.URL)
	if err != nil {
		return nil, fmt.Errorf("parse booking url: %w", err)
	}
	info := bookingURL.Query().Get("info")
	if info == "" {
		return nil, errNovoBookingInfoMissing
	}

	session := s.fetcher.Session()
	body, err := session.Get(ctx, s.baseURL+"/tickets/Index", url.Values{
		"info":   {info},
		"offers": {"2"},
	})
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse ticket page: %w", err)
	}
	key, ok := doc.Find("input#hdnkey").Attr("value")
	if !ok {
		return nil, fmt.Errorf("%w: hdnkey", errNovoMissingHiddenField)
	}

	body, err = session.PostForm(ctx, s.baseURL+"/tickets/GetAllTicketTypes", url.Values{"key": {key}}, nil)
	if err != nil {
		return nil, err
	}
	var ticketTypes []novoTicketType
	if err := json.Unmarshal(body, &ticketTypes); err != nil {
		return nil, fmt.Errorf("decode ticket types: %w", err)
	}
	var selection strings.Builder
	for _, tt := range ticketTypes {
		fmt.Fprintf(&selection, "%sx1x%sx%s|",
			rawToken(tt.TicketTypeCode), rawToken(tt.TicketPrice), rawToken(tt.HeadOfficeGroupingCode))
	}

	body, err = session.PostForm(ctx, s.baseURL+"/tickets/SaveUserSelectedTickets", url.Values{
		"selectedtickettypes": {selection.String()},
		"key":                 {key},
	}, nil)
	if err != nil {
		return nil, err
	}
	layoutToken := strings.Trim(strings.TrimSpace(string(body)), `"`)

	body, err = session.PostForm(ctx, s.baseURL+"/Seats/LoadSeatLayout", nil, url.Values{"info": {layoutToken}})
	if err != nil {
		return nil, err
	}
	// The layout endpoint wraps an escaped HTML fragment in a JSON string.
	var fragment string
	if err := json.Unmarshal(body, &fragment); err != nil {
		fragment = string(body)
	}
	areas, err := parseNovoSeatFragment(unescapeFragment(fragment))
	if err != nil {
		return nil, err
	}

	experience, screen := s.seatPageDetails(ctx, session, layoutToken)
	for i := range areas {
		areas[i].Experience = experience
		areas[i].Screen = screen
	}
	return areas, nil
}

// parseNovoSeatFragment walks the seat-map fragment in document order.
// Each h2 opens a named area; list items classed available/occupied are the
// seats; the running counts are flushed when the area's price input (id
// contains hdnOverAllTicketTypeCodeAmount, value "CODE_PRICE") appears.
func parseNovoSeatFragment(fragment string) ([]internal.SeatArea, error) {
	doc, err := parseDoc([]byte(fragment))
	if err != nil {
		return nil, fmt.Errorf("parse seat fragment: %w", err)
	}
	var (
		areas       []internal.SeatArea
		currentArea string
		total, sold int
	)
	doc.Find("*").Each(func(_ int, node *goquery.Selection) {
		switch goquery.NodeName(node) {
		case "h2":
			currentArea = strings.TrimSpace(node.Find("span").First().Text())
		case "li":
			classes := node.AttrOr("class", "")
			if strings.Contains(classes, "novo-availableseats") {
				total++
			} else if strings.Contains(classes, "novo-occupied") {
				total++
				sold++
			}
		case "input":
			if !strings.Contains(node.AttrOr("id", ""), "hdnOverAllTicketTypeCodeAmount") {
				return
			}
			parts := strings.Split(strings.TrimSpace(node.AttrOr("value", "")), "_")
			if len(parts) < 2 || currentArea == "" {
				slog.Warn("skipping seat area with malformed price input", "provider", novoDescriptor, "area", currentArea)
				total, sold = 0, 0
				return
			}
			price, err := decimal.NewFromString(parts[1])
			if err != nil {
				slog.Warn("skipping seat area with unparseable price", "provider", novoDescriptor,
					"area", currentArea, "raw", parts[1])
				total, sold = 0, 0
				return
			}
			areas = append(areas, internal.SeatArea{
				Label: currentArea,
				Total: total,
				Sold:  sold,
				Price: price,
			})
			total, sold = 0, 0
		}
	})
	return areas, nil
}

// seatPageDetails reads experience and screen number off the seat page.
// Both are cosmetic; failures degrade to empty strings rather than dropping
// the showtime's counts.
func (s *novoScraper) seatPageDetails(ctx context.Context, session *fetch.Client, layoutToken string) (experience, screen string) {
	body, err := session.Get(ctx, s.baseURL+"/seats/Index", url.Values{"info": {layoutToken}})
	if err != nil {
		return "", ""
	}
	doc, err := parseDoc(body)
	if err != nil {
		return "", ""
	}
	experience = strings.TrimSpace(doc.Find("input#hdnmovieexp").AttrOr("value", ""))
	heading := strings.Fields(doc.Find("section.novo-seatarea h3").First().Text())
	if len(heading) > 0 {
		screen = heading[len(heading)-1]
	}
	return experience, screen
}
