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
	defaultReelBaseURL = "https://reelcinemas.com"
	reelDescriptor     = "reelcinemas"
	reelCountry        = "uae"
	reelConcurrency    = 50
)

var errReelBookingTokenMissing = errors.New("reelcinemas: showtime link carries no booking token")

// reelCinemas maps the site's internal cinema codes to display names. The
// site only exposes showtimes per cinema code, never a cinema listing.
var reelCinemaCodes = []struct {
	code string
	name string
}{
	{"0001", "The Dubai Mall"},
	{"0002", "Dubai Marina Mall"},
	{"0006", "The Springs Souk"},
}

var reelDetailsPageRE = regexp.MustCompile(`MovieDetailsPage\("(.*?)","(.*?)"\)`)

type reelScraper struct {
	baseURL       string
	uuidNamespace uuid.UUID
	fetcher       *fetch.Client
}

// ReelOption applies configuration to a Reel Cinemas scraper.
type ReelOption func(*reelScraper)

// ReelWithBaseURL sets the base URL (e.g. httptest.Server.URL in tests).
func ReelWithBaseURL(baseURL string) ReelOption {
	return func(s *reelScraper) {
		s.baseURL = baseURL
	}
}

// ReelWithFetcher injects the fetch client.
func ReelWithFetcher(f *fetch.Client) ReelOption {
	return func(s *reelScraper) {
		s.fetcher = f
	}
}

func ReelCinemas(opts ...ReelOption) internal.Scraper {
	s := &reelScraper{
		baseURL: defaultReelBaseURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.uuidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.baseURL))
	if s.fetcher == nil {
		s.fetcher = fetch.New(reelDescriptor, fetch.WithConcurrency(reelConcurrency))
	}
	return s
}

func (s *reelScraper) Descriptor() string { return reelDescriptor }
func (s *reelScraper) Country() string    { return reelCountry }
func (s *reelScraper) Concurrency() int   { return reelConcurrency }

func (s *reelScraper) Catalog(ctx context.Context) ([]internal.Movie, error) {
	body, err := s.fetcher.Get(ctx, s.baseURL+"/en-ae/", nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse home page: %w", err)
	}

	var movies []internal.Movie
	seen := make(map[string]bool)
	doc.Find("div.movie-item").Each(func(_ int, card *goquery.Selection) {
		title, ok := card.Attr("id")
		if !ok || title == "" {
			slog.Warn("skipping movie card without id", "provider", reelDescriptor)
			return
		}
		match := reelDetailsPageRE.FindStringSubmatch(card.AttrOr("onclick", ""))
		if match == nil {
			card.Find("[onclick]").EachWithBreak(func(_ int, el *goquery.Selection) bool {
				match = reelDetailsPageRE.FindStringSubmatch(el.AttrOr("onclick", ""))
				return match == nil
			})
		}
		if match == nil {
			slog.Warn("skipping movie card without details link", "provider", reelDescriptor, "title", title)
			return
		}
		movieID, slug := match[1], match[2]
		if seen[movieID] {
			return
		}
		seen[movieID] = true

		language := strings.TrimSpace(card.Find("div.duration-language span").Last().Text())
		if language == "" {
			language = strings.TrimSpace(doc.Find("div.duration-language span").Last().Text())
		}
		movies = append(movies, internal.Movie{
			ID:       movieID,
			Title:    title,
			URL:      fmt.Sprintf("%s/en-ae/movie-details/%s/%s", s.baseURL, movieID, slug),
			Language: language,
		})
	})
	return movies, nil
}

func (s *reelScraper) Showtimes(ctx context.Context, movie internal.Movie, date time.Time) ([]internal.Showtime, error) {
	body, err := s.fetcher.Get(ctx, movie.URL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse movie page: %w", err)
	}

	// The date strip is a row of dboxelement divs whose ids are the dates
	// with sessions; only continue when the requested one is offered.
	target := date.Format(time.DateOnly)
	offered := false
	doc.Find("div.dboxelement").Each(func(_ int, item *goquery.Selection) {
		if item.AttrOr("id", "") == target {
			offered = true
		}
	})
	if !offered {
		return nil, nil
	}

	var showtimes []internal.Showtime
	for _, cinema := range reelCinemaCodes {
		perCinema, err := s.cinemaShowtimes(ctx, movie, date, cinema.code, cinema.name)
		if err != nil {
			slog.Warn("skipping cinema with failed showtime listing", "provider", reelDescriptor,
				"movie", movie.Title, "cinema", cinema.name, "error", err)
			continue
		}
		showtimes = append(showtimes, perCinema...)
	}
	return showtimes, nil
}

func (s *reelScraper) cinemaShowtimes(ctx context.Context, movie internal.Movie, date time.Time, code, cinemaName string) ([]internal.Showtime, error) {
	body, err := s.fetcher.PostForm(ctx, s.baseURL+"/en-ae/MovieDetails/GetMovieShowTimes", url.Values{
		"movieId": {movie.ID},
		"date":    {date.Format(time.DateOnly)},
		"cinemas": {code},
	}, nil)
	if err != nil {
		return nil, err
	}
	// The endpoint wraps its HTML in a JSON string.
	var markup string
	if err := json.Unmarshal(body, &markup); err != nil {
		markup = string(body)
	}
	if strings.Contains(markup, "No Schedules found") {
		return nil, nil
	}
	doc, err := parseDoc([]byte(markup))
	if err != nil {
		return nil, fmt.Errorf("parse showtime listing: %w", err)
	}

	var showtimes []internal.Showtime
	doc.Find("a").Each(func(_ int, link *goquery.Selection) {
		token, err := reelBookingToken(link)
		if err != nil {
			slog.Warn("skipping showtime link without booking token", "provider", reelDescriptor,
				"movie", movie.Title, "cinema", cinemaName)
			return
		}
		clock, err := time.Parse("3:04 PM", strings.TrimSpace(link.Find("div.showtime").Text()))
		if err != nil {
			slog.Warn("skipping unparseable session time", "provider", reelDescriptor,
				"movie", movie.Title, "raw", strings.TrimSpace(link.Find("div.showtime").Text()))
			return
		}
		showtimes = append(showtimes, internal.Showtime{
			ID:     uuid.NewSHA1(s.uuidNamespace, []byte(token)).String(),
			Movie:  movie,
			Cinema: cinemaName,
			Starts: time.Date(date.Year(), date.Month(), date.Day(),
				clock.Hour(), clock.Minute(), 0, 0, date.Location()),
			Booking: internal.BookingRef{Token: token},
		})
	})
	return showtimes, nil
}

var reelQuotedRE = regexp.MustCompile(`"([^"]*)"`)

// reelBookingToken digs the seat-flow token out of a showtime link: either
// the first quoted argument of its onclick, or the seventh "','"-separated
// field of its href.
func reelBookingToken(link *goquery.Selection) (string, error) {
	if onclick, ok := link.Attr("onclick"); ok {
		if match := reelQuotedRE.FindStringSubmatch(onclick); match != nil {
			return match[1], nil
		}
		return "", errReelBookingTokenMissing
	}
	if href, ok := link.Attr("href"); ok {
		parts := strings.Split(href, "','")
		if len(parts) > 6 {
			return parts[6], nil
		}
	}
	return "", errReelBookingTokenMissing
}

// Seats opens a fresh cookie session, registers the booking token via the
// CreateMovieCookie API, then reads the seat layout the session now points
// at. Counts come from per-seat Status fields, prices from the area-coded
// ticket list.
func (s *reelScraper) Seats(ctx context.Context, showtime internal.Showtime) ([]internal.SeatArea, error) {
	if showtime.Booking.Token == "" {
		return nil, errReelBookingTokenMissing
	}
	session := s.fetcher.Session()
	if _, err := session.Get(ctx, s.baseURL+"/en-ae/", nil); err != nil {
		return nil, err
	}
	if _, err := session.PostJSON(ctx, s.baseURL+"/WebApi/api/UserAPI/CreateMovieCookie", nil, showtime.Booking.Token); err != nil {
		return nil, err
	}
	body, err := session.Get(ctx, s.baseURL+"/WebApi/api/SeatLayourAPI/GetSeatLayout", nil)
	if err != nil {
		return nil, err
	}

	var layout struct {
		Experience string `json:"Experience"`
		Sourcedata struct {
			AreaEntityList []struct {
				AreaCode        json.RawMessage `json:"AreaCode"`
				AreaDescription string          `json:"AreaDescription"`
				RowEntityList   []struct {
					SeatEntityList []struct {
						Status string `json:"Status"`
					} `json:"seatEntityList"`
				} `json:"rowEntityList"`
			} `json:"AreaEntityList"`
			TicketList []struct {
				AreaCode   json.RawMessage `json:"AreaCode"`
				PriceInAed json.RawMessage `json:"PriceInAed"`
			} `json:"TicketList"`
		} `json:"Sourcedata"`
	}
	if err := json.Unmarshal(body, &layout); err != nil {
		return nil, fmt.Errorf("decode seat layout: %w", err)
	}

	var areas []internal.SeatArea
	for _, area := range layout.Sourcedata.AreaEntityList {
		var empty, sold int
		for _, row := range area.RowEntityList {
			for _, seat := range row.SeatEntityList {
				switch seat.Status {
				case "Empty":
					empty++
				case "Sold":
					sold++
				}
			}
		}
		price := decimal.Zero
		for _, ticket := range layout.Sourcedata.TicketList {
			if rawToken(ticket.AreaCode) == rawToken(area.AreaCode) {
				if p, err := decimal.NewFromString(rawToken(ticket.PriceInAed)); err == nil {
					price = p
				}
			}
		}
		areas = append(areas, internal.SeatArea{
			Label:      area.AreaDescription,
			Total:      empty + sold,
			Sold:       sold,
			Price:      price,
			Experience: layout.Experience,
		})
	}
	return areas, nil
}
