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
	"sync"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/fetch"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	defaultStarSiteURL = "https://www.starcinemas.ae"
	defaultStarAPIURL  = "https://web-api.starcinemas.ae"
	starDescriptor     = "starcinemas"
	starCountry        = "uae"
	starConcurrency    = 25
)

var (
	errStarAuthKeyNotFound = errors.New("starcinemas: authorization key not found in js bundle")
)

// starAuthKeyRE matches the API key the site's own SPA embeds next to its
// cloudfront asset host in the main JS bundle.
var starAuthKeyRE = regexp.MustCompile(`\.cloudfront\.net",s="([^"]+)"`)

type starScraper struct {
	siteURL       string
	apiURL        string
	uuidNamespace uuid.UUID
	fetcher       *fetch.Client

	authMu  sync.Mutex
	authKey string
}

// StarOption applies configuration to a Star Cinemas scraper.
type StarOption func(*starScraper)

// StarWithSiteURL sets the public site base URL (auth key discovery).
func StarWithSiteURL(baseURL string) StarOption {
	return func(s *starScraper) {
		s.siteURL = baseURL
	}
}

// StarWithAPIURL sets the web-api base URL.
func StarWithAPIURL(baseURL string) StarOption {
	return func(s *starScraper) {
		s.apiURL = baseURL
	}
}

// StarWithFetcher injects the fetch client.
func StarWithFetcher(f *fetch.Client) StarOption {
	return func(s *starScraper) {
		s.fetcher = f
	}
}

func StarCinemas(opts ...StarOption) internal.Scraper {
	s := &starScraper{
		siteURL: defaultStarSiteURL,
		apiURL:  defaultStarAPIURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.uuidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.apiURL))
	if s.fetcher == nil {
		s.fetcher = fetch.New(starDescriptor, fetch.WithConcurrency(starConcurrency))
	}
	return s
}

func (s *starScraper) Descriptor() string { return starDescriptor }
func (s *starScraper) Country() string    { return starCountry }
func (s *starScraper) Concurrency() int   { return starConcurrency }

// ensureAuth scrapes the API authorization key out of the site's main JS
// bundle and installs it as a header on the fetch client. The key is
// discovered once per scraper and reused for the whole run.
func (s *starScraper) ensureAuth(ctx context.Context) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	if s.authKey != "" {
		return nil
	}
	body, err := s.fetcher.Get(ctx, s.siteURL+"/", nil)
	if err != nil {
		return err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return fmt.Errorf("parse home page: %w", err)
	}
	var jsURL string
	doc.Find("script").Each(func(_ int, script *goquery.Selection) {
		if src := script.AttrOr("src", ""); strings.Contains(src, "/static/js/main.") {
			jsURL = resolveURL(s.siteURL, src)
		}
	})
	if jsURL == "" {
		return errStarAuthKeyNotFound
	}
	js, err := s.fetcher.Get(ctx, jsURL, nil)
	if err != nil {
		return err
	}
	match := starAuthKeyRE.FindSubmatch(js)
	if match == nil {
		return errStarAuthKeyNotFound
	}
	s.authKey = string(match[1])
	s.fetcher.SetHeader("authorization", s.authKey)
	return nil
}

type starListResponse struct {
	Records struct {
		Data []json.RawMessage `json:"data"`
	} `json:"Records"`
}

func (s *starScraper) Catalog(ctx context.Context) ([]internal.Movie, error) {
	if err := s.ensureAuth(ctx); err != nil {
		return nil, err
	}
	body, err := s.fetcher.Get(ctx, s.apiURL+"/api/cinema/admin/now-showing-confirmed-list", url.Values{
		"limit":       {"1000"},
		"currentPage": {"1"},
		"rtk":         {"true"},
	})
	if err != nil {
		return nil, err
	}
	var resp starListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode now-showing list: %w", err)
	}

	var movies []internal.Movie
	for _, raw := range resp.Records.Data {
		var item struct {
			MovieID    json.RawMessage `json:"movie_id"`
			MovieTitle string          `json:"movie_title"`
			LangName   string          `json:"lang_name"`
		}
		if err := json.Unmarshal(raw, &item); err != nil || item.MovieTitle == "" {
			slog.Warn("skipping malformed movie record", "provider", starDescriptor, "error", err)
			continue
		}
		movies = append(movies, internal.Movie{
			ID:       rawToken(item.MovieID),
			Title:    item.MovieTitle,
			Language: item.LangName,
		})
	}
	return movies, nil
}

func (s *starScraper) Showtimes(ctx context.Context, movie internal.Movie, date time.Time) ([]internal.Showtime, error) {
	body, err := s.fetcher.Get(ctx, s.apiURL+"/api/cinema/admin/movie-confirmed-list/"+movie.ID, url.Values{
		"fromDate": {date.Format(time.DateOnly)},
	})
	if err != nil {
		return nil, err
	}
	var resp starListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode showtime list: %w", err)
	}

	var showtimes []internal.Showtime
	for _, raw := range resp.Records.Data {
		var item struct {
			StartTime      string          `json:"ss_start_show_time"`
			CinemaName     string          `json:"cine_name"`
			ScreenID       json.RawMessage `json:"screen_id"`
			ScreenName     string          `json:"screen_name"`
			MovieDetailsID json.RawMessage `json:"movie_details_id"`
			SessionID      json.RawMessage `json:"ss_id"`
			Format         string          `json:"mf_name"`
			ShowType       json.RawMessage `json:"showType"`
		}
		if err := json.Unmarshal(raw, &item); err != nil {
			slog.Warn("skipping malformed showtime record", "provider", starDescriptor, "error", err)
			continue
		}
		clock, err := time.Parse("15:04", item.StartTime)
		if err != nil {
			slog.Warn("skipping showtime with unparseable start time", "provider", starDescriptor,
				"movie", movie.Title, "raw", item.StartTime)
			continue
		}
		sessionID := rawToken(item.SessionID)
		showtimes = append(showtimes, internal.Showtime{
			ID:     uuid.NewSHA1(s.uuidNamespace, []byte(sessionID)).String(),
			Movie:  movie,
			Cinema: item.CinemaName,
			Starts: time.Date(date.Year(), date.Month(), date.Day(),
				clock.Hour(), clock.Minute(), 0, 0, date.Location()),
			Screen:     item.ScreenName,
			Experience: item.Format,
			Booking: internal.BookingRef{
				Token: sessionID,
				Fields: map[string]string{
					"screen_id":      rawToken(item.ScreenID),
					"ss_id":          sessionID,
					"md_id":          rawToken(item.MovieDetailsID),
					"type_seat_show": rawToken(item.ShowType),
				},
			},
		})
	}
	return showtimes, nil
}

// Seats posts the showtime's composite booking key to the seat-layout API
// and groups the returned seat records by seating type.
func (s *starScraper) Seats(ctx context.Context, showtime internal.Showtime) ([]internal.SeatArea, error) {
	form := url.Values{}
	for k, v := range showtime.Booking.Fields {
		form.Set(k, v)
	}
	body, err := s.fetcher.PostForm(ctx, s.apiURL+"/api/external/seat-layout", nil, form)
	if err != nil {
		return nil, err
	}
	var layout struct {
		SeatTypes []struct {
			ID   json.RawMessage `json:"sst_id"`
			Name string          `json:"sst_seat_type"`
		} `json:"screen_seat_type"`
		Records []struct {
			SeatTypeID  json.RawMessage `json:"screen_seat_type_id"`
			Price       json.RawMessage `json:"seat_price"`
			BookingDone bool            `json:"is_booking_done"`
		} `json:"Records"`
	}
	if err := json.Unmarshal(body, &layout); err != nil {
		return nil, fmt.Errorf("decode seat layout: %w", err)
	}

	var areas []internal.SeatArea
	for _, seatType := range layout.SeatTypes {
		typeID := rawToken(seatType.ID)
		var total, sold int
		price := decimal.Zero
		for _, seat := range layout.Records {
			if rawToken(seat.SeatTypeID) != typeID {
				continue
			}
			total++
			if p, err := decimal.NewFromString(rawToken(seat.Price)); err == nil {
				price = p
			}
			if seat.BookingDone {
				sold++
			}
		}
		areas = append(areas, internal.SeatArea{
			Label: seatType.Name,
			Total: total,
			Sold:  sold,
			Price: price,
		})
	}
	return areas, nil
}
