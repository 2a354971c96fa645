package scraper

import (
	"context"
	"encoding/json"
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
	defaultRoxyBaseURL = "https://www.theroxycinemas.com"
	roxyDescriptor     = "roxycinemas"
	roxyCountry        = "uae"
	roxyConcurrency    = 20
)

var (
	errRoxySessionFieldsMissing = errors.New("roxycinemas: offer page carries no session or cinema id")
	errRoxyShowtimeIDMissing    = errors.New("roxycinemas: session span carries no showtime id")
)

type roxyScraper struct {
	baseURL       string
	uuidNamespace uuid.UUID
	fetcher       *fetch.Client
}

// RoxyOption applies configuration to a Roxy Cinemas scraper.
type RoxyOption func(*roxyScraper)

// RoxyWithBaseURL sets the base URL (e.g. httptest.Server.URL in tests).
func RoxyWithBaseURL(baseURL string) RoxyOption {
	return func(s *roxyScraper) {
		s.baseURL = baseURL
	}
}

// RoxyWithFetcher injects the fetch client.
func RoxyWithFetcher(f *fetch.Client) RoxyOption {
	return func(s *roxyScraper) {
		s.fetcher = f
	}
}

func RoxyCinemas(opts ...RoxyOption) internal.Scraper {
	s := &roxyScraper{
		baseURL: defaultRoxyBaseURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.uuidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(s.baseURL))
	if s.fetcher == nil {
		s.fetcher = fetch.New(roxyDescriptor, fetch.WithConcurrency(roxyConcurrency))
	}
	return s
}

func (s *roxyScraper) Descriptor() string { return roxyDescriptor }
func (s *roxyScraper) Country() string    { return roxyCountry }
func (s *roxyScraper) Concurrency() int   { return roxyConcurrency }

func (s *roxyScraper) Catalog(ctx context.Context) ([]internal.Movie, error) {
	body, err := s.fetcher.PostForm(ctx, s.baseURL+"/Home/HomeNowShowing", nil, nil)
	if err != nil {
		return nil, err
	}
	var listed []struct {
		ID           json.RawMessage `json:"ID"`
		Title        string          `json:"Title"`
		FilterdTitle string          `json:"FilterdTitle"`
		Language     string          `json:"language"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		return nil, fmt.Errorf("decode now-showing listing: %w", err)
	}

	var movies []internal.Movie
	for _, entry := range listed {
		if entry.FilterdTitle == "" {
			slog.Warn("skipping movie without details slug", "provider", roxyDescriptor, "title", entry.Title)
			continue
		}
		movies = append(movies, internal.Movie{
			ID:       rawToken(entry.ID),
			Title:    entry.Title,
			URL:      s.baseURL + "/movie-details/" + entry.FilterdTitle,
			Language: entry.Language,
		})
	}
	return movies, nil
}

// Showtimes reads the showtime accordion the movie page renders per cinema.
// The endpoint wraps escaped HTML in a JSON string; each cinema group pairs
// an experience column with a column of session spans, and the span's parent
// li carries the showtime id as its only non-onclick attribute.
func (s *roxyScraper) Showtimes(ctx context.Context, movie internal.Movie, date time.Time) ([]internal.Showtime, error) {
	body, err := s.fetcher.PostForm(ctx, s.baseURL+"/MovieDetails/GetMovieShowTimes", url.Values{
		"movieId":    {movie.ID},
		"date":       {date.Format(time.DateOnly)},
		"experience": {""},
	}, nil)
	if err != nil {
		return nil, err
	}
	var wrapped string
	if err := json.Unmarshal(body, &wrapped); err != nil {
		wrapped = string(body)
	}
	markup := unescapeFragment(wrapped)
	doc, err := parseDoc([]byte(markup))
	if err != nil {
		return nil, fmt.Errorf("parse showtime listing: %w", err)
	}

	var showtimes []internal.Showtime
	doc.Find("section.maccordion-group").Each(func(_ int, group *goquery.Selection) {
		cinema := strings.TrimSpace(strings.ReplaceAll(group.Find("h2").First().Text(), "&", ""))
		experiences := group.Find("section.cinema-exp")
		group.Find("section.cscreen-showtimigs").Each(func(i int, column *goquery.Selection) {
			experience := strings.TrimSpace(experiences.Eq(i).Find("h3").Text())
			column.Find("span.rc-mstspan").Each(func(_ int, span *goquery.Selection) {
				id, err := roxyShowtimeID(span, markup)
				if err != nil {
					slog.Warn("skipping session span without showtime id", "provider", roxyDescriptor,
						"movie", movie.Title, "cinema", cinema)
					return
				}
				clock, err := time.Parse("15:04", strings.TrimSpace(span.Text()))
				if err != nil {
					slog.Warn("skipping unparseable session time", "provider", roxyDescriptor,
						"movie", movie.Title, "raw", strings.TrimSpace(span.Text()))
					return
				}
				showtimes = append(showtimes, internal.Showtime{
					ID:         uuid.NewSHA1(s.uuidNamespace, []byte(id)).String(),
					Movie:      movie,
					Cinema:     cinema,
					Experience: experience,
					Starts: time.Date(date.Year(), date.Month(), date.Day(),
						clock.Hour(), clock.Minute(), 0, 0, date.Location()),
					Booking: internal.BookingRef{
						URL:   s.baseURL + "/offer/" + id,
						Token: id,
					},
				})
			})
		})
	})
	return showtimes, nil
}

// roxyShowtimeID recovers the session id from the span's parent li, where it
// is the sole attribute besides onclick. The tokenizer lower-cases attribute
// names, so the original casing is restored from the raw markup.
func roxyShowtimeID(span *goquery.Selection, markup string) (string, error) {
	parent := span.Parent()
	if len(parent.Nodes) == 0 {
		return "", errRoxyShowtimeIDMissing
	}
	for _, attr := range parent.Nodes[0].Attr {
		if attr.Key == "onclick" {
			continue
		}
		return restoreCase(markup, attr.Key), nil
	}
	return "", errRoxyShowtimeIDMissing
}

// Seats walks the live booking flow on a fresh cookie session: open the
// offer page, price one ticket per type, commit the selection, then read the
// seat layout the committed selection unlocks.
func (s *roxyScraper) Seats(ctx context.Context, showtime internal.Showtime) ([]internal.SeatArea, error) {
	session := s.fetcher.Session()
	body, err := session.Get(ctx, showtime.Booking.URL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return nil, fmt.Errorf("parse offer page: %w", err)
	}
	sessionID, okSession := doc.Find("input#hdn_Sessionid").Attr("value")
	cinemaID, okCinema := doc.Find("input#hdn_Cinemaid").Attr("value")
	if !okSession || !okCinema || sessionID == "" || cinemaID == "" {
		return nil, errRoxySessionFieldsMissing
	}

	ticketDetails, total, err := s.selectTickets(ctx, session, sessionID, cinemaID)
	if err != nil {
		return nil, err
	}
	if _, err := session.PostJSON(ctx, s.baseURL+"/offers/UpdateTickettypedetails", nil, map[string]string{
		"sessionid":   sessionID,
		"Tdetails":    ticketDetails,
		"totalamount": "AED " + total.String(),
		"Skipseat":    "False",
		"Skipfnb":     "False",
	}); err != nil {
		return nil, err
	}

	screen, err := s.screenName(ctx, session, showtime.Booking.Token, sessionID)
	if err != nil {
		slog.Warn("seat page carries no screen name", "provider", roxyDescriptor,
			"showtime", showtime.ID, "error", err)
	}

	body, err = session.PostForm(ctx, s.baseURL+"/Seats/GetSeatLayout", url.Values{
		"Ticketdetails":  {ticketDetails},
		"SequenceNumber": {""},
		"RecognitionID":  {""},
		"isavail":        {""},
		"OfferQty":       {""},
		"OfferName":      {""},
		"PointsCost":     {""},
		"TTypeCode":      {""},
		"VistaId":        {""},
		"specialshow":    {"0"},
	}, nil)
	if err != nil {
		return nil, err
	}
	var wrapped string
	if err := json.Unmarshal(body, &wrapped); err != nil {
		wrapped = string(body)
	}
	areas, err := parseRoxySeatFragment(unescapeFragment(wrapped))
	if err != nil {
		return nil, err
	}
	for i := range areas {
		areas[i].Screen = screen
	}
	return areas, nil
}

// selectTickets prices one ticket per non-package type and renders the
// selection string the seat layout endpoint expects.
func (s *roxyScraper) selectTickets(ctx context.Context, session *fetch.Client, sessionID, cinemaID string) (string, decimal.Decimal, error) {
	body, err := session.PostForm(ctx, s.baseURL+"/offers/TickettypeDetails", url.Values{
		"sessionid":   {sessionID},
		"cinemaid":    {cinemaID},
		"Type":        {"Normal"},
		"specialshow": {"0"},
	}, nil)
	if err != nil {
		return "", decimal.Zero, err
	}
	var tickets []struct {
		Ticketcode       json.RawMessage `json:"Ticketcode"`
		AreaCategorycode json.RawMessage `json:"AreaCategorycode"`
		Amount           json.RawMessage `json:"Amount"`
		IspackageTicket  bool            `json:"IspackageTicket"`
	}
	if err := json.Unmarshal(body, &tickets); err != nil {
		return "", decimal.Zero, fmt.Errorf("decode ticket types: %w", err)
	}

	var details strings.Builder
	total := decimal.Zero
	for _, ticket := range tickets {
		if ticket.IspackageTicket {
			continue
		}
		amount := rawToken(ticket.Amount)
		fmt.Fprintf(&details, "1|%s|%s|%s|false~", amount, rawToken(ticket.Ticketcode), rawToken(ticket.AreaCategorycode))
		if parsed, err := decimal.NewFromString(amount); err == nil {
			total = total.Add(parsed)
		}
	}
	return details.String(), total, nil
}

func (s *roxyScraper) screenName(ctx context.Context, session *fetch.Client, showtimeID, sessionID string) (string, error) {
	body, err := session.Get(ctx, s.baseURL+"/seats/"+showtimeID, url.Values{"sessionid": {sessionID}})
	if err != nil {
		return "", err
	}
	doc, err := parseDoc(body)
	if err != nil {
		return "", err
	}
	screen := strings.TrimSpace(doc.Find("h1").First().Text())
	screen = strings.TrimSpace(strings.TrimSuffix(screen, "~ Xtreme"))
	return screen, nil
}

// parseRoxySeatFragment reads the seat layout fragment. Each disabledArea
// section names an area in its h2, carries the area code as the last id
// segment, and prices it through the hidden inputs keyed by that code.
func parseRoxySeatFragment(markup string) ([]internal.SeatArea, error) {
	doc, err := parseDoc([]byte(markup))
	if err != nil {
		return nil, fmt.Errorf("parse seat layout: %w", err)
	}

	var areas []internal.SeatArea
	doc.Find("section.disabledArea").Each(func(_ int, section *goquery.Selection) {
		heading := section.Find("h2").First()
		label := strings.TrimSpace(heading.Text())
		if label == "" {
			slog.Warn("skipping seat area without name", "provider", roxyDescriptor)
			return
		}
		headingID := heading.AttrOr("id", "")
		areaID := headingID[strings.LastIndex(headingID, "_")+1:]

		price := decimal.Zero
		section.Find("input").EachWithBreak(func(_ int, input *goquery.Selection) bool {
			id := input.AttrOr("id", "")
			if areaID == "" || !strings.HasPrefix(id, areaID+"_") {
				return true
			}
			raw := id[strings.LastIndex(id, "_")+1:]
			if parsed, err := decimal.NewFromString(raw); err == nil {
				price = parsed
			}
			return false
		})

		available := section.Find("li.rc-availableseat").Length()
		sold := section.Find("li.rc-selectedseats").Length()
		areas = append(areas, internal.SeatArea{
			Label: label,
			Total: available + sold,
			Sold:  sold,
			Price: price,
		})
	})
	return areas, nil
}
