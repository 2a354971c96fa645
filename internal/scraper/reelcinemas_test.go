package scraper

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reelHomeHTML = `<html><body>
<div class="movie-item" id="Dune: Part Two" onclick='MovieDetailsPage("HO00001","dune-part-two")'>
  <div class="duration-language"><span>166 min</span><span>English</span></div>
</div>
<div class="movie-item" id="Orphan Movie">
  <div class="duration-language"><span>90 min</span><span>Arabic</span></div>
</div>
<div class="movie-item" id="Dune: Part Two" onclick='MovieDetailsPage("HO00001","dune-part-two")'></div>
</body></html>`

const reelMoviePageHTML = `<html><body>
<div class="dboxelement" id="2026-09-05"></div>
<div class="dboxelement" id="2026-09-06"></div>
</body></html>`

const reelShowtimesHTML = `<div>
<a onclick='fnShowSeats("TOKEN123")'><div class="showtime">7:45 PM</div></a>
<a onclick='fnShowSeats("TOKEN456")'><div class="showtime">whenever</div></a>
<a onclick='fnShowSeats()'><div class="showtime">9:00 PM</div></a>
</div>`

const reelSeatLayoutJSON = `{
  "Experience":"Platinum Suites",
  "Sourcedata":{
    "AreaEntityList":[
      {"AreaCode":"0000000001","AreaDescription":"STANDARD","rowEntityList":[
        {"seatEntityList":[{"Status":"Empty"},{"Status":"Empty"},{"Status":"Sold"},{"Status":"Broken"}]}
      ]}
    ],
    "TicketList":[{"AreaCode":"0000000001","PriceInAed":"55.00"}]
  }}`

func newReelTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/en-ae/", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "fresh"})
		_, _ = w.Write([]byte(reelHomeHTML))
	})
	mux.HandleFunc("/en-ae/movie-details/HO00001/dune-part-two", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(reelMoviePageHTML))
	})
	mux.HandleFunc("/en-ae/MovieDetails/GetMovieShowTimes", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "HO00001", r.PostForm.Get("movieId"))
		assert.Equal(t, "2026-09-05", r.PostForm.Get("date"))
		switch r.PostForm.Get("cinemas") {
		case "0001":
			_ = json.NewEncoder(w).Encode(reelShowtimesHTML)
		default:
			_ = json.NewEncoder(w).Encode("<div>No Schedules found</div>")
		}
	})
	mux.HandleFunc("/WebApi/api/UserAPI/CreateMovieCookie", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `"TOKEN123"`, string(body))
		cookie, err := r.Cookie("session")
		require.NoError(t, err, "seat flow must reuse the session cookie")
		assert.Equal(t, "fresh", cookie.Value)
		_, _ = w.Write([]byte(`true`))
	})
	mux.HandleFunc("/WebApi/api/SeatLayourAPI/GetSeatLayout", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(reelSeatLayoutJSON))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestUnit_ReelCinemas_Catalog(t *testing.T) {
	server := newReelTestServer(t)
	s := ReelCinemas(ReelWithBaseURL(server.URL), ReelWithFetcher(newTestFetcher(t, server)))

	movies, err := s.Catalog(context.Background())
	require.NoError(t, err, "Catalog")
	require.Len(t, movies, 1, "link-less and duplicate cards should be dropped")

	assert.Equal(t, "HO00001", movies[0].ID)
	assert.Equal(t, "Dune: Part Two", movies[0].Title)
	assert.Equal(t, server.URL+"/en-ae/movie-details/HO00001/dune-part-two", movies[0].URL)
	assert.Equal(t, "English", movies[0].Language)
}

func TestUnit_ReelCinemas_Showtimes(t *testing.T) {
	server := newReelTestServer(t)
	s := ReelCinemas(ReelWithBaseURL(server.URL), ReelWithFetcher(newTestFetcher(t, server)))
	movie := internal.Movie{
		ID:    "HO00001",
		Title: "Dune: Part Two",
		URL:   server.URL + "/en-ae/movie-details/HO00001/dune-part-two",
	}

	showtimes, err := s.Showtimes(context.Background(), movie, time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err, "Showtimes")
	require.Len(t, showtimes, 1, "only the Dubai Mall fixture lists sessions, minus the malformed ones")

	st := showtimes[0]
	assert.Equal(t, "The Dubai Mall", st.Cinema)
	assert.Equal(t, time.Date(2026, 9, 5, 19, 45, 0, 0, time.UTC), st.Starts)
	assert.Equal(t, "TOKEN123", st.Booking.Token)
}

func TestUnit_ReelCinemas_Showtimes_DateNotOffered(t *testing.T) {
	server := newReelTestServer(t)
	s := ReelCinemas(ReelWithBaseURL(server.URL), ReelWithFetcher(newTestFetcher(t, server)))
	movie := internal.Movie{ID: "HO00001", URL: server.URL + "/en-ae/movie-details/HO00001/dune-part-two"}

	showtimes, err := s.Showtimes(context.Background(), movie, time.Date(2026, 9, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, showtimes)
}

func TestUnit_ReelCinemas_Seats(t *testing.T) {
	server := newReelTestServer(t)
	s := ReelCinemas(ReelWithBaseURL(server.URL), ReelWithFetcher(newTestFetcher(t, server)))

	areas, err := s.Seats(context.Background(), internal.Showtime{Booking: internal.BookingRef{Token: "TOKEN123"}})
	require.NoError(t, err, "Seats")
	require.Len(t, areas, 1)

	area := areas[0]
	assert.Equal(t, "STANDARD", area.Label)
	assert.Equal(t, 3, area.Total, "unknown seat statuses do not count")
	assert.Equal(t, 1, area.Sold)
	assert.Equal(t, "55", area.Price.String())
	assert.Equal(t, "Platinum Suites", area.Experience)
}

func TestUnit_ReelCinemas_Seats_NoToken(t *testing.T) {
	server := newReelTestServer(t)
	s := ReelCinemas(ReelWithBaseURL(server.URL), ReelWithFetcher(newTestFetcher(t, server)))

	_, err := s.Seats(context.Background(), internal.Showtime{})
	require.ErrorIs(t, err, errReelBookingTokenMissing)
}

func TestUnit_ReelCinemas_BookingToken(t *testing.T) {
	doc, err := parseDoc([]byte(`<html><body>
<a id="onclick-token" onclick='book("ABC")'></a>
<a id="href-token" href="javascript:fnSelect('a','b','c','d','e','f','XYZ','h')"></a>
<a id="no-token" href="/somewhere"></a>
</body></html>`))
	require.NoError(t, err)

	token, err := reelBookingToken(doc.Find("a#onclick-token"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", token)

	token, err = reelBookingToken(doc.Find("a#href-token"))
	require.NoError(t, err)
	assert.Equal(t, "XYZ", token)

	_, err = reelBookingToken(doc.Find("a#no-token"))
	require.ErrorIs(t, err, errReelBookingTokenMissing)
}
