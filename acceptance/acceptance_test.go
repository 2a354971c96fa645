package acceptance

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LopatKing/cinema-scrapers/internal/fetch"
	"github.com/LopatKing/cinema-scrapers/internal/queue"
	"github.com/LopatKing/cinema-scrapers/internal/runner"
	"github.com/LopatKing/cinema-scrapers/internal/scraper"
	"github.com/LopatKing/cinema-scrapers/internal/server"
	"github.com/LopatKing/cinema-scrapers/internal/store"
)

// newProviderSite serves a minimal but complete Novo-shaped booking site:
// one movie, one session on 2026-09-05, one seating area.
func newProviderSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Common/GetNowShowingMovies", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div class="n-movie-poster">
			<a href="/movies/uae/1234-dune" title="Dune"></a><p>English</p></div>`))
	})
	mux.HandleFunc("/movies/uae/1234-dune", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<input id="SelectedLanguageId" value="2"/>
			<li class="dateselected" onclick="getShows('2026-09-05')"></li>`))
	})
	mux.HandleFunc("/moviedetails/GetAllShowsByMovie", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div class="accordion"><div class="n-cinema-desc">
			<a class="n-cinema" title="Novo IMG Worlds"></a>
			<ul class="n-time"><li><a class="n-time" href="/tickets/Index?info=abc">9:30 PM</a></li></ul>
			</div></div>`))
	})
	mux.HandleFunc("/tickets/Index", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<input id="hdnkey" value="K1"/>`))
	})
	mux.HandleFunc("/tickets/GetAllTicketTypes", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"TicketTypeCode":"0001","TicketPrice":45.00,"HeadOfficeGroupingCode":"G1"}]`))
	})
	mux.HandleFunc("/tickets/SaveUserSelectedTickets", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"L1"`))
	})
	mux.HandleFunc("/Seats/LoadSeatLayout", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(`<div><h2><span>STANDARD</span></h2>
			<ul><li class="novo-availableseats"></li><li class="novo-availableseats"></li>
			<li class="novo-occupied"></li></ul>
			<input id="hdnOverAllTicketTypeCodeAmount_1" value="0001_45.00"/></div>`)
	})
	mux.HandleFunc("/seats/Index", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<input id="hdnmovieexp" value="2D"/>
			<section class="novo-seatarea"><h3>SCREEN 3</h3></section>`))
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)
	return site
}

func TestAcceptance_ScanToExport(t *testing.T) {
	site := newProviderSite(t)
	fetcher := fetch.New("novocinemas",
		fetch.WithHTTPClient(site.Client()),
		fetch.WithBackoff(func(int) time.Duration { return 0 }),
		fetch.WithMaxAttempts(2),
	)
	registry := scraper.NewRegistry(scraper.WithScraper(
		scraper.NovoCinemas(scraper.NovoWithBaseURL(site.URL), scraper.NovoWithFetcher(fetcher)),
	))

	st, err := store.Open(filepath.Join(t.TempDir(), "acceptance.db"))
	require.NoError(t, err)
	run := runner.New(registry, st)
	srv := server.New(registry, st, queue.NewLocal(run))
	api := srv.Router()

	do := func(method, target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		api.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
		return rec
	}

	rec := do(http.MethodPost, "/providers/novocinemas/scan?date=2026-09-05")
	require.Equal(t, http.StatusAccepted, rec.Code, "scan should be dispatched")

	// The dispatched run is asynchronous; poll status until it lands.
	require.Eventually(t, func() bool {
		rec := do(http.MethodGet, "/providers/novocinemas/status")
		if rec.Code != http.StatusOK {
			return false
		}
		var resp struct {
			Status string      `json:"status"`
			Task   *store.Task `json:"task"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Status == store.StatusAvailable && resp.Task != nil && resp.Task.FinishedAt != nil
	}, 10*time.Second, 50*time.Millisecond, "scan never finished")

	rec = do(http.MethodGet, "/providers/novocinemas/export.csv")
	require.Equal(t, http.StatusOK, rec.Code)
	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2, "header plus one seat area")

	row := rows[1]
	assert.Equal(t, "Dune", row[0])
	assert.Equal(t, "Novo IMG Worlds", row[1])
	assert.Equal(t, "2026-09-05 21:30", row[2])
	assert.Equal(t, "2D", row[3])
	assert.Equal(t, "3", row[4])
	assert.Equal(t, "STANDARD", row[5])
	assert.Equal(t, "3", row[6])
	assert.Equal(t, "1", row[7])
	assert.Equal(t, "English", row[10])

	rec = do(http.MethodGet, "/providers/novocinemas/errors")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String(), "a clean run logs no errors")
}
