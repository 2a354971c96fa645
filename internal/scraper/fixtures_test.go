package scraper

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal/fetch"
)

// newTestFetcher builds a fetch client wired to a fixture server, with
// retries kept cheap so failure paths do not slow the suite down.
func newTestFetcher(t *testing.T, server *httptest.Server, opts ...fetch.Option) *fetch.Client {
	t.Helper()
	base := []fetch.Option{
		fetch.WithHTTPClient(server.Client()),
		fetch.WithBackoff(func(int) time.Duration { return 0 }),
		fetch.WithMaxAttempts(2),
	}
	return fetch.New("test", append(base, opts...)...)
}
