package scraper

import (
	"context"
	"testing"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnit_Registry_Lookup(t *testing.T) {
	novo := &fakeScraper{descriptor: "novocinemas"}
	roxy := &fakeScraper{descriptor: "roxycinemas"}
	r := NewRegistry(WithScraper(novo), WithScraper(roxy))

	got, err := r.GetScraper("roxycinemas")
	require.NoError(t, err)
	assert.Equal(t, "roxycinemas", got.Descriptor())

	_, err = r.GetScraper("megaplex")
	require.ErrorIs(t, err, ErrScraperNotFound)

	assert.Equal(t, []string{"novocinemas", "roxycinemas"}, r.Descriptors(),
		"descriptors keep registration order")
}

func TestUnit_Registry_MiddlewareWrapsScraper(t *testing.T) {
	inner := &fakeScraper{
		descriptor: "novocinemas",
		catalogFn: func(context.Context) ([]internal.Movie, error) {
			return []internal.Movie{{ID: "m"}}, nil
		},
	}
	wrapped := false
	middleware := func(s internal.Scraper) internal.Scraper {
		wrapped = true
		return s
	}
	r := NewRegistry(WithScraper(inner, middleware))

	assert.True(t, wrapped, "middleware must run at registration")
	got, err := r.GetScraper("novocinemas")
	require.NoError(t, err)

	_, err = got.Catalog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.catalogCalls.Load())
}
