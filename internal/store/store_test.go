package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scrapers.db"))
	require.NoError(t, err, "Open")
	return s
}

func TestUnit_Store_EnsureProviderIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureProvider(ctx, "novocinemas", "uae")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, first.Status)
	assert.True(t, first.IsAvailable)

	require.NoError(t, s.SetProviderStatus(ctx, "novocinemas", StatusInProgress))

	again, err := s.EnsureProvider(ctx, "novocinemas", "uae")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, StatusInProgress, again.Status, "ensure must not reset an existing row")

	providers, err := s.Providers(ctx)
	require.NoError(t, err)
	assert.Len(t, providers, 1)
}

func TestUnit_Store_ProviderStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureProvider(ctx, "roxycinemas", "uae")
	require.NoError(t, err)

	require.NoError(t, s.SetProviderStatus(ctx, "roxycinemas", StatusInProgress))
	p, err := s.GetProvider(ctx, "roxycinemas")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, p.Status)

	require.NoError(t, s.SetProviderStatus(ctx, "roxycinemas", StatusAvailable))
	p, err = s.GetProvider(ctx, "roxycinemas")
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, p.Status)

	err = s.SetProviderStatus(ctx, "megaplex", StatusAvailable)
	require.ErrorIs(t, err, ErrProviderNotFound)
	_, err = s.GetProvider(ctx, "megaplex")
	require.ErrorIs(t, err, ErrProviderNotFound)
}

func TestUnit_Store_ClaimProviderIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.EnsureProvider(ctx, "roxycinemas", "uae")
	require.NoError(t, err)

	claimed, err := s.ClaimProvider(ctx, "roxycinemas")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimProvider(ctx, "roxycinemas")
	require.NoError(t, err)
	assert.False(t, claimed, "a claimed provider cannot be claimed again")

	require.NoError(t, s.SetProviderStatus(ctx, "roxycinemas", StatusAvailable))
	claimed, err = s.ClaimProvider(ctx, "roxycinemas")
	require.NoError(t, err)
	assert.True(t, claimed, "releasing the provider makes it claimable again")

	claimed, err = s.ClaimProvider(ctx, "megaplex")
	require.NoError(t, err)
	assert.False(t, claimed, "an unknown provider is never claimable")
}

func TestUnit_Store_TaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := internal.ScrapeRequest{Provider: "novocinemas", Date: time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)}

	task, err := s.StartTask(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "2026-09-05", task.Date)
	assert.Nil(t, task.FinishedAt)

	require.NoError(t, s.FinishTask(ctx, task.ID, 42, errors.New("seat stage fell over")))

	latest, ok, err := s.LatestTask(ctx, "novocinemas")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, latest.ID)
	assert.Equal(t, 42, latest.Rows)
	assert.Equal(t, "seat stage fell over", latest.Error)
	require.NotNil(t, latest.FinishedAt)

	_, ok, err = s.LatestTask(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnit_Store_SaveReportsReusesReferenceRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, err := s.StartTask(ctx, internal.ScrapeRequest{Provider: "novocinemas", Date: time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	starts := time.Date(2026, 9, 5, 21, 30, 0, 0, time.UTC)
	reports := []internal.SeatReport{
		{
			Country: "uae", MovieName: "Dune", Language: "English",
			CinemaName: "Novo IMG Worlds", Starts: starts,
			Experience: "IMAX", Screen: "5", Area: "STANDARD",
			SeatsTotal: 120, SeatsSold: 48,
			Price:      decimal.RequireFromString("45.00"),
			BookingURL: "https://example.test/book/1",
		},
		{
			Country: "uae", MovieName: "Dune", Language: "English",
			CinemaName: "Novo IMG Worlds", Starts: starts,
			Experience: "IMAX", Screen: "5", Area: "VIP",
			SeatsTotal: 20, SeatsSold: 3,
			Price: decimal.RequireFromString("95.00"),
		},
	}
	require.NoError(t, s.SaveReports(ctx, task, reports))

	records, err := s.Records(ctx, "novocinemas", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, records[0].MovieID, records[1].MovieID, "same title maps to one movie row")
	assert.Equal(t, records[0].CinemaID, records[1].CinemaID, "same cinema maps to one cinema row")
	assert.Equal(t, "Dune", records[0].Movie.Title)
	assert.Equal(t, "Novo IMG Worlds", records[0].Cinema.Name)
	assert.Equal(t, task.ID, records[0].TaskID)

	cutoff := time.Now().UTC().Add(time.Hour)
	records, err = s.Records(ctx, "novocinemas", cutoff)
	require.NoError(t, err)
	assert.Empty(t, records, "a future cutoff excludes everything")
}

func TestUnit_Store_ErrorLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordError(ctx, "cinemacity", "seats", errors.New("postback rejected")))
	require.NoError(t, s.RecordError(ctx, "cinemacity", "catalog", errors.New("listing unreachable")))

	logged, err := s.Errors(ctx, "cinemacity")
	require.NoError(t, err)
	require.Len(t, logged, 2)
	for _, entry := range logged {
		assert.Equal(t, "cinemacity", entry.Provider)
		assert.NotEmpty(t, entry.Stage)
		assert.NotEmpty(t, entry.Message)
	}

	logged, err = s.Errors(ctx, "novocinemas")
	require.NoError(t, err)
	assert.Empty(t, logged)
}
