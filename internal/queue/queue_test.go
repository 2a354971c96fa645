package queue

import (
	"context"
	"testing"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingScanner struct {
	requests chan internal.ScrapeRequest
}

func (r *recordingScanner) Scan(_ context.Context, req internal.ScrapeRequest) (store.Task, error) {
	r.requests <- req
	return store.Task{ID: "task-1", Provider: req.Provider}, nil
}

func TestUnit_Queue_LocalDispatchRunsScan(t *testing.T) {
	scanner := &recordingScanner{requests: make(chan internal.ScrapeRequest, 1)}
	local := NewLocal(scanner)

	req := internal.ScrapeRequest{
		Provider: "novocinemas",
		Date:     time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, local.Dispatch(context.Background(), req))

	select {
	case got := <-scanner.requests:
		assert.Equal(t, "novocinemas", got.Provider)
		assert.Equal(t, "2026-09-05", got.DateString())
	case <-time.After(2 * time.Second):
		t.Fatal("dispatched scan never ran")
	}
}

func TestUnit_Queue_LocalDispatchOutlivesCaller(t *testing.T) {
	scanner := &recordingScanner{requests: make(chan internal.ScrapeRequest, 1)}
	local := NewLocal(scanner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, local.Dispatch(ctx, internal.ScrapeRequest{Provider: "roxycinemas"}))

	select {
	case got := <-scanner.requests:
		assert.Equal(t, "roxycinemas", got.Provider)
	case <-time.After(2 * time.Second):
		t.Fatal("scan should run even after the dispatching context is cancelled")
	}
}
