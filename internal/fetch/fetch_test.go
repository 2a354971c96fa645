package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noBackoff(int) time.Duration { return 0 }

func TestUnit_Fetch_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	c := New("test",
		WithHTTPClient(server.Client()),
		WithBackoff(noBackoff),
	)
	body, err := c.Get(context.Background(), server.URL, nil)
	require.NoError(t, err, "Get should succeed on the 4th attempt")
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(4), calls.Load())
}

func TestUnit_Fetch_AttemptsExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	c := New("test",
		WithHTTPClient(server.Client()),
		WithBackoff(noBackoff),
		WithMaxAttempts(3),
	)
	_, err := c.Get(context.Background(), server.URL, nil)
	require.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestUnit_Fetch_SoftFailureRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte("<html><h2>404</h2></html>"))
			return
		}
		_, _ = w.Write([]byte("<html><h2>Now Showing</h2></html>"))
	}))
	t.Cleanup(server.Close)

	c := New("test",
		WithHTTPClient(server.Client()),
		WithBackoff(noBackoff),
		WithSoftFailure(func(body []byte) bool {
			return string(body) == "<html><h2>404</h2></html>"
		}),
	)
	body, err := c.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Now Showing")
	assert.Equal(t, int32(2), calls.Load())
}

func TestUnit_Fetch_ContextCancelStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	c := New("test",
		WithHTTPClient(server.Client()),
		WithBackoff(func(int) time.Duration { return time.Hour }),
	)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Get(ctx, server.URL, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnit_Fetch_ParamsAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get("cinemaId"))
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	c := New("test",
		WithHTTPClient(server.Client()),
		WithBackoff(noBackoff),
		WithHeader("Authorization", "secret"),
	)
	_, err := c.Get(context.Background(), server.URL, url.Values{"cinemaId": {"0"}})
	require.NoError(t, err)
}

func TestUnit_Fetch_SessionIsolatesCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "a"})
			_, _ = w.Write([]byte("ok"))
		default:
			if _, err := r.Cookie("session"); err != nil {
				_, _ = w.Write([]byte("none"))
				return
			}
			_, _ = w.Write([]byte("cookie"))
		}
	}))
	t.Cleanup(server.Close)

	base := New("test", WithHTTPClient(server.Client()), WithBackoff(noBackoff))
	s1 := base.Session()
	s2 := base.Session()

	_, err := s1.Get(context.Background(), server.URL+"/set", nil)
	require.NoError(t, err)

	got, err := s1.Get(context.Background(), server.URL+"/check", nil)
	require.NoError(t, err)
	assert.Equal(t, "cookie", string(got), "session that visited /set keeps its cookie")

	got, err = s2.Get(context.Background(), server.URL+"/check", nil)
	require.NoError(t, err)
	assert.Equal(t, "none", string(got), "sibling session must not see the cookie")
}
