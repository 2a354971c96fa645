// Package server exposes the scraping engine over HTTP: triggering scans,
// polling run status, exporting collected rows as CSV, and reading the
// error log.
package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/queue"
	"github.com/LopatKing/cinema-scrapers/internal/scraper"
	"github.com/LopatKing/cinema-scrapers/internal/store"
)

const defaultCacheWindow = time.Hour

type Server struct {
	registry    scraper.Registry
	store       *store.Store
	dispatcher  queue.Dispatcher
	cacheWindow time.Duration
}

type Option func(*Server)

// WithCacheWindow sets how long a finished scrape keeps answering scan
// requests before a new run is dispatched.
func WithCacheWindow(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.cacheWindow = d
		}
	}
}

func New(registry scraper.Registry, st *store.Store, dispatcher queue.Dispatcher, opts ...Option) *Server {
	s := &Server{
		registry:    registry,
		store:       st,
		dispatcher:  dispatcher,
		cacheWindow: defaultCacheWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the echo instance with all routes registered.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/providers", s.listProviders)
	e.POST("/providers/:provider/scan", s.scan)
	e.GET("/providers/:provider/status", s.status)
	e.GET("/providers/:provider/export.csv", s.exportCSV)
	e.GET("/providers/:provider/errors", s.listErrors)
	return e
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start(addr string) error {
	return s.Router().Start(addr)
}

type providerView struct {
	Descriptor string `json:"descriptor"`
	Country    string `json:"country"`
	Status     string `json:"status"`
}

func (s *Server) listProviders(c echo.Context) error {
	var out []providerView
	for _, descriptor := range s.registry.Descriptors() {
		sc, err := s.registry.GetScraper(descriptor)
		if err != nil {
			continue
		}
		view := providerView{Descriptor: descriptor, Country: sc.Country(), Status: store.StatusAvailable}
		if p, err := s.store.GetProvider(c.Request().Context(), descriptor); err == nil {
			view.Status = p.Status
		}
		out = append(out, view)
	}
	return c.JSON(http.StatusOK, out)
}

type scanResponse struct {
	Status string      `json:"status"`
	Task   *store.Task `json:"task,omitempty"`
}

// scan triggers a scrape run for ?date= (default today). A run already in
// progress is reported, not duplicated; a run that finished inside the
// cache window answers instead of launching a new one.
func (s *Server) scan(c echo.Context) error {
	descriptor := c.Param("provider")
	if _, err := s.registry.GetScraper(descriptor); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown provider %q", descriptor))
	}

	date := time.Now().UTC()
	if raw := c.QueryParam("date"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must be YYYY-MM-DD")
		}
		date = parsed
	}
	ctx := c.Request().Context()

	if p, err := s.store.GetProvider(ctx, descriptor); err == nil && p.Status == store.StatusInProgress {
		return c.JSON(http.StatusAccepted, scanResponse{Status: store.StatusInProgress})
	}
	if task, ok, err := s.store.LatestTask(ctx, descriptor); err == nil && ok &&
		task.FinishedAt != nil && time.Since(*task.FinishedAt) < s.cacheWindow &&
		task.Date == date.Format(time.DateOnly) {
		return c.JSON(http.StatusOK, scanResponse{Status: store.StatusAvailable, Task: &task})
	}

	req := internal.ScrapeRequest{Provider: descriptor, Date: date}
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("dispatch scan: %v", err))
	}
	return c.JSON(http.StatusAccepted, scanResponse{Status: store.StatusInProgress})
}

func (s *Server) status(c echo.Context) error {
	descriptor := c.Param("provider")
	ctx := c.Request().Context()

	p, err := s.store.GetProvider(ctx, descriptor)
	if errors.Is(err, store.ErrProviderNotFound) {
		// Known to the registry but never scanned: report it available.
		if _, rerr := s.registry.GetScraper(descriptor); rerr == nil {
			return c.JSON(http.StatusOK, scanResponse{Status: store.StatusAvailable})
		}
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown provider %q", descriptor))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := scanResponse{Status: p.Status}
	if task, ok, err := s.store.LatestTask(ctx, descriptor); err == nil && ok {
		resp.Task = &task
	}
	return c.JSON(http.StatusOK, resp)
}

var csvHeader = []string{
	"Movie", "Cinema", "Date/Time", "Experience", "Cinema Room",
	"Seats Area", "All", "Sold", "URL", "Parsed on", "Language",
}

func (s *Server) exportCSV(c echo.Context) error {
	descriptor := c.Param("provider")
	ctx := c.Request().Context()

	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be YYYY-MM-DD")
		}
		since = parsed
	}
	records, err := s.store.Records(ctx, descriptor, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%s-seats.csv", descriptor))
	c.Response().WriteHeader(http.StatusOK)

	w := csv.NewWriter(c.Response())
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, record := range records {
		row := []string{
			record.Movie.Title,
			record.Cinema.Name,
			record.Starts.Format("2006-01-02 15:04"),
			record.Experience,
			record.Screen,
			record.Area,
			strconv.Itoa(record.SeatsTotal),
			strconv.Itoa(record.SeatsSold),
			record.BookingURL,
			record.ParsedAt.Format("2006-01-02 15:04"),
			record.Movie.Language,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (s *Server) listErrors(c echo.Context) error {
	records, err := s.store.Errors(c.Request().Context(), c.Param("provider"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, records)
}
