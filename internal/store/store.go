// Package store persists scrape results and run bookkeeping in a relational
// database: providers and their run status, scrape tasks, the cinema/movie
// reference tables, the flattened seat rows, and the scrape error log.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Provider run status values. A provider is flipped to in-progress for the
// duration of a scrape run and restored to available when the run ends,
// successfully or not.
const (
	StatusAvailable  = "AV"
	StatusInProgress = "IP"
)

var ErrProviderNotFound = errors.New("store: provider not found")

// Country is a reference row scoping cinemas and providers.
type Country struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"uniqueIndex;size:64"`
	CreatedAt time.Time
}

// Provider is one scrapable cinema chain.
type Provider struct {
	ID          string `gorm:"primaryKey;size:36"`
	Descriptor  string `gorm:"uniqueIndex;size:64"`
	CountryID   string `gorm:"size:36"`
	Status      string `gorm:"size:2"`
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task is one scrape run of one provider for one calendar date.
type Task struct {
	ID         string `gorm:"primaryKey;size:36"`
	Provider   string `gorm:"index;size:64"`
	Date       string `gorm:"size:10"`
	Rows       int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Cinema is one physical location of a provider, scoped to a country.
type Cinema struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"index;size:128"`
	CountryID string `gorm:"size:36"`
	CreatedAt time.Time
}

// Movie is one film title as a provider lists it.
type Movie struct {
	ID        string `gorm:"primaryKey;size:36"`
	Title     string `gorm:"index;size:256"`
	Language  string `gorm:"size:64"`
	CreatedAt time.Time
}

// SeatRecord is one persisted (showtime, area) occupancy observation.
type SeatRecord struct {
	ID         string `gorm:"primaryKey;size:36"`
	TaskID     string `gorm:"index;size:36"`
	Provider   string `gorm:"index;size:64"`
	MovieID    string `gorm:"size:36"`
	Movie      Movie  `gorm:"foreignKey:MovieID"`
	CinemaID   string `gorm:"size:36"`
	Cinema     Cinema `gorm:"foreignKey:CinemaID"`
	Starts     time.Time
	Experience string          `gorm:"size:128"`
	Screen     string          `gorm:"size:64"`
	Area       string          `gorm:"size:128"`
	SeatsTotal int
	SeatsSold  int
	Price      decimal.Decimal `gorm:"type:numeric(6,2)"`
	BookingURL string          `gorm:"size:1024"`
	ParsedAt   time.Time
}

// ErrorRecord is one logged scrape failure. Whole-stage errors are recorded
// here instead of failing the run.
type ErrorRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	Provider  string `gorm:"index;size:64"`
	Stage     string `gorm:"size:32"`
	Message   string `gorm:"size:2048"`
	CreatedAt time.Time
}

// Store wraps the database handle with the operations the runner and the
// HTTP layer need.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	// Concurrent dispatches write through separate connections; without a
	// busy timeout the loser of sqlite's write lock errors out instead of
	// waiting its turn.
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&Country{}, &Provider{}, &Task{}, &Cinema{}, &Movie{}, &SeatRecord{}, &ErrorRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// recordNamespace anchors the deterministic row ids: the same natural key
// always maps to the same primary key, which is what makes EnsureProvider
// and SaveReports idempotent.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("cinema-scrapers"))

func deterministicID(parts ...string) string {
	key := ""
	for _, p := range parts {
		key += p + "\x00"
	}
	return uuid.NewSHA1(recordNamespace, []byte(key)).String()
}

// EnsureProvider creates the provider row (and its country) if missing and
// returns it. Existing rows are left untouched.
func (s *Store) EnsureProvider(ctx context.Context, descriptor, country string) (Provider, error) {
	c := Country{ID: deterministicID("country", country), Name: country}
	if err := s.db.WithContext(ctx).FirstOrCreate(&c, Country{ID: c.ID}).Error; err != nil {
		return Provider{}, fmt.Errorf("ensure country %q: %w", country, err)
	}
	p := Provider{
		ID:          deterministicID("provider", descriptor),
		Descriptor:  descriptor,
		CountryID:   c.ID,
		Status:      StatusAvailable,
		IsAvailable: true,
	}
	if err := s.db.WithContext(ctx).FirstOrCreate(&p, Provider{ID: p.ID}).Error; err != nil {
		return Provider{}, fmt.Errorf("ensure provider %q: %w", descriptor, err)
	}
	return p, nil
}

// Providers lists every known provider.
func (s *Store) Providers(ctx context.Context) ([]Provider, error) {
	var out []Provider
	if err := s.db.WithContext(ctx).Order("descriptor").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return out, nil
}

// GetProvider returns one provider row by descriptor.
func (s *Store) GetProvider(ctx context.Context, descriptor string) (Provider, error) {
	var p Provider
	err := s.db.WithContext(ctx).Where("descriptor = ?", descriptor).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Provider{}, fmt.Errorf("%w: %s", ErrProviderNotFound, descriptor)
	}
	if err != nil {
		return Provider{}, fmt.Errorf("get provider %q: %w", descriptor, err)
	}
	return p, nil
}

// SetProviderStatus flips the provider's run status.
func (s *Store) SetProviderStatus(ctx context.Context, descriptor, status string) error {
	res := s.db.WithContext(ctx).Model(&Provider{}).
		Where("descriptor = ?", descriptor).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("set provider %q status: %w", descriptor, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, descriptor)
	}
	return nil
}

// ClaimProvider flips an available provider to in-progress in a single
// conditional update, so of any number of concurrent claims exactly one
// matches the available row. It reports false when the provider is already
// claimed by a live run.
func (s *Store) ClaimProvider(ctx context.Context, descriptor string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Provider{}).
		Where("descriptor = ? AND status = ?", descriptor, StatusAvailable).
		Update("status", StatusInProgress)
	if res.Error != nil {
		return false, fmt.Errorf("claim provider %q: %w", descriptor, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// StartTask records the beginning of a scrape run.
func (s *Store) StartTask(ctx context.Context, req internal.ScrapeRequest) (Task, error) {
	task := Task{
		ID:        uuid.New().String(),
		Provider:  req.Provider,
		Date:      req.DateString(),
		StartedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return Task{}, fmt.Errorf("start task: %w", err)
	}
	return task, nil
}

// FinishTask closes a task with its row count and optional failure message.
func (s *Store) FinishTask(ctx context.Context, taskID string, rows int, runErr error) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"rows":        rows,
		"finished_at": &now,
	}
	if runErr != nil {
		updates["error"] = runErr.Error()
	}
	if err := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	return nil
}

// LatestTask returns the most recently started task of a provider.
func (s *Store) LatestTask(ctx context.Context, descriptor string) (Task, bool, error) {
	var task Task
	err := s.db.WithContext(ctx).
		Where("provider = ?", descriptor).
		Order("started_at DESC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("latest task for %q: %w", descriptor, err)
	}
	return task, true, nil
}

// SaveReports persists the normalized rows of one task. Cinemas and movies
// are created on first sight and reused afterwards; re-running the same
// task id overwrites nothing and duplicates nothing at the reference level.
func (s *Store) SaveReports(ctx context.Context, task Task, reports []internal.SeatReport) error {
	db := s.db.WithContext(ctx)
	now := time.Now().UTC()
	for _, report := range reports {
		countryID := deterministicID("country", report.Country)
		cinema := Cinema{
			ID:        deterministicID("cinema", report.Country, report.CinemaName),
			Name:      report.CinemaName,
			CountryID: countryID,
		}
		if err := db.FirstOrCreate(&cinema, Cinema{ID: cinema.ID}).Error; err != nil {
			return fmt.Errorf("ensure cinema %q: %w", report.CinemaName, err)
		}
		movie := Movie{
			ID:       deterministicID("movie", report.MovieName, report.Language),
			Title:    report.MovieName,
			Language: report.Language,
		}
		if err := db.FirstOrCreate(&movie, Movie{ID: movie.ID}).Error; err != nil {
			return fmt.Errorf("ensure movie %q: %w", report.MovieName, err)
		}
		record := SeatRecord{
			ID:         uuid.New().String(),
			TaskID:     task.ID,
			Provider:   task.Provider,
			MovieID:    movie.ID,
			CinemaID:   cinema.ID,
			Starts:     report.Starts,
			Experience: report.Experience,
			Screen:     report.Screen,
			Area:       report.Area,
			SeatsTotal: report.SeatsTotal,
			SeatsSold:  report.SeatsSold,
			Price:      report.Price,
			BookingURL: report.BookingURL,
			ParsedAt:   now,
		}
		if err := db.Create(&record).Error; err != nil {
			return fmt.Errorf("save seat record: %w", err)
		}
	}
	return nil
}

// Records returns the persisted seat rows of one provider, newest scrape
// first, with their movie and cinema preloaded. A zero since returns all.
func (s *Store) Records(ctx context.Context, descriptor string, since time.Time) ([]SeatRecord, error) {
	q := s.db.WithContext(ctx).
		Preload("Movie").Preload("Cinema").
		Where("provider = ?", descriptor).
		Order("parsed_at DESC, starts ASC")
	if !since.IsZero() {
		q = q.Where("parsed_at >= ?", since)
	}
	var out []SeatRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list seat records for %q: %w", descriptor, err)
	}
	return out, nil
}

// RecordError appends a row to the scrape error log.
func (s *Store) RecordError(ctx context.Context, descriptor, stage string, scrapeErr error) error {
	record := ErrorRecord{
		ID:       uuid.New().String(),
		Provider: descriptor,
		Stage:    stage,
		Message:  scrapeErr.Error(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("record scrape error: %w", err)
	}
	return nil
}

// Errors lists the logged scrape failures of one provider, newest first.
func (s *Store) Errors(ctx context.Context, descriptor string) ([]ErrorRecord, error) {
	var out []ErrorRecord
	if err := s.db.WithContext(ctx).
		Where("provider = ?", descriptor).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list scrape errors for %q: %w", descriptor, err)
	}
	return out, nil
}
