// Package root wires the engine together behind the CLI: the provider
// registry, the store, scan dispatch, and the HTTP server.
package root

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/config"
	"github.com/LopatKing/cinema-scrapers/internal/queue"
	"github.com/LopatKing/cinema-scrapers/internal/runner"
	"github.com/LopatKing/cinema-scrapers/internal/scraper"
	"github.com/LopatKing/cinema-scrapers/internal/server"
	"github.com/LopatKing/cinema-scrapers/internal/store"
)

// RootOption configures the root command (e.g. for tests).
type RootOption func(*rootConfig)

type rootConfig struct {
	registry scraper.Registry
}

// WithRegistry sets the scraper registry. Use in tests to inject scrapers
// bound to fixture servers instead of the live provider sites.
func WithRegistry(registry scraper.Registry) RootOption {
	return func(c *rootConfig) {
		c.registry = registry
	}
}

func defaultRegistry() scraper.Registry {
	return scraper.NewRegistry(
		scraper.WithScraper(scraper.NovoCinemas(), scraper.Cached(64, 5*time.Minute)),
		scraper.WithScraper(scraper.RoxyCinemas(), scraper.Cached(64, 5*time.Minute)),
		scraper.WithScraper(scraper.CinemaCity(), scraper.Cached(64, 5*time.Minute)),
		scraper.WithScraper(scraper.StarCinemas(), scraper.Cached(64, 5*time.Minute)),
		scraper.WithScraper(scraper.ReelCinemas(), scraper.Cached(64, 5*time.Minute)),
	)
}

func Root(ctx context.Context, opts ...RootOption) (*cli.Command, error) {
	cfg := &rootConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	registry := cfg.registry
	if registry == nil {
		registry = defaultRegistry()
	}

	dateFlag := &cli.StringFlag{
		Name:  "date",
		Usage: "calendar date to scan (YYYY-MM-DD, default today)",
	}

	return &cli.Command{
		Name:  "cinema-scrapers",
		Usage: "scrape seat occupancy from cinema booking sites",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and scan workers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					env := config.Load()
					st, err := store.Open(env.DatabasePath)
					if err != nil {
						return err
					}
					run := runner.New(registry, st, runner.WithTimeout(env.ScanTimeout))

					var dispatcher queue.Dispatcher
					if env.BrokerURL != "" {
						dispatcher = queue.NewPublisher(env.BrokerURL)
						go func() {
							if err := queue.StartConsumer(ctx, env.BrokerURL, run); err != nil &&
								ctx.Err() == nil {
								fmt.Println("scan consumer stopped:", err)
							}
						}()
					} else {
						dispatcher = queue.NewLocal(run)
					}

					srv := server.New(registry, st, dispatcher, server.WithCacheWindow(env.CacheWindow))
					return srv.Start(env.ListenAddr)
				},
			},
			{
				Name:  "scan",
				Usage: "run one provider's scrape synchronously",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "provider",
						Usage:    "provider descriptor (see the providers command)",
						Required: true,
					},
					dateFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					env := config.Load()
					st, err := store.Open(env.DatabasePath)
					if err != nil {
						return err
					}
					date := time.Now().UTC()
					if raw := cmd.String("date"); raw != "" {
						date, err = time.Parse(time.DateOnly, raw)
						if err != nil {
							return fmt.Errorf("invalid --date (expected YYYY-MM-DD): %w", err)
						}
					}
					run := runner.New(registry, st, runner.WithTimeout(env.ScanTimeout))
					task, err := run.Scan(ctx, internal.ScrapeRequest{
						Provider: cmd.String("provider"),
						Date:     date,
					})
					if err != nil {
						return err
					}
					fmt.Printf("task %s finished: %d rows\n", task.ID, task.Rows)
					if task.Error != "" {
						fmt.Println("completed with error:", task.Error)
					}
					return nil
				},
			},
			{
				Name:  "providers",
				Usage: "list the registered providers",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					for _, descriptor := range registry.Descriptors() {
						s, err := registry.GetScraper(descriptor)
						if err != nil {
							return err
						}
						fmt.Printf("%-16s country=%s concurrency=%d\n",
							descriptor, s.Country(), s.Concurrency())
					}
					return nil
				},
			},
		},
	}, nil
}
