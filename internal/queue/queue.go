// Package queue moves scrape requests from the HTTP layer to the runner.
// With a broker configured the requests travel through a durable RabbitMQ
// queue so they survive restarts; without one they run on a local goroutine.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/runner"
	"github.com/LopatKing/cinema-scrapers/internal/store"
)

const scanQueueName = "scrape.requests"

// Scanner executes one scrape request. *runner.Runner satisfies it.
type Scanner interface {
	Scan(ctx context.Context, req internal.ScrapeRequest) (store.Task, error)
}

var _ Scanner = (*runner.Runner)(nil)

// Dispatcher hands a scrape request to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req internal.ScrapeRequest) error
}

// Local runs each dispatched request on its own goroutine. It is the
// fallback used when no broker URL is configured.
type Local struct {
	scanner Scanner
}

func NewLocal(scanner Scanner) *Local {
	return &Local{scanner: scanner}
}

// Dispatch starts the scan in the background and returns immediately. The
// scan deliberately does not inherit the caller's context: an HTTP request
// finishing must not cancel the run it triggered.
func (l *Local) Dispatch(_ context.Context, req internal.ScrapeRequest) error {
	go func() {
		if _, err := l.scanner.Scan(context.Background(), req); err != nil &&
			!errors.Is(err, runner.ErrRunInProgress) {
			slog.Error("dispatched scan failed", "provider", req.Provider, "error", err)
		}
	}()
	return nil
}

// Publisher sends scrape requests to the durable broker queue.
type Publisher struct {
	url string
}

func NewPublisher(url string) *Publisher {
	return &Publisher{url: url}
}

func (p *Publisher) Dispatch(ctx context.Context, req internal.ScrapeRequest) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(scanQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode scrape request: %w", err)
	}
	err = ch.PublishWithContext(ctx, "", scanQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish scrape request: %w", err)
	}
	slog.Info("scrape request published", "provider", req.Provider, "date", req.DateString())
	return nil
}

// StartConsumer consumes scrape requests from the broker and runs them,
// reconnecting with backoff until ctx is cancelled. Requests that fail to
// decode are rejected without requeue; a scan already in progress is acked
// and skipped.
func StartConsumer(ctx context.Context, url string, scanner Scanner) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(url)
		if err != nil {
			slog.Warn("broker dial failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := consumeLoop(ctx, conn, scanner); err != nil {
			slog.Warn("consume loop ended", "error", err)
		}
		_ = conn.Close()
	}
}

func consumeLoop(ctx context.Context, conn *amqp.Connection, scanner Scanner) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	// One scrape run at a time per consumer; a run can hold the worker for
	// most of an hour.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(scanQueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := ch.Consume(scanQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			var req internal.ScrapeRequest
			if err := json.Unmarshal(d.Body, &req); err != nil {
				slog.Error("rejecting undecodable scrape request", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			if _, err := scanner.Scan(ctx, req); err != nil && !errors.Is(err, runner.ErrRunInProgress) {
				slog.Error("consumed scan failed", "provider", req.Provider, "error", err)
			}
			_ = d.Ack(false)
		}
	}
}
