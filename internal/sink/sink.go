// Package sink delivers conversion results to optional external systems.
// Sinks are best effort: a failing sink is logged and counted, never allowed
// to fail the run that produced the documents.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vegann/dataset-tools/internal/report"
	"github.com/vegann/dataset-tools/pkg/config"
	"github.com/vegann/dataset-tools/pkg/kafka"
	"github.com/vegann/dataset-tools/pkg/metrics"
	"github.com/vegann/dataset-tools/pkg/postgres"
	"github.com/vegann/dataset-tools/pkg/resilience"
)

// Document kinds.
const (
	KindCategory = "category"
	KindCombined = "combined"
	KindImage    = "image"
)

// DocumentWritten describes one COCO document written to disk.
type DocumentWritten struct {
	RunID       string    `json:"run_id"`
	Kind        string    `json:"kind"`
	Category    string    `json:"category,omitempty"`
	Split       string    `json:"split,omitempty"`
	Path        string    `json:"path"`
	Images      int       `json:"images"`
	Annotations int       `json:"annotations"`
	WrittenAt   time.Time `json:"written_at"`
}

// Sink receives run results.
type Sink interface {
	Name() string
	DocumentWritten(ctx context.Context, ev DocumentWritten) error
	RunCompleted(ctx context.Context, run *report.Run) error
	Close() error
}

// Fanout delivers every result to all sinks concurrently, each under its own
// resilience policy.
type Fanout struct {
	sinks    []Sink
	policies map[string]resilience.Policy
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewFanout wraps sinks. m must not be nil.
func NewFanout(m *metrics.Metrics, sinks ...Sink) *Fanout {
	f := &Fanout{
		sinks:    sinks,
		policies: make(map[string]resilience.Policy, len(sinks)),
		metrics:  m,
		logger:   slog.Default().With("component", "sink"),
	}
	for _, s := range sinks {
		name := s.Name()
		f.policies[name] = resilience.Policy{
			Name:    "sink:" + name,
			Retry:   resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
			Timeout: 10 * time.Second,
			Breaker: resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{
				FailureThreshold: 3,
				ResetTimeout:     time.Minute,
				OnStateChange: func(name string, state resilience.State) {
					m.SinkCircuitState.WithLabelValues(name).Set(float64(state))
				},
			}),
		}
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// DocumentWritten notifies every sink about a written document.
func (f *Fanout) DocumentWritten(ctx context.Context, ev DocumentWritten) error {
	return f.each(ctx, "document_written", func(ctx context.Context, s Sink) error {
		return s.DocumentWritten(ctx, ev)
	})
}

// RunCompleted hands the final report to every sink.
func (f *Fanout) RunCompleted(ctx context.Context, run *report.Run) error {
	return f.each(ctx, "run_completed", func(ctx context.Context, s Sink) error {
		return s.RunCompleted(ctx, run)
	})
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) each(ctx context.Context, op string, fn func(context.Context, Sink) error) error {
	var g errgroup.Group
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			err := f.policies[s.Name()].Do(ctx, func(ctx context.Context) error {
				return fn(ctx, s)
			})
			if err != nil {
				f.metrics.SinkPublishTotal.WithLabelValues(s.Name(), "error").Inc()
				f.logger.Warn("sink delivery failed", "sink", s.Name(), "op", op, "error", err)
				return fmt.Errorf("sink %s %s: %w", s.Name(), op, err)
			}
			f.metrics.SinkPublishTotal.WithLabelValues(s.Name(), "ok").Inc()
			return nil
		})
	}
	return g.Wait()
}

// Open connects the sinks enabled in cfg. A sink whose backend is
// unreachable is logged and left out.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics) *Fanout {
	logger := slog.Default().With("component", "sink")
	var sinks []Sink
	if cfg.Postgres.Enabled {
		client, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			logger.Warn("postgres sink disabled", "error", err)
		} else {
			store := NewPostgresStore(client)
			if err := store.EnsureSchema(ctx); err != nil {
				logger.Warn("postgres sink disabled", "error", err)
				client.Close()
			} else {
				sinks = append(sinks, store)
			}
		}
	}
	if cfg.Kafka.Enabled {
		sinks = append(sinks, NewKafkaNotifier(
			kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentWritten),
			kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.RunCompleted),
		))
	}
	if len(sinks) > 0 {
		names := make([]string, 0, len(sinks))
		for _, s := range sinks {
			names = append(names, s.Name())
		}
		logger.Info("sinks enabled", "sinks", names)
	}
	return NewFanout(m, sinks...)
}
