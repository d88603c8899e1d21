package sink

import (
	"context"
	"time"

	"github.com/vegann/dataset-tools/internal/report"
	"github.com/vegann/dataset-tools/pkg/kafka"
)

// Publisher is the part of kafka.Producer the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
	Close() error
}

// RunCompleted is the event published when a run finishes.
type RunCompleted struct {
	RunID             string         `json:"run_id"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	OutputDir         string         `json:"output_dir"`
	Documents         []string       `json:"documents"`
	SkippedCategories int            `json:"skipped_categories"`
	Summary           report.Summary `json:"summary"`
}

// KafkaNotifier publishes one event per written document and one per run.
// Events are keyed by run id so a run's events share a partition.
type KafkaNotifier struct {
	documents Publisher
	runs      Publisher
}

// NewKafkaNotifier creates a notifier over two topic producers.
func NewKafkaNotifier(documents, runs Publisher) *KafkaNotifier {
	return &KafkaNotifier{documents: documents, runs: runs}
}

func (k *KafkaNotifier) Name() string { return "kafka" }

func (k *KafkaNotifier) DocumentWritten(ctx context.Context, ev DocumentWritten) error {
	return k.documents.Publish(ctx, kafka.Event{Key: ev.RunID, Value: ev})
}

func (k *KafkaNotifier) RunCompleted(ctx context.Context, run *report.Run) error {
	return k.runs.Publish(ctx, kafka.Event{
		Key: run.ID,
		Value: RunCompleted{
			RunID:             run.ID,
			StartedAt:         run.StartedAt,
			FinishedAt:        run.FinishedAt,
			OutputDir:         run.OutputDir,
			Documents:         run.Documents,
			SkippedCategories: len(run.SkippedCategories),
			Summary:           run.Summary,
		},
	})
}

func (k *KafkaNotifier) Close() error {
	err := k.documents.Close()
	if rerr := k.runs.Close(); err == nil {
		err = rerr
	}
	return err
}
