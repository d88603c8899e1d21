//go:build integration

// Integration tests against a real PostgreSQL and Kafka. Services that are
// not reachable cause the test to be skipped.
//
// Run with:
//
//	go test -v -tags=integration ./internal/sink/...
package sink

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/vegann/dataset-tools/internal/report"
	"github.com/vegann/dataset-tools/pkg/config"
	"github.com/vegann/dataset-tools/pkg/kafka"
	"github.com/vegann/dataset-tools/pkg/postgres"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "vegann_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "vegann"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}
}

func sampleRun() *report.Run {
	started := time.Now().UTC().Truncate(time.Second)
	run := report.NewRun("/data", "/data/annotations", started)
	sp := report.NewSplit("wheats", "train")
	sp.Images = 3
	sp.Annotations = 5
	sp.Unresolved("unmapped_local_id")
	run.AddSplit(sp)
	run.AddDocument("/data/annotations/wheats_instances_train.json")
	run.Finish(started.Add(2 * time.Second))
	return run
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := postgres.New(ctx, testPostgresConfig())
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	store := NewPostgresStore(db)
	t.Cleanup(func() { store.Close() })

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	run := sampleRun()
	ev := DocumentWritten{
		RunID:       run.ID,
		Kind:        KindCategory,
		Category:    "wheats",
		Split:       "train",
		Path:        run.Documents[0],
		Images:      3,
		Annotations: 5,
		WrittenAt:   run.FinishedAt,
	}
	if err := store.DocumentWritten(ctx, ev); err != nil {
		t.Fatalf("DocumentWritten: %v", err)
	}
	if err := store.RunCompleted(ctx, run); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}
	if err := store.RunCompleted(ctx, run); err != nil {
		t.Fatalf("RunCompleted is not idempotent: %v", err)
	}

	latest, err := store.LatestRun(ctx)
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if latest == nil || latest.ID != run.ID {
		t.Fatalf("latest run = %+v, want id %s", latest, run.ID)
	}
	if len(latest.Splits) != 1 || latest.Splits[0].UnresolvedTotal() != 1 {
		t.Errorf("splits = %+v", latest.Splits)
	}
}

func TestKafkaNotifierPublishes(t *testing.T) {
	brokers := strings.Split(envOrDefault("TEST_KAFKA_BROKERS", "localhost:9092"), ",")
	topic := "dataset.run-completed.test-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	cfg := config.KafkaConfig{Enabled: true, Brokers: brokers}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := kafkago.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		t.Skipf("skipping: kafka unavailable: %v", err)
	}
	conn.Close()

	docs := kafka.NewProducer(cfg, topic+".docs")
	runs := kafka.NewProducer(cfg, topic)
	notifier := NewKafkaNotifier(docs, runs)
	t.Cleanup(func() { notifier.Close() })

	run := sampleRun()
	if err := notifier.RunCompleted(ctx, run); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	defer reader.Close()
	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if string(msg.Key) != run.ID {
		t.Errorf("key = %q, want %q", msg.Key, run.ID)
	}
	var got RunCompleted
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.RunID != run.ID || len(got.Documents) != 1 {
		t.Errorf("event = %+v", got)
	}
}
