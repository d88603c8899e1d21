//go:build integration

package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vegann/dataset-tools/pkg/config"
	"github.com/vegann/dataset-tools/pkg/metrics"
	pkgredis "github.com/vegann/dataset-tools/pkg/redis"
)

func TestCachedProberRedis(t *testing.T) {
	cfg := config.RedisConfig{
		Addr:     os.Getenv("TEST_REDIS_ADDR"),
		DB:       15,
		PoolSize: 2,
		CacheTTL: time.Minute,
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	ctx := context.Background()
	client, err := pkgredis.NewClient(ctx, cfg)
	if err != nil {
		t.Skipf("skipping: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if _, err := Purge(ctx, cfg); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	path := filepath.Join(t.TempDir(), "img.png")
	writePNG(t, path, 12, 7)

	m := metrics.New()
	counting := &countingProber{}
	cached := NewCached(counting, client, cfg.CacheTTL, m)
	for i := 0; i < 3; i++ {
		dims, err := cached.Probe(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		if dims.Width != 12 || dims.Height != 7 {
			t.Fatalf("dims = %+v", dims)
		}
	}
	if counting.calls != 1 {
		t.Errorf("decoder calls = %d, want 1", counting.calls)
	}

	n, err := Purge(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d entries, want 1", n)
	}
}
