package fieldcache

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

type fakeSource struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeSource) GetFields(ctx context.Context, module string) ([]models.FieldMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[module]++
	if f.err != nil {
		return nil, f.err
	}
	return []models.FieldMetadata{{APIName: "Email", DataType: "email", MaxLength: 100}}, nil
}

func (f *fakeSource) count(module string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[module]
}

func TestCache_MemoryTier(t *testing.T) {
	src := &fakeSource{}
	c := New(src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fields, err := c.GetCachedFields(ctx, "Leads")
		if err != nil {
			t.Fatalf("GetCachedFields failed: %v", err)
		}
		if len(fields) != 1 || fields[0].APIName != "Email" {
			t.Errorf("fields = %+v", fields)
		}
	}
	if src.count("Leads") != 1 {
		t.Errorf("source called %d times, want 1", src.count("Leads"))
	}
}

func TestCache_ExpiredEntryIsRefetched(t *testing.T) {
	src := &fakeSource{}
	c := New(src, WithTTL(time.Minute))
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, _ = c.GetCachedFields(context.Background(), "Leads")
	now = now.Add(2 * time.Minute)
	_, _ = c.GetCachedFields(context.Background(), "Leads")

	if src.count("Leads") != 2 {
		t.Errorf("source called %d times, want 2", src.count("Leads"))
	}
}

func TestCache_ForceRefreshReloadsKnownModules(t *testing.T) {
	src := &fakeSource{}
	c := New(src)
	ctx := context.Background()
	_, _ = c.GetCachedFields(ctx, "Leads")
	_, _ = c.GetCachedFields(ctx, "Contacts")

	if err := c.ForceRefresh(ctx); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if src.count("Leads") != 2 || src.count("Contacts") != 2 {
		t.Errorf("calls = %v, want 2 each", src.calls)
	}
	if got := c.Modules(); len(got) != 2 || got[0] != "Contacts" {
		t.Errorf("Modules() = %v", got)
	}
}

func TestCache_SourceErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("503 Service Unavailable")}
	c := New(src)
	if _, err := c.GetCachedFields(context.Background(), "Leads"); err == nil {
		t.Fatal("expected error from failing source")
	}
	if err := c.ForceRefresh(context.Background()); err != nil {
		t.Errorf("ForceRefresh with no known modules = %v, want nil", err)
	}
}

func TestCache_RedisTier(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("env REDIS_URL not set")
	}
	rdb, err := NewRedisClient(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rdb.Close()
	ctx := context.Background()
	rdb.Del(ctx, redisKey("Leads"))

	src := &fakeSource{}
	first := New(src, WithRedis(rdb))
	if _, err := first.GetCachedFields(ctx, "Leads"); err != nil {
		t.Fatalf("GetCachedFields failed: %v", err)
	}

	// a second process sharing the same Redis skips the CRM
	second := New(src, WithRedis(rdb))
	fields, err := second.GetCachedFields(ctx, "Leads")
	if err != nil {
		t.Fatalf("GetCachedFields failed: %v", err)
	}
	if len(fields) != 1 || src.count("Leads") != 1 {
		t.Errorf("fields = %+v after %d source calls", fields, src.count("Leads"))
	}
}
