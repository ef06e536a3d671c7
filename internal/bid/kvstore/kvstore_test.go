package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryStore_IncrWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "k", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Fatalf("Incr = %d, want %d", n, want)
		}
	}

	// the window is fixed at the first increment
	now = now.Add(59 * time.Second)
	if n, _ := s.Incr(ctx, "k", time.Minute); n != 4 {
		t.Fatalf("Incr inside window = %d, want 4", n)
	}
	if ttl, _ := s.TTL(ctx, "k"); ttl != time.Second {
		t.Errorf("TTL = %v, want 1s", ttl)
	}

	now = now.Add(time.Second)
	if n, _ := s.Incr(ctx, "k", time.Minute); n != 1 {
		t.Fatalf("Incr after window = %d, want 1", n)
	}
}

func TestMemoryStore_SetGetDel(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNil) {
		t.Fatalf("Get missing: err = %v, want ErrNil", err)
	}

	if err := s.Set(ctx, "a", []byte("v"), time.Hour); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	now = now.Add(time.Hour)
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNil) {
		t.Errorf("expired key still readable: %v", err)
	}

	_ = s.Set(ctx, "b", []byte("v"), 0)
	_ = s.Del(ctx, "b")
	if _, err := s.Get(ctx, "b"); !errors.Is(err, ErrNil) {
		t.Errorf("deleted key still readable: %v", err)
	}
	if ttl, _ := s.TTL(ctx, "b"); ttl != 0 {
		t.Errorf("TTL of missing key = %v", ttl)
	}
}

func TestMemoryStore_IncrRepairsMissingTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Set(ctx, "k", []byte("7"), 0)

	n, err := s.Incr(ctx, "k", time.Minute)
	if err != nil || n != 8 {
		t.Fatalf("Incr = %d, %v; want 8", n, err)
	}
	if ttl, _ := s.TTL(ctx, "k"); ttl <= 0 {
		t.Errorf("TTL = %v, want window applied", ttl)
	}
}

// setupRedis connects to REDIS_HOST (default 127.0.0.1:6379) and skips when
// no server answers.
func setupRedis(t *testing.T) *RedisStore {
	t.Helper()
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	rdb := redis.NewClient(&redis.Options{Addr: host + ":6379", DialTimeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis unavailable, skipping: %v", err)
	}
	prefix := fmt.Sprintf("kvstore_test_%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			rdb.Del(context.Background(), keys...)
		}
		rdb.Close()
	})
	return NewRedisStore(rdb, prefix)
}

func TestRedisStore_IncrWindow(t *testing.T) {
	s := setupRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "fail", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Fatalf("Incr = %d, want %d", n, want)
		}
	}
	ttl, err := s.TTL(ctx, "fail")
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, %v", ttl, err)
	}

	// 无过期时间的计数器在下一次自增时补上窗口
	if err := s.Set(ctx, "stale", []byte("4"), 0); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Incr(ctx, "stale", time.Minute); err != nil || n != 5 {
		t.Fatalf("Incr stale = %d, %v", n, err)
	}
	if ttl, _ := s.TTL(ctx, "stale"); ttl <= 0 {
		t.Errorf("stale counter TTL = %v, want window applied", ttl)
	}
}
