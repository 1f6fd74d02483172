package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"media-hls/constant"
)

func newTestRepo(t *testing.T) StatusRepository {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "status.db")
	r, err := NewRepo(sqlite.Open(dsn), false)
	if err != nil {
		t.Fatalf("NewRepo: %v", err)
	}
	if err := r.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return r
}

func TestCreateStatusStartsPending(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	created, err := r.CreateStatus(ctx, "job-1")
	if err != nil {
		t.Fatalf("CreateStatus: %v", err)
	}
	if created.Status != constant.EncodingStatusPending || created.Message != "" {
		t.Fatalf("unexpected new row %+v", created)
	}

	found, err := r.FindStatus(ctx, "job-1")
	if err != nil {
		t.Fatalf("FindStatus: %v", err)
	}
	if found.Status != constant.EncodingStatusPending {
		t.Fatalf("status = %v", found.Status)
	}
	if found.CreatedAt.IsZero() || found.UpdatedAt.IsZero() {
		t.Fatal("timestamps not populated")
	}
}

func TestCreateStatusRejectsDuplicate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateStatus(ctx, "dup"); err != nil {
		t.Fatalf("CreateStatus: %v", err)
	}
	if _, err := r.CreateStatus(ctx, "dup"); !errors.Is(err, ErrStatusExists) {
		t.Fatalf("expected ErrStatusExists, got %v", err)
	}
}

func TestFindStatusUnknown(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.FindStatus(context.Background(), "unknown-id"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

func TestUpdateStatusIsMonotonic(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if _, err := r.CreateStatus(ctx, "job"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.UpdateStatus(ctx, "job", constant.EncodingStatusProcessing, ""); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if _, err := r.UpdateStatus(ctx, "job", constant.EncodingStatusPending, ""); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("regression to pending should fail, got %v", err)
	}
	done, err := r.UpdateStatus(ctx, "job", constant.EncodingStatusFailed, "ffmpeg exited 1")
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if done.Status != constant.EncodingStatusFailed || done.Message != "ffmpeg exited 1" {
		t.Fatalf("unexpected row %+v", done)
	}

	current, err := r.UpdateStatus(ctx, "job", constant.EncodingStatusCompleted, "")
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("terminal row must not change, got %v", err)
	}
	if current.Status != constant.EncodingStatusFailed {
		t.Fatalf("status changed to %v", current.Status)
	}
}

func TestUpdateStatusUnknown(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.UpdateStatus(context.Background(), "nope", constant.EncodingStatusProcessing, ""); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}

func TestListByStatusOrdersByCreation(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d"} {
		if _, err := r.CreateStatus(ctx, name); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := r.UpdateStatus(ctx, "b", constant.EncodingStatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpdateStatus(ctx, "c", constant.EncodingStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}

	rows, err := r.ListByStatus(ctx, constant.EncodingStatusPending, constant.EncodingStatusProcessing)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	var names []string
	for _, row := range rows {
		names = append(names, row.Name)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "d" {
		t.Fatalf("names = %v", names)
	}
}

func TestCachedRepoServesTerminalStatusFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := newTestRepo(t)
	r := NewCachedRepo(inner, client, time.Minute)
	ctx := context.Background()

	if _, err := r.CreateStatus(ctx, "job"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindStatus(ctx, "job"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(statusKey("job")) {
		t.Fatal("pending status must not be cached")
	}

	if _, err := r.UpdateStatus(ctx, "job", constant.EncodingStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(statusKey("job")) {
		t.Fatal("completed status should be cached")
	}
	if ttl := mr.TTL(statusKey("job")); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	cached, err := r.FindStatus(ctx, "job")
	if err != nil {
		t.Fatalf("FindStatus: %v", err)
	}
	if cached.Status != constant.EncodingStatusCompleted {
		t.Fatalf("cached status = %v", cached.Status)
	}
}

func TestCachedRepoFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	r := NewCachedRepo(newTestRepo(t), client, time.Minute)
	ctx := context.Background()
	if _, err := r.CreateStatus(ctx, "job"); err != nil {
		t.Fatal(err)
	}
	mr.Close()

	found, err := r.FindStatus(ctx, "job")
	if err != nil {
		t.Fatalf("FindStatus should fall back to the database: %v", err)
	}
	if found.Name != "job" {
		t.Fatalf("name = %q", found.Name)
	}
	if _, err := r.FindStatus(ctx, "missing"); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
}
