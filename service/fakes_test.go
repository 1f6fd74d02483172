package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"media-hls/constant"
	"media-hls/dto"
	"media-hls/entities"
	"media-hls/repository"
)

type fakeRepo struct {
	mu      sync.Mutex
	rows    map[string]*entities.VideoStatus
	clock   time.Time
	history map[string][]constant.EncodingStatus

	// failedWriteErrors is returned by that many Failed transitions before they succeed.
	failedWriteErrors int
	failedWriteCalls  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows:    make(map[string]*entities.VideoStatus),
		history: make(map[string][]constant.EncodingStatus),
		clock:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *fakeRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *fakeRepo) Migrate(context.Context) error { return nil }
func (r *fakeRepo) Ping(context.Context) error    { return nil }

func (r *fakeRepo) CreateStatus(_ context.Context, name string) (*entities.VideoStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[name]; ok {
		return nil, repository.ErrStatusExists
	}
	now := r.tick()
	row := &entities.VideoStatus{Name: name, Status: constant.EncodingStatusPending, CreatedAt: now, UpdatedAt: now}
	r.rows[name] = row
	r.history[name] = append(r.history[name], row.Status)
	clone := *row
	return &clone, nil
}

func (r *fakeRepo) seed(name string, status constant.EncodingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.tick()
	r.rows[name] = &entities.VideoStatus{Name: name, Status: status, CreatedAt: now, UpdatedAt: now}
}

func (r *fakeRepo) UpdateStatus(_ context.Context, name string, status constant.EncodingStatus, message string) (*entities.VideoStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == constant.EncodingStatusFailed {
		r.failedWriteCalls++
		if r.failedWriteCalls <= r.failedWriteErrors {
			return nil, errors.New("database is unavailable")
		}
	}
	row, ok := r.rows[name]
	if !ok {
		return nil, repository.ErrStatusNotFound
	}
	if row.Status.Terminal() || row.Status > status {
		clone := *row
		return &clone, repository.ErrStaleTransition
	}
	row.Status = status
	row.Message = message
	row.UpdatedAt = r.tick()
	r.history[name] = append(r.history[name], status)
	clone := *row
	return &clone, nil
}

func (r *fakeRepo) FindStatus(_ context.Context, name string) (*entities.VideoStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[name]
	if !ok {
		return nil, repository.ErrStatusNotFound
	}
	clone := *row
	return &clone, nil
}

func (r *fakeRepo) ListByStatus(_ context.Context, statuses ...constant.EncodingStatus) ([]*entities.VideoStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[constant.EncodingStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*entities.VideoStatus
	for _, row := range r.rows {
		if want[row.Status] {
			clone := *row
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeRepo) status(name string) constant.EncodingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[name]
	if !ok {
		return -1
	}
	return row.Status
}

func (r *fakeRepo) message(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[name]; ok {
		return row.Message
	}
	return ""
}

// fakeTranscoder records calls and, when gated, waits for a release token per job.
type fakeTranscoder struct {
	mu        sync.Mutex
	calls     []string
	active    int
	maxActive int
	fail      map[string]error
	panics    map[string]bool

	gated   bool
	release chan struct{}
	started chan string
}

func newFakeTranscoder(gated bool) *fakeTranscoder {
	return &fakeTranscoder{
		fail:    make(map[string]error),
		panics:  make(map[string]bool),
		gated:   gated,
		release: make(chan struct{}),
		started: make(chan string, 100),
	}
}

func (f *fakeTranscoder) Transcode(ctx context.Context, sourcePath, outputDir string) error {
	id := filepath.Base(outputDir)

	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	failErr := f.fail[id]
	shouldPanic := f.panics[id]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- id
	if shouldPanic {
		panic("encoder crashed")
	}
	if f.gated {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failErr != nil {
		return failErr
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outputDir, constant.MasterPlaylistName), []byte("#EXTM3U\n"), 0o644)
}

func (f *fakeTranscoder) snapshot() (calls []string, maxActive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.maxActive
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []dto.StatusEventMessage
}

func (n *recordingNotifier) Notify(_ context.Context, event dto.StatusEventMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) statusesFor(name string) []constant.EncodingStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []constant.EncodingStatus
	for _, e := range n.events {
		if e.Name == name {
			out = append(out, e.Status)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func waitStarted(t *testing.T, tr *fakeTranscoder, want string) {
	t.Helper()
	select {
	case got := <-tr.started:
		if got != want {
			t.Fatalf("expected %s to start, got %s", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s to start", want)
	}
}
