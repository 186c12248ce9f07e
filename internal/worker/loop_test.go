package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mwork/mwork-api/internal/domain/aicache"
	"github.com/mwork/mwork-api/internal/domain/aitask"
	"github.com/mwork/mwork-api/internal/pkg/visionclient"
	"github.com/mwork/mwork-api/internal/worker"
)

// fakeQueue is an in-process stand-in for aitask.Queue: tasks live in a
// map, TryClaim is guarded by a mutex so concurrent dispatch from the loop
// behaves the same way the real atomic UPDATE does.
type fakeQueue struct {
	mu        sync.Mutex
	tasks     map[string]*aitask.Task
	succeeded int32
	failed    int32
}

func newFakeQueue(tasks ...aitask.Task) *fakeQueue {
	q := &fakeQueue{tasks: make(map[string]*aitask.Task)}
	for i := range tasks {
		t := tasks[i]
		q.tasks[t.ID] = &t
	}
	return q
}

func (q *fakeQueue) Enqueue(ctx context.Context, emojiID, imagePath, imageHash string) (*aitask.Task, error) {
	return nil, nil
}

func (q *fakeQueue) ListEligible(ctx context.Context, limit int) ([]aitask.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []aitask.Task
	for _, t := range q.tasks {
		if t.Status == aitask.StatusPending && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (q *fakeQueue) TryClaim(ctx context.Context, id string) (*aitask.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok || t.Status != aitask.StatusPending {
		return nil, false, nil
	}
	t.Status = aitask.StatusProcessing
	copied := *t
	return &copied, true, nil
}

func (q *fakeQueue) CompleteSuccess(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		t.Status = aitask.StatusSucceeded
	}
	atomic.AddInt32(&q.succeeded, 1)
	return nil
}

func (q *fakeQueue) CompleteFail(ctx context.Context, id, errMsg string, maxAttempts int, backoffBase time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[id]; ok {
		t.Status = aitask.StatusFailed
		t.LastError = errMsg
	}
	atomic.AddInt32(&q.failed, 1)
	return nil
}

func (q *fakeQueue) ResetStuck(ctx context.Context) (int64, error)     { return 0, nil }
func (q *fakeQueue) RetryFailed(ctx context.Context) (int64, error)    { return 0, nil }
func (q *fakeQueue) Stats(ctx context.Context) (aitask.Stats, error)   { return aitask.Stats{}, nil }
func (q *fakeQueue) ListFailedEmojiIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (q *fakeQueue) GetControl(ctx context.Context) (aitask.Control, error) {
	return aitask.Control{BatchDelayMs: -1}, nil
}
func (q *fakeQueue) SetPaused(ctx context.Context, paused bool) error { return nil }
func (q *fakeQueue) SetRuntimeConfig(ctx context.Context, concurrency, batchDelayMs int) error {
	return nil
}

// blockingVision blocks on a channel until released, letting tests observe
// the loop's active-count while tasks are in flight.
type blockingVision struct {
	release chan struct{}
	active  int32
	peak    int32
}

func (v *blockingVision) Analyze(ctx context.Context, frames [][]byte, mimeType string, kind visionclient.PromptKind) (*aicache.Fields, error) {
	n := atomic.AddInt32(&v.active, 1)
	for {
		p := atomic.LoadInt32(&v.peak)
		if n <= p || atomic.CompareAndSwapInt32(&v.peak, p, n) {
			break
		}
	}
	<-v.release
	atomic.AddInt32(&v.active, -1)
	return &aicache.Fields{Name: "测试"}, nil
}

type noopCache struct{}

func (noopCache) Get(ctx context.Context, hash string) (*aicache.Result, error) { return nil, nil }
func (noopCache) Put(ctx context.Context, hash, resultJSON string) error       { return nil }

func writeTempImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	data := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp image: %v", err)
	}
	return path
}

func TestLoopRespectsConcurrencyCap(t *testing.T) {
	imgPath := writeTempImage(t)

	var tasks []aitask.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, aitask.Task{
			ID:        string(rune('a' + i)),
			EmojiID:   "emoji-" + string(rune('a'+i)),
			ImagePath: imgPath,
			ImageHash: "hash-" + string(rune('a'+i)),
			Status:    aitask.StatusPending,
		})
	}
	queue := newFakeQueue(tasks...)
	vision := &blockingVision{release: make(chan struct{})}

	cfg := worker.Config{
		Concurrency:    2,
		BatchDelay:     time.Millisecond,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		PersistAiTasks: true,
		AutoAnalyze:    true,
	}
	loop := worker.NewLoop(queue, noopCache{}, vision, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go loop.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	close(vision.release)
	<-ctx.Done()
	loop.Stop()

	if peak := atomic.LoadInt32(&vision.peak); peak > int32(cfg.Concurrency) {
		t.Fatalf("expected active count never to exceed %d, saw %d", cfg.Concurrency, peak)
	}
}

func TestLoopSkipsDispatchWhilePaused(t *testing.T) {
	imgPath := writeTempImage(t)
	queue := newFakeQueue(aitask.Task{
		ID:        "only-task",
		EmojiID:   "emoji-1",
		ImagePath: imgPath,
		ImageHash: "hash-1",
		Status:    aitask.StatusPending,
	})
	vision := &blockingVision{release: make(chan struct{})}
	close(vision.release) // never actually blocks if dispatched

	cfg := worker.Config{
		Concurrency:    1,
		BatchDelay:     time.Millisecond,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		PersistAiTasks: true,
		AutoAnalyze:    true,
	}
	loop := worker.NewLoop(queue, noopCache{}, vision, nil, cfg)
	loop.SetPaused(true)

	// A paused loop re-checks its state only after each 2s paused sleep, so
	// the deadline has to outlast one full paused sleep after the resume.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go loop.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&queue.succeeded) != 0 {
		t.Fatal("expected no task completion while paused")
	}

	loop.SetPaused(false)
	<-ctx.Done()
	loop.Stop()

	if atomic.LoadInt32(&queue.succeeded) == 0 {
		t.Fatal("expected task to complete after resume")
	}
}
