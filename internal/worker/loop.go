// Package worker implements the Worker Loop (C8): it independently drains
// the Task Queue, calls the Vision Client, and writes results back through
// the Result Cache and the Catalog.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwork/mwork-api/internal/domain/aicache"
	"github.com/mwork/mwork-api/internal/domain/aitask"
	"github.com/mwork/mwork-api/internal/pkg/imageinspect"
	"github.com/mwork/mwork-api/internal/pkg/visionclient"
)

// ImageApplier is the Catalog capability the loop calls on task success —
// narrowed to just this method so the loop depends on a small interface
// rather than the whole catalog.Service.
type ImageApplier interface {
	ApplyAIResult(ctx context.Context, emojiID string, fields *aicache.Fields) error
}

// sampleFrameCount mirrors the Catalog's inline-enrichment sampling so a
// worker-processed task and an inline cache-miss see the same input shape.
const sampleFrameCount = 4

const (
	pausedSleep = 2 * time.Second
	busySleep   = 1 * time.Second
	idleSleep   = 2 * time.Second
	settleSleep = 100 * time.Millisecond
)

type loopState int

const (
	stateRunning loopState = iota
	statePaused
	stateStopped
)

// Config holds the defaults the loop falls back to when no runtime
// override is set.
type Config struct {
	Concurrency    int
	BatchDelay     time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	PersistAiTasks bool

	// AutoAnalyze mirrors catalog.AIPolicy.AutoAnalyze: when false, the
	// loop treats itself as paused so no task reaches the vision model.
	AutoAnalyze bool
}

// Loop is the Worker Loop: a single long-running process per worker that
// polls the Task Queue, enforces the pause/concurrency/batch-delay
// runtime overrides, and dispatches processTask to run concurrently.
type Loop struct {
	queue  aitask.Queue
	cache  aicache.Repository
	vision visionclient.Client
	images ImageApplier
	cfg    Config

	mu                  sync.Mutex
	state               loopState
	concurrencyOverride int           // 0 means "use cfg.Concurrency"
	batchDelayOverride  time.Duration // <0 means "use cfg.BatchDelay"
	active              int
	inFlight            map[string]struct{}

	wg sync.WaitGroup
}

// NewLoop constructs a Worker Loop. vision may be nil, in which case every
// claimed task fails immediately — the loop still runs so stats/ops
// endpoints stay meaningful.
func NewLoop(queue aitask.Queue, cache aicache.Repository, vision visionclient.Client, images ImageApplier, cfg Config) *Loop {
	return &Loop{
		queue:              queue,
		cache:              cache,
		vision:             vision,
		images:             images,
		cfg:                cfg,
		state:              stateRunning,
		batchDelayOverride: -1,
		inFlight:           make(map[string]struct{}),
	}
}

// SetPaused toggles the RUNNING/PAUSED states (operator set_paused).
func (l *Loop) SetPaused(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == stateStopped {
		return
	}
	if paused {
		l.state = statePaused
	} else {
		l.state = stateRunning
	}
}

// IsPaused reports whether the loop is currently paused.
func (l *Loop) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == statePaused
}

// SetRuntimeConfig overrides concurrency and/or batch delay. concurrency
// <= 0 resets to the config default; batchDelay < 0 resets to the config
// default.
func (l *Loop) SetRuntimeConfig(concurrency int, batchDelay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if concurrency <= 0 {
		l.concurrencyOverride = 0
	} else {
		l.concurrencyOverride = concurrency
	}
	l.batchDelayOverride = batchDelay
}

// Stop transitions the loop to STOPPED and waits for in-flight
// processTask goroutines to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.state = stateStopped
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) effectiveConcurrency(control aitask.Control) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if control.Concurrency > 0 {
		return control.Concurrency
	}
	if l.concurrencyOverride > 0 {
		return l.concurrencyOverride
	}
	return l.cfg.Concurrency
}

func (l *Loop) effectiveBatchDelay(control aitask.Control) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if control.BatchDelayMs >= 0 {
		return time.Duration(control.BatchDelayMs) * time.Millisecond
	}
	if l.batchDelayOverride >= 0 {
		return l.batchDelayOverride
	}
	return l.cfg.BatchDelay
}

// Run executes the poll loop (spec.md §4.6 steps 1-8) until ctx is
// cancelled or Stop is called. It is meant to be run on its own goroutine
// by the enrichment-worker process.
func (l *Loop) Run(ctx context.Context) {
	for {
		l.mu.Lock()
		state := l.state
		l.mu.Unlock()

		if state == stateStopped {
			log.Info().Msg("worker loop stopped")
			return
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return
		default:
		}

		control, err := l.queue.GetControl(ctx)
		if err != nil {
			log.Error().Err(err).Msg("read worker control failed")
			control = aitask.Control{BatchDelayMs: -1}
		}

		if state == statePaused || control.Paused || !l.cfg.PersistAiTasks || !l.cfg.AutoAnalyze {
			sleep(ctx, pausedSleep)
			continue
		}

		concurrency := l.effectiveConcurrency(control)
		batchDelay := l.effectiveBatchDelay(control)

		l.mu.Lock()
		active := l.active
		l.mu.Unlock()
		if active >= concurrency {
			sleep(ctx, busySleep)
			continue
		}

		limit := 2 * (concurrency - active)
		rows, err := l.queue.ListEligible(ctx, limit)
		if err != nil {
			log.Error().Err(err).Msg("list eligible tasks failed")
			sleep(ctx, idleSleep)
			continue
		}
		if len(rows) == 0 {
			sleep(ctx, idleSleep)
			continue
		}

		for i := range rows {
			row := rows[i]

			l.mu.Lock()
			if l.active >= concurrency {
				l.mu.Unlock()
				break
			}
			if _, already := l.inFlight[row.ID]; already {
				l.mu.Unlock()
				continue
			}
			l.mu.Unlock()

			task, claimed, err := l.queue.TryClaim(ctx, row.ID)
			if err != nil {
				log.Error().Err(err).Str("task_id", row.ID).Msg("claim failed")
				continue
			}
			if !claimed {
				continue
			}

			l.mu.Lock()
			l.inFlight[task.ID] = struct{}{}
			l.active++
			l.mu.Unlock()

			l.wg.Add(1)
			go l.runTask(ctx, *task)

			sleep(ctx, batchDelay)
		}

		sleep(ctx, settleSleep)
	}
}

func (l *Loop) runTask(ctx context.Context, task aitask.Task) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.inFlight, task.ID)
		l.active--
		l.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("task_id", task.ID).
				Msg("panic recovered in processTask")
			if err := l.queue.CompleteFail(ctx, task.ID, "internal panic during processing", l.cfg.MaxAttempts, l.cfg.BackoffBase); err != nil {
				log.Error().Err(err).Str("task_id", task.ID).Msg("complete fail after panic failed")
			}
		}
	}()

	l.processTask(ctx, task)
}

// processTask implements spec.md §4.6's per-task contract.
func (l *Loop) processTask(ctx context.Context, task aitask.Task) {
	data, err := os.ReadFile(task.ImagePath)
	if err != nil {
		l.fail(ctx, task, "read image file: "+err.Error())
		return
	}

	format, err := imageinspect.DetectFormat(data)
	if err != nil {
		l.fail(ctx, task, "detect image format: "+err.Error())
		return
	}

	if l.vision == nil {
		l.fail(ctx, task, "no vision client configured")
		return
	}

	frames := imageinspect.PrepareFrames(data, sampleFrameCount, format)

	fields, err := l.vision.Analyze(ctx, frames, format.MimeType(), visionclient.PromptEnrich)
	if err != nil {
		l.fail(ctx, task, "vision analyze: "+err.Error())
		return
	}
	if fields == nil {
		l.fail(ctx, task, "vision analyze: no result")
		return
	}

	resultJSON, err := json.Marshal(fields)
	if err != nil {
		l.fail(ctx, task, "marshal result: "+err.Error())
		return
	}
	if err := l.cache.Put(ctx, task.ImageHash, string(resultJSON)); err != nil {
		l.fail(ctx, task, "cache put: "+err.Error())
		return
	}

	if l.images != nil {
		if err := l.images.ApplyAIResult(ctx, task.EmojiID, fields); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Str("emoji_id", task.EmojiID).Msg("apply ai result failed")
		}
	}

	if err := l.queue.CompleteSuccess(ctx, task.ID); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("complete success failed")
	}
}

func (l *Loop) fail(ctx context.Context, task aitask.Task, reason string) {
	log.Warn().Str("task_id", task.ID).Str("emoji_id", task.EmojiID).Str("reason", reason).Msg("task failed")
	if err := l.queue.CompleteFail(ctx, task.ID, reason, l.cfg.MaxAttempts, l.cfg.BackoffBase); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("complete fail failed")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
