// Package workers runs the background translation workers that turn
// transcription events into translation results.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/metrics"
	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/queue"
)

const DefaultWorkers = 4

// Translator is the blocking translation call a worker makes per job.
type Translator interface {
	Translate(ctx context.Context, text string) model.TranslationResult
}

// Job is one transcription event waiting for translation. Seq and Generation
// are opaque to the pool and handed back on the Result.
type Job struct {
	Seq        uint64
	Generation uint64
	Event      model.TranscriptionEvent
}

// Result is a finished Job.
type Result struct {
	Job
	Translation model.TranslationResult
	Duration    time.Duration
}

// TranslationWorker is a fixed-size pool of goroutines draining an unbounded
// backlog. At most size translations are in flight at once.
type TranslationWorker struct {
	ctx        context.Context
	cancel     context.CancelFunc
	translator Translator
	backlog    *queue.Queue[Job]
	size       int
	deliver    func(Result)
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

func NewTranslationWorker(
	translator Translator,
	size int,
	deliver func(Result),
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
) (*TranslationWorker, error) {
	if translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if deliver == nil {
		return nil, fmt.Errorf("deliver callback is required")
	}
	if size <= 0 {
		size = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TranslationWorker{
		ctx:        ctx,
		cancel:     cancel,
		translator: translator,
		backlog:    queue.New[Job](),
		size:       size,
		deliver:    deliver,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Start launches the workers. Calling it twice has no effect.
func (tw *TranslationWorker) Start() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.started || tw.ctx.Err() != nil {
		return
	}
	tw.started = true

	for i := 0; i < tw.size; i++ {
		tw.wg.Add(1)
		go tw.run(i)
	}
}

// Submit queues job. It returns false once the pool is stopped.
func (tw *TranslationWorker) Submit(job Job) bool {
	if tw.ctx.Err() != nil {
		return false
	}
	tw.backlog.Enqueue(job)
	tw.observeBacklog()
	return true
}

// Backlog is the number of jobs not yet picked up.
func (tw *TranslationWorker) Backlog() int {
	return tw.backlog.Len()
}

// Stop discards the backlog and cancels in-flight calls without waiting for
// them. No Result is delivered after Stop returns unless its worker had
// already finished translating.
func (tw *TranslationWorker) Stop() {
	tw.cancel()
	if n := tw.backlog.Drain(); n > 0 {
		tw.logger.Infow("discarded pending translations", "count", n)
	}
	tw.observeBacklog()
}

// Wait blocks until every worker has exited. Only meaningful after Stop.
func (tw *TranslationWorker) Wait() {
	tw.wg.Wait()
}

func (tw *TranslationWorker) run(id int) {
	defer tw.wg.Done()

	for {
		select {
		case <-tw.ctx.Done():
			return
		case <-tw.backlog.Ready():
			job, ok := tw.backlog.Dequeue()
			if !ok {
				continue
			}
			tw.observeBacklog()

			start := time.Now()
			translation := tw.translator.Translate(tw.ctx, job.Event.Text)
			elapsed := time.Since(start)

			if tw.ctx.Err() != nil {
				return
			}
			tw.metrics.ObserveTranslation(elapsed, translation.Failed())
			tw.logger.Debugw("translation finished",
				"worker", id,
				"seq", job.Seq,
				"failed", translation.Failed(),
				"duration", elapsed,
			)
			tw.deliver(Result{Job: job, Translation: translation, Duration: elapsed})
		}
	}
}

func (tw *TranslationWorker) observeBacklog() {
	if tw.metrics != nil {
		tw.metrics.TranslationBacklog.Set(float64(tw.backlog.Len()))
	}
}
