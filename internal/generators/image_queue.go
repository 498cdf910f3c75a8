package generators

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/metrics"
)

// ErrQueueFull is returned when the queue cannot take more jobs
var ErrQueueFull = errors.New("image queue is full")

// ErrQueueStopped is returned for jobs submitted after Stop
var ErrQueueStopped = errors.New("image queue stopped")

// ImageJob is one prompt to render for a narrator message
type ImageJob struct {
	SessionID string
	MessageID string
	Prompt    string
	Size      string
	CreatedAt time.Time
}

// ImageResult reports a finished job
type ImageResult struct {
	Job      ImageJob
	URL      string
	Err      error
	Duration time.Duration
}

// QueueOptions sizes the worker pool
type QueueOptions struct {
	MaxWorkers   int
	MaxQueueSize int
}

type queuedJob struct {
	job  ImageJob
	done func(ImageResult)
}

// ImageQueue renders image prompts on a fixed pool of workers
type ImageQueue struct {
	gen     interfaces.ImageGenerator
	jobs    chan *queuedJob
	workers int
	metrics *metrics.Metrics
	log     zerolog.Logger

	pending   *atomic.Int64
	processed *atomic.Int64
	failed    *atomic.Int64
	lastError *atomic.String
	stopped   *atomic.Bool

	mu       sync.RWMutex // guards jobs against close during Enqueue
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewImageQueue creates a queue; call Start before enqueueing
func NewImageQueue(gen interfaces.ImageGenerator, opts QueueOptions, m *metrics.Metrics, log zerolog.Logger) *ImageQueue {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 2
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 100
	}
	return &ImageQueue{
		gen:       gen,
		jobs:      make(chan *queuedJob, opts.MaxQueueSize),
		workers:   opts.MaxWorkers,
		metrics:   m,
		log:       log,
		pending:   atomic.NewInt64(0),
		processed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		lastError: atomic.NewString(""),
		stopped:   atomic.NewBool(false),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (q *ImageQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.log.Info().Int("workers", q.workers).Int("capacity", cap(q.jobs)).Msg("image queue started")
}

// Stop drains the queue and waits for the workers
func (q *ImageQueue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped.Store(true)
		close(q.jobs)
		q.mu.Unlock()
	})
	q.wg.Wait()
}

func (q *ImageQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case qj, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, qj)
		}
	}
}

func (q *ImageQueue) run(ctx context.Context, qj *queuedJob) {
	n := q.pending.Dec()
	q.metrics.SetImageQueueDepth(int(n))

	start := time.Now()
	resp, err := q.gen.GenerateImage(ctx, &interfaces.ImageRequest{Prompt: qj.job.Prompt, Size: qj.job.Size})
	res := ImageResult{Job: qj.job, Err: err, Duration: time.Since(start)}
	if err == nil {
		res.URL = resp.ImageURL
		q.processed.Inc()
	} else {
		q.failed.Inc()
		q.lastError.Store(err.Error())
		q.log.Warn().Err(err).Str("session_id", qj.job.SessionID).Str("message_id", qj.job.MessageID).Msg("image generation failed")
	}
	if qj.done != nil {
		qj.done(res)
	}
}

// Enqueue submits a job without waiting. done runs on a worker goroutine.
func (q *ImageQueue) Enqueue(job ImageJob, done func(ImageResult)) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped.Load() {
		return ErrQueueStopped
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	select {
	case q.jobs <- &queuedJob{job: job, done: done}:
		n := q.pending.Inc()
		q.metrics.SetImageQueueDepth(int(n))
		return nil
	default:
		return fmt.Errorf("%w (%d pending)", ErrQueueFull, cap(q.jobs))
	}
}

// Generate submits a job and waits for its result
func (q *ImageQueue) Generate(ctx context.Context, job ImageJob) (ImageResult, error) {
	ch := make(chan ImageResult, 1)
	if err := q.Enqueue(job, func(r ImageResult) { ch <- r }); err != nil {
		return ImageResult{}, err
	}
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return ImageResult{}, ctx.Err()
	}
}

// Status reports queue health for the status endpoint
func (q *ImageQueue) Status() interfaces.GeneratorStatus {
	return interfaces.GeneratorStatus{
		IsAvailable: !q.stopped.Load(),
		QueueSize:   int(q.pending.Load()),
		Workers:     q.workers,
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
		LastError:   q.lastError.Load(),
	}
}
