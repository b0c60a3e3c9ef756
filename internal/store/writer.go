package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull     = errors.New("persistence queue full")
	ErrWriterStopped = errors.New("persistence writer stopped")
)

// Job is one persistence call. Jobs sharing a Key run in submission order;
// an empty Key may run on any worker.
type Job struct {
	Name    string
	Key     string
	Run     func(ctx context.Context) error
	OnError func(err error)
}

// Writer runs persistence jobs on background workers so store latency is
// never on the broadcast path. Each worker owns a queue and a key always
// maps to the same worker.
type Writer struct {
	queues  []chan Job
	next    atomic.Uint64
	timeout time.Duration
	stopped atomic.Bool
}

// NewWriter creates a writer with workers queues sharing a total capacity
// of queue jobs.
func NewWriter(workers, queue int, timeout time.Duration) *Writer {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	per := queue / workers
	if per < 1 {
		per = 1
	}
	w := &Writer{queues: make([]chan Job, workers), timeout: timeout}
	for i := range w.queues {
		w.queues[i] = make(chan Job, per)
	}
	return w
}

func (w *Writer) queue(key string) chan Job {
	n := uint64(len(w.queues))
	if key == "" {
		return w.queues[w.next.Add(1)%n]
	}
	return w.queues[xxhash.Sum64String(key)%n]
}

// Submit enqueues job without blocking. When the queue is full the job
// fails immediately through OnError.
func (w *Writer) Submit(job Job) {
	if w.stopped.Load() {
		w.fail(job, ErrWriterStopped)
		return
	}
	select {
	case w.queue(job.Key) <- job:
	default:
		w.fail(job, ErrQueueFull)
	}
}

// Run starts the workers and blocks until ctx is done and the queues have
// drained.
func (w *Writer) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for _, q := range w.queues {
		q := q
		g.Go(func() error {
			for {
				select {
				case job := <-q:
					w.exec(job)
				case <-ctx.Done():
					w.drain(q)
					return nil
				}
			}
		})
	}
	err := g.Wait()
	w.stopped.Store(true)
	for _, q := range w.queues {
		w.drain(q)
	}
	return err
}

func (w *Writer) drain(q chan Job) {
	for {
		select {
		case job := <-q:
			w.exec(job)
		default:
			return
		}
	}
}

func (w *Writer) exec(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := job.Run(ctx); err != nil {
		w.fail(job, err)
	}
}

func (w *Writer) fail(job Job, err error) {
	log.Error().Err(err).Str("module", "store.writer").Str("job", job.Name).Str("key", job.Key).Msg("persistence failed")
	if job.OnError != nil {
		job.OnError(err)
	}
}
