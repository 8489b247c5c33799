// Package readback implements the GPU→CPU readback queue.
//
// A readback is recorded into the frame's command stream as a copy into a
// private staging buffer, so it captures the buffer contents at that point
// of the frame. After the command stream is submitted, Flush hands the
// staging buffers to worker goroutines which wait for the GPU and map the
// data back. Completion callbacks run on the caller of Tick or WaitAll,
// never on a worker.
package readback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/particles/gpucore"
)

// ErrQueueClosed is returned when enqueuing on a closed queue.
var ErrQueueClosed = errors.New("readback: queue closed")

// DefaultWorkers is the default number of concurrent readback workers.
const DefaultWorkers = 2

// Request is one buffer range to read back. Size 0 is not allowed.
type Request struct {
	Buffer gpucore.BufferID
	Offset uint64
	Size   uint64
}

// Callback receives one byte slice per request, in request order, or the
// first error.
type Callback func(data [][]byte, err error)

type job struct {
	staging  []gpucore.BufferID
	sizes    []uint64
	callback Callback
}

type completion struct {
	data     [][]byte
	err      error
	callback Callback
}

// Config holds configuration for creating a Queue.
type Config struct {
	// Workers bounds concurrent readbacks.
	// Defaults to DefaultWorkers if <= 0.
	Workers int
}

// Queue is the readback queue.
//
// EnqueueCopy, Flush, Tick and WaitAll must be called from the scheduler
// goroutine; workers only touch the completion list.
type Queue struct {
	dev     gpucore.Device
	g       errgroup.Group
	workers int

	recorded []*job
	waiting  []*job

	mu        sync.Mutex
	completed []completion
	inFlight  int

	// progress is signalled whenever a worker finishes a job.
	progress chan struct{}

	closed bool
}

// New creates a queue reading back through dev.
func New(dev gpucore.Device, cfg Config) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Queue{dev: dev, workers: workers, progress: make(chan struct{}, 1)}
}

// EnqueueCopy records copies of reqs into staging buffers on rec. The
// callback runs from Tick or WaitAll once the data is available. Source
// buffers must be in StateCopySrc.
func (q *Queue) EnqueueCopy(rec gpucore.Recorder, reqs []Request, cb Callback) error {
	if q.closed {
		return ErrQueueClosed
	}

	j := &job{callback: cb}
	for i, r := range reqs {
		staging, err := q.dev.CreateBuffer(&gpucore.BufferDescriptor{
			Label: fmt.Sprintf("readback_staging_%d", i),
			Size:  r.Size,
			Usage: gpucore.BufferUsageMapRead | gpucore.BufferUsageCopyDst,
		})
		if err != nil {
			q.destroy(j.staging)
			return fmt.Errorf("readback: create staging buffer: %w", err)
		}
		rec.CopyBuffer(r.Buffer, staging, r.Offset, 0, r.Size)
		j.staging = append(j.staging, staging)
		j.sizes = append(j.sizes, r.Size)
	}
	q.recorded = append(q.recorded, j)
	return nil
}

// Flush starts workers for every readback recorded so far. It must be
// called after the recorder holding the copies was submitted. Jobs beyond
// the worker limit stay queued for the next Flush.
func (q *Queue) Flush() {
	q.waiting = append(q.waiting, q.recorded...)
	q.recorded = q.recorded[:0]

	started := 0
	for _, j := range q.waiting {
		q.mu.Lock()
		if q.inFlight >= q.workers {
			q.mu.Unlock()
			break
		}
		q.inFlight++
		q.mu.Unlock()
		q.g.Go(func() error { q.run(j); return nil })
		started++
	}
	q.waiting = append(q.waiting[:0], q.waiting[started:]...)
}

// Tick invokes the callbacks of completed readbacks. It never blocks on
// the GPU.
func (q *Queue) Tick() {
	q.Flush()

	q.mu.Lock()
	done := q.completed
	q.completed = nil
	q.mu.Unlock()

	for _, c := range done {
		c.callback(c.data, c.err)
	}
}

// Pending returns the number of readbacks not yet delivered.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.recorded) + len(q.waiting) + q.inFlight + len(q.completed)
}

// WaitAll blocks until every enqueued readback completed and its callback
// ran. The recorders holding the copies must have been submitted. When ctx
// ends first, workers keep running and a later Tick or WaitAll delivers
// their results.
func (q *Queue) WaitAll(ctx context.Context) error {
	for {
		q.Tick()
		if q.Pending() == 0 {
			return nil
		}
		select {
		case <-q.progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close waits for in-flight readbacks and drops recorded ones.
func (q *Queue) Close() {
	if q.closed {
		return
	}
	q.closed = true
	_ = q.g.Wait()
	for _, j := range append(q.recorded, q.waiting...) {
		q.destroy(j.staging)
	}
	q.recorded, q.waiting = nil, nil
	q.mu.Lock()
	q.completed = nil
	q.mu.Unlock()
}

func (q *Queue) run(j *job) {
	data := make([][]byte, len(j.staging))
	var firstErr error
	for i, buf := range j.staging {
		b, err := q.dev.ReadBuffer(buf, 0, j.sizes[i])
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("readback: read staging buffer %d: %w", i, err)
		}
		data[i] = b
	}
	q.destroy(j.staging)
	if firstErr != nil {
		data = nil
	}

	q.mu.Lock()
	q.completed = append(q.completed, completion{data: data, err: firstErr, callback: j.callback})
	q.inFlight--
	q.mu.Unlock()

	select {
	case q.progress <- struct{}{}:
	default:
	}
}

func (q *Queue) destroy(bufs []gpucore.BufferID) {
	for _, b := range bufs {
		q.dev.DestroyBuffer(b)
	}
}
