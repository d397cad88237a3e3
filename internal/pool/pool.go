// Package pool bounds how many synthesis jobs run at once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/synthesis-service/internal/config"
	"github.com/book-expert/synthesis-service/internal/core"
)

// ErrWorkerFault is the cause reported when a job's executor panics.
var ErrWorkerFault = errors.New("worker fault")

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, desc core.Descriptor) core.Result
}

// Options configure a Pool.
type Options struct {
	MaxConcurrentJobs int
	// Mode is config.AdmissionQueue or config.AdmissionReject.
	Mode string
	// MaxQueue bounds the wait queue in queue mode. Zero means unbounded.
	MaxQueue int
	// JobTimeout bounds the context each job runs with. Zero means unbounded.
	JobTimeout time.Duration
}

// JobInfo describes one in-flight job.
type JobInfo struct {
	ID        string    `json:"id"`
	Voice     string    `json:"voice"`
	StartedAt time.Time `json:"started_at"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Limit    int       `json:"limit"`
	InFlight int       `json:"in_flight"`
	Queued   int       `json:"queued"`
	Mode     string    `json:"mode"`
	Jobs     []JobInfo `json:"jobs"`
}

// Handle is the caller's side of a submitted job.
type Handle struct {
	id     string
	done   chan struct{}
	result core.Result
}

// ID returns the job id.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx is done. A job whose caller gave
// up keeps running and its result is discarded.
func (h *Handle) Wait(ctx context.Context) (core.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return core.Result{}, fmt.Errorf("job %s: %w", h.id, ctx.Err())
	}
}

type task struct {
	desc   core.Descriptor
	handle *Handle
}

// Pool runs at most MaxConcurrentJobs jobs concurrently.
type Pool struct {
	executor Executor
	opts     Options
	log      *logger.Logger

	mu       sync.Mutex
	running  int
	queue    []task
	inFlight map[string]JobInfo
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Pool.
func New(executor Executor, opts Options, log *logger.Logger) *Pool {
	if opts.MaxConcurrentJobs < 1 {
		opts.MaxConcurrentJobs = config.DefaultMaxConcurrentJobs
	}

	if opts.Mode == "" {
		opts.Mode = config.AdmissionQueue
	}

	return &Pool{
		executor: executor,
		opts:     opts,
		log:      log,
		inFlight: make(map[string]JobInfo),
	}
}

// Submit admits a job. It returns core.ErrShuttingDown once admission has
// stopped and core.ErrPoolSaturated when the pool cannot take the job.
func (p *Pool) Submit(desc core.Descriptor) (*Handle, error) {
	handle := &Handle{id: desc.ID, done: make(chan struct{})}
	item := task{desc: desc, handle: handle}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, core.ErrShuttingDown
	}

	if p.running < p.opts.MaxConcurrentJobs {
		p.startLocked(item)

		return handle, nil
	}

	if p.opts.Mode == config.AdmissionReject {
		return nil, fmt.Errorf("%w: %d jobs in flight", core.ErrPoolSaturated, p.running)
	}

	if p.opts.MaxQueue > 0 && len(p.queue) >= p.opts.MaxQueue {
		return nil, fmt.Errorf("%w: queue holds %d jobs", core.ErrPoolSaturated, len(p.queue))
	}

	p.queue = append(p.queue, item)
	p.log.Info("Job %s queued at position %d", desc.ID, len(p.queue))

	return handle, nil
}

// startLocked must be called with p.mu held.
func (p *Pool) startLocked(item task) {
	p.running++
	p.inFlight[item.desc.ID] = JobInfo{ID: item.desc.ID, Voice: item.desc.Voice, StartedAt: time.Now()}
	p.wg.Add(1)

	go p.run(item)
}

func (p *Pool) run(item task) {
	defer p.wg.Done()
	defer p.release(item.desc.ID)

	item.handle.result = p.execute(item.desc)
	close(item.handle.done)
}

func (p *Pool) execute(desc core.Descriptor) (result core.Result) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		p.log.Error("Job %s: worker panicked: %v", desc.ID, recovered)
		result = core.ErrorResult(desc.ID, core.StageWorker, fmt.Errorf("%w: %v", ErrWorkerFault, recovered))
	}()

	ctx := context.Background()

	if p.opts.JobTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, p.opts.JobTimeout)
		defer cancel()
	}

	return p.executor.Execute(ctx, desc)
}

// release frees the slot of a finished job or hands it to the queue head.
func (p *Pool) release(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.inFlight, jobID)
	p.running--

	if len(p.queue) == 0 {
		return
	}

	next := p.queue[0]
	p.queue[0] = task{}
	p.queue = p.queue[1:]
	p.startLocked(next)
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	jobs := make([]JobInfo, 0, len(p.inFlight))
	for _, info := range p.inFlight {
		jobs = append(jobs, info)
	}

	return Stats{
		Limit:    p.opts.MaxConcurrentJobs,
		InFlight: p.running,
		Queued:   len(p.queue),
		Mode:     p.opts.Mode,
		Jobs:     jobs,
	}
}

// StopAdmission makes every later Submit fail with core.ErrShuttingDown.
// Admitted and queued jobs still run.
func (p *Pool) StopAdmission() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		p.log.Info("Pool stopped admitting jobs (%d in flight, %d queued)", p.running, len(p.queue))
	}
}

// Shutdown stops admission and waits for in-flight and queued jobs to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.StopAdmission()

	drained := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain pool: %w", ctx.Err())
	}
}
