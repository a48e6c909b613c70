// Package workerpool provides a bounded worker pool for batch calculations.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when submitting to a stopped pool
	ErrStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan *Result
}

// Result is the outcome of a task
type Result struct {
	TaskID   string
	Data     interface{}
	Error    error
	Attempts int
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) (interface{}, error)

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

func isPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is how many times a failed task is retried
	MaxRetries int
	// RetryDelay grows linearly with each retry
	RetryDelay time.Duration
	// ShutdownTimeout bounds Stop
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for calculation batches
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       1000,
		MaxRetries:      1,
		RetryDelay:      250 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	tasks   chan *Task
	results chan *Result
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	active    int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task, cfg.QueueSize),
		results:    make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking. Its result goes to Results.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task, blocking while the queue is full, and waits for
// its result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if task.Context == nil {
		task.Context = ctx
	}

	if err := p.enqueue(ctx, task); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-task.done:
		return res, nil
	}
}

func (p *Pool) enqueue(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Map runs every task and returns results in task order
func (p *Pool) Map(ctx context.Context, tasks []*Task) []*Result {
	out := make([]*Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *Task) {
			defer wg.Done()
			res, err := p.SubmitWait(ctx, task)
			if err != nil {
				res = &Result{TaskID: task.ID, Error: err}
			}
			out[i] = res
		}(i, task)
	}
	wg.Wait()
	return out
}

// Results carries results of tasks queued with Submit
func (p *Pool) Results() <-chan *Result {
	return p.results
}

// Stop drains queued tasks and waits for the workers
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.cancel()
		<-done
		err = fmt.Errorf("worker pool shutdown exceeded %s", p.config.ShutdownTimeout)
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
	close(p.results)
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		atomic.AddInt64(&p.active, 1)
		res := p.run(task)
		atomic.AddInt64(&p.active, -1)

		if res.Error != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Warn("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Error))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}

		if task.done != nil {
			task.done <- res
			continue
		}
		select {
		case p.results <- res:
		default:
			p.logger.Warn("result channel full, dropping result", zap.String("task_id", task.ID))
		}
	}
}

// run executes a task with retries
func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}
	res := &Result{TaskID: task.ID}

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Error = err
			return res
		}
		res.Attempts = attempt + 1
		data, err := p.workerFunc(ctx, task)
		if err == nil {
			res.Data, res.Error = data, nil
			return res
		}
		res.Data, res.Error = data, err
		if isPermanent(err) || attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		select {
		case <-ctx.Done():
			res.Error = ctx.Err()
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	if isPermanent(res.Error) {
		res.Error = errors.Unwrap(res.Error)
	}
	return res
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Retried       int64 `json:"retried"`
	Active        int64 `json:"active"`
	QueueDepth    int   `json:"queue_depth"`
	QueueCapacity int   `json:"queue_capacity"`
	Workers       int   `json:"workers"`
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		Active:        atomic.LoadInt64(&p.active),
		QueueDepth:    len(p.tasks),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% full
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
