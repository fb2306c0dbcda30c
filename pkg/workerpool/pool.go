// Package workerpool bounds the concurrency of transition processing. The
// reconciliation worker fans consumed events across a fixed set of workers so
// a burst of discharges cannot swamp the database.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one consumed event awaiting processing
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
}

// Result is the outcome of one task attempt
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc processes one task
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config sizes the pool and its retry policy
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries bounds re-attempts of a failed task before it is dropped
	MaxRetries int
	// RetryDelay is the base backoff, scaled linearly per attempt
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight tasks
	ShutdownTimeout time.Duration
}

// DefaultConfig sizes the pool for reconciliation: each task holds one
// database connection while it persists a case, so workers stay well under
// the pool's connection limit.
func DefaultConfig() Config {
	return Config{
		Workers:         16,
		QueueSize:       1024,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks across a fixed worker set
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New validates the config and builds the pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task. A full queue is an error so the caller can leave the
// event uncommitted and take it again.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Stop drains in-flight tasks, bounded by ShutdownTimeout
func (p *Pool) Stop() error {
	p.cancel()
	close(p.tasks)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("worker pool stopped",
			zap.Int64("completed", p.completed.Load()),
			zap.Int64("failed", p.failed.Load()),
			zap.Int64("retried", p.retried.Load()))
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	return nil
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.attempt(id, task)
	}
}

// attempt runs one task through the retry policy
func (p *Pool) attempt(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var last *Result
	for try := 0; try <= p.config.MaxRetries; try++ {
		if ctx.Err() != nil {
			last = &Result{TaskID: task.ID, Success: false, Error: ctx.Err()}
			break
		}

		last = p.fn(ctx, task)
		if last.Success {
			p.completed.Add(1)
			return
		}

		if try == p.config.MaxRetries {
			break
		}
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", try+1),
			zap.Error(last.Error))

		select {
		case <-ctx.Done():
			last = &Result{TaskID: task.ID, Success: false, Error: ctx.Err()}
		case <-time.After(p.config.RetryDelay * time.Duration(try+1)):
			continue
		}
		break
	}

	p.failed.Add(1)
	p.logger.Error("task dropped after retries",
		zap.String("task_id", task.ID),
		zap.Int("worker_id", workerID),
		zap.Int("attempts", p.config.MaxRetries+1),
		zap.Error(last.Error))
}
