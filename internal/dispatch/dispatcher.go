package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"med-dispatch/internal/general/logger"
)

// Lane is one of the three fixed priority classes. The names are the queue
// names exposed to job submitters.
type Lane string

const (
	LaneHigh   Lane = "high_priority"
	LaneNormal Lane = "normal"
	LaneLow    Lane = "low_priority"
)

// laneOrder is the selection order: drain all ready high tasks before any
// normal, all normal before any low.
var laneOrder = []Lane{LaneHigh, LaneNormal, LaneLow}

// Valid reports whether lane is one of the three fixed lanes.
func (lane Lane) Valid() bool {
	switch lane {
	case LaneHigh, LaneNormal, LaneLow:
		return true
	default:
		return false
	}
}

// Task is a unit of asynchronous work.
type Task struct {
	ID             string
	Kind           string
	Lane           Lane
	Payload        map[string]any
	NotBefore      time.Time // zero means immediately eligible
	IdempotencyKey string    // optional; dedupes unresolved submissions

	attempts int
}

// Attempts reports how many executions this task has had so far.
func (t *Task) Attempts() int { return t.attempts }

// HandlerFunc executes one kind of task. A returned error is retried unless
// wrapped with Permanent.
type HandlerFunc func(ctx context.Context, task Task) error

// ErrPermanent marks a handler error as non-retryable.
var ErrPermanent = errors.New("permanent task failure")

// ErrUnknownLane rejects submissions outside the fixed three-lane taxonomy.
var ErrUnknownLane = errors.New("unknown priority lane")

// Permanent wraps err so the dispatcher fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// FailedTask is a task that exhausted its retries (or failed permanently),
// retained for observability rather than silently dropped.
type FailedTask struct {
	Task     Task
	Err      error
	Attempts int
	FailedAt time.Time
}

// Config holds dispatcher tunables.
type Config struct {
	Workers    int
	RetryMax   int           // attempts before a task is failed permanently
	RetryDelay time.Duration // base backoff; doubles per attempt
}

// Dispatcher is a priority-ordered execution engine with three fixed lanes.
// Submission is synchronous and cheap; execution happens on a worker pool
// started by Run.
type Dispatcher struct {
	logger *logger.Logger
	cfg    Config

	handlers map[string]HandlerFunc

	mu     sync.Mutex
	queues map[Lane][]*Task
	byKey  map[string]string // idempotency key -> task ID, held until resolution
	failed []FailedTask

	wake chan struct{}
}

const failedTaskCap = 256

// New constructs a dispatcher. Handlers must be registered before Run.
func New(log *logger.Logger, cfg Config) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &Dispatcher{
		logger:   log,
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		queues: map[Lane][]*Task{
			LaneHigh:   nil,
			LaneNormal: nil,
			LaneLow:    nil,
		},
		byKey: make(map[string]string),
		wake:  make(chan struct{}, 1),
	}
}

// Handle registers the executor for a task kind.
func (d *Dispatcher) Handle(kind string, fn HandlerFunc) {
	d.handlers[kind] = fn
}

// Submit enqueues a task and returns its ID. A task carrying an idempotency
// key already held by an unresolved task is a no-op returning the original
// task's ID.
func (d *Dispatcher) Submit(t Task) (string, error) {
	if strings.TrimSpace(t.Kind) == "" {
		return "", errors.New("task kind is required")
	}
	if t.Lane == "" {
		t.Lane = LaneNormal
	}
	if !t.Lane.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownLane, t.Lane)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if t.IdempotencyKey != "" {
		if existing, ok := d.byKey[t.IdempotencyKey]; ok {
			return existing, nil
		}
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.IdempotencyKey != "" {
		d.byKey[t.IdempotencyKey] = t.ID
	}

	d.queues[t.Lane] = append(d.queues[t.Lane], &t)
	submittedTotal.WithLabelValues(string(t.Lane), t.Kind).Inc()
	d.signal()
	return t.ID, nil
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Queued returns a snapshot of the pending tasks in a lane, FIFO order.
func (d *Dispatcher) Queued(lane Lane) []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Task, 0, len(d.queues[lane]))
	for _, t := range d.queues[lane] {
		out = append(out, *t)
	}
	return out
}

// FailedTasks returns a snapshot of permanently failed tasks.
func (d *Dispatcher) FailedTasks() []FailedTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FailedTask, len(d.failed))
	copy(out, d.failed)
	return out
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		task, wait := d.next()
		if task != nil {
			d.execute(ctx, task)
			continue
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-d.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
	}
}

// next pops the first ready task, lane-first then FIFO within the lane. When
// nothing is ready it returns the delay until the earliest not-before time,
// or zero when all lanes are empty.
func (d *Dispatcher) next() (*Task, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var earliest time.Time

	for _, lane := range laneOrder {
		q := d.queues[lane]
		for i, t := range q {
			if t.NotBefore.After(now) {
				if earliest.IsZero() || t.NotBefore.Before(earliest) {
					earliest = t.NotBefore
				}
				continue
			}
			d.queues[lane] = append(q[:i:i], q[i+1:]...)
			return t, 0
		}
	}

	if earliest.IsZero() {
		return nil, 0
	}
	return nil, time.Until(earliest)
}

func (d *Dispatcher) execute(ctx context.Context, t *Task) {
	handler, ok := d.handlers[t.Kind]
	if !ok {
		d.failPermanently(t, fmt.Errorf("no handler registered for kind %q", t.Kind))
		return
	}

	t.attempts++
	err := handler(ctx, *t)
	if err == nil {
		d.resolve(t)
		executedTotal.WithLabelValues(string(t.Lane), t.Kind).Inc()
		return
	}

	if errors.Is(err, ErrPermanent) || t.attempts >= d.cfg.RetryMax {
		d.failPermanently(t, err)
		return
	}

	// transient failure: requeue at the lane tail with exponential backoff
	backoff := d.cfg.RetryDelay << (t.attempts - 1)
	t.NotBefore = time.Now().Add(backoff)

	d.mu.Lock()
	d.queues[t.Lane] = append(d.queues[t.Lane], t)
	d.mu.Unlock()
	retriedTotal.WithLabelValues(string(t.Lane), t.Kind).Inc()
	d.signal()

	d.logger.Warn(ctx, "task_retry_scheduled", "Task failed; retrying with backoff", map[string]any{
		"task_id": t.ID,
		"kind":    t.Kind,
		"attempt": t.attempts,
		"backoff": backoff.String(),
	})
}

// resolve releases the idempotency key after a final outcome.
func (d *Dispatcher) resolve(t *Task) {
	if t.IdempotencyKey == "" {
		return
	}
	d.mu.Lock()
	if d.byKey[t.IdempotencyKey] == t.ID {
		delete(d.byKey, t.IdempotencyKey)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) failPermanently(t *Task, err error) {
	d.resolve(t)

	d.mu.Lock()
	if len(d.failed) >= failedTaskCap {
		d.failed = d.failed[1:]
	}
	d.failed = append(d.failed, FailedTask{
		Task:     *t,
		Err:      err,
		Attempts: t.attempts,
		FailedAt: time.Now().UTC(),
	})
	d.mu.Unlock()

	failedTotal.WithLabelValues(string(t.Lane), t.Kind).Inc()
	d.logger.Error(context.Background(), "task_failed_permanently",
		"Task exceeded retry ceiling or failed permanently", err, map[string]any{
			"task_id":  t.ID,
			"kind":     t.Kind,
			"attempts": t.attempts,
		})
}
