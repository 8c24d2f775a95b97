// Package dispatch runs tasks on named, bounded worker pools.
//
// A connection's receive loop hands each incoming message to the
// executor for its kind, so that slow method handlers cannot delay
// replies or signals.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
)

// Name identifies an executor.
type Name string

const (
	Signal       Name = "SIGNAL"
	Error        Name = "ERROR"
	MethodCall   Name = "METHODCALL"
	MethodReturn Name = "METHODRETURN"
)

// Names lists the executors a Service runs.
var Names = []Name{Signal, Error, MethodCall, MethodReturn}

const (
	// MaxRetries is the most submission attempts that fail before a
	// task is dropped, whatever the RetryHandler says.
	MaxRetries = 50
	// DefaultHandlerRetries is the retry count of DefaultRetryHandler.
	DefaultHandlerRetries = 10
	// DefaultQueueDepth is the number of tasks an executor queues
	// before rejecting submissions.
	DefaultQueueDepth = 128
)

// DefaultWorkers are the executor pool sizes used when Config leaves
// them unset.
var DefaultWorkers = map[Name]int{
	Signal:       1,
	Error:        1,
	MethodCall:   4,
	MethodReturn: 1,
}

var (
	// ErrClosed is returned when submitting to a Service that has
	// been shut down.
	ErrClosed = errors.New("receiving service already closed")
	// ErrUnknownExecutor is returned when submitting to an executor
	// the Service does not have.
	ErrUnknownExecutor = errors.New("no executor found")
	// ErrQueueFull is passed to the RetryHandler when an executor's
	// queue has no room.
	ErrQueueFull = errors.New("executor queue full")
	// ErrDropped is returned when a task was not accepted before the
	// RetryHandler gave up.
	ErrDropped = errors.New("task dropped")
)

// RetryHandler decides whether a rejected submission is retried.
type RetryHandler interface {
	// Retry is called after each failed submission to executor
	// name, and reports whether to try again.
	Retry(name Name, err error) bool
}

// RetryFunc adapts a function to a RetryHandler.
type RetryFunc func(name Name, err error) bool

func (f RetryFunc) Retry(name Name, err error) bool { return f(name, err) }

// DefaultRetryHandler returns a handler that allows
// DefaultHandlerRetries consecutive failures, then gives up and starts
// counting again.
func DefaultRetryHandler() RetryHandler {
	return &countingRetry{limit: DefaultHandlerRetries}
}

type countingRetry struct {
	mu    sync.Mutex
	limit int
	count int
}

func (c *countingRetry) Retry(Name, error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count < c.limit {
		return true
	}
	c.count = 0
	return false
}

// Config configures a Service.
type Config struct {
	// Workers sets the pool size of each executor. Missing or
	// non-positive entries use DefaultWorkers.
	Workers map[Name]int
	// QueueDepth is the per executor queue length. Non-positive means
	// DefaultQueueDepth.
	QueueDepth int
	// Retry is consulted when a submission is rejected. A nil Retry
	// drops rejected tasks immediately.
	Retry RetryHandler
	// RetryDelay is how long to wait between submission attempts.
	RetryDelay time.Duration
	Logger     logrus.FieldLogger
}

// DefaultConfig returns the configuration used by connections.
func DefaultConfig() Config {
	return Config{
		Retry:      DefaultRetryHandler(),
		RetryDelay: time.Millisecond,
	}
}

// executor is one named worker pool.
type executor interface {
	submit(task func()) error
	// stop prevents further submissions and lets queued tasks drain.
	stop()
}

// Service is a set of named executors.
type Service struct {
	cfg       Config
	log       logrus.FieldLogger
	executors map[Name]executor
	workers   *taskgroup.Group

	mu     sync.Mutex
	closed bool
}

// New starts a Service with the executors in Names.
func New(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	ret := &Service{
		cfg:       cfg,
		log:       log.WithField("component", "dispatch"),
		executors: map[Name]executor{},
		workers:   taskgroup.New(nil),
	}
	for _, name := range Names {
		n := cfg.Workers[name]
		if n <= 0 {
			n = DefaultWorkers[name]
		}
		ret.executors[name] = ret.startPool(name, n, depth)
	}
	return ret
}

// Execute submits task to the named executor. It returns the number
// of failed submission attempts, or -1 if task is nil.
//
// ErrUnknownExecutor and ErrClosed are fatal: the task can never run.
// A task that could not be queued before the retry handler gave up is
// reported with ErrDropped.
func (s *Service) Execute(name Name, task func()) (fails int, err error) {
	if task == nil || name == "" {
		return -1, nil
	}
	exec, ok := s.executors[name]
	if !ok {
		return 0, fmt.Errorf("%w for %s", ErrUnknownExecutor, name)
	}

	for {
		if s.isClosed() {
			return fails, ErrClosed
		}
		err := exec.submit(task)
		if err == nil {
			return fails, nil
		}
		if errors.Is(err, ErrClosed) {
			return fails, err
		}
		if s.cfg.Retry == nil {
			s.log.WithField("executor", name).WithError(err).Warn("dropping task, no retry handler")
			return 0, fmt.Errorf("%w: %w", ErrDropped, err)
		}
		fails++
		if !s.cfg.Retry.Retry(name, err) || fails >= MaxRetries {
			s.log.WithFields(logrus.Fields{
				"executor": name,
				"attempts": fails,
			}).WithError(err).Error("dropping task, retries exhausted")
			return fails, fmt.Errorf("%w after %d attempts: %w", ErrDropped, fails, err)
		}
		if s.cfg.RetryDelay > 0 {
			time.Sleep(s.cfg.RetryDelay)
		}
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Closed reports whether Shutdown has been called.
func (s *Service) Closed() bool { return s.isClosed() }

// Shutdown stops accepting tasks and waits for queued and running
// tasks to finish, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, e := range s.executors {
			e.stop()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pool is an executor backed by a fixed set of goroutines reading a
// bounded queue.
type pool struct {
	name Name
	log  logrus.FieldLogger

	mu      sync.Mutex
	stopped bool
	tasks   chan func()
}

func (s *Service) startPool(name Name, workers, depth int) *pool {
	p := &pool{
		name:  name,
		log:   s.log.WithField("executor", name),
		tasks: make(chan func(), depth),
	}
	for range workers {
		s.workers.Go(func() error {
			for task := range p.tasks {
				p.run(task)
			}
			return nil
		})
	}
	return p
}

func (p *pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("task panicked")
		}
	}()
	task()
}

func (p *pool) submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *pool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
}
