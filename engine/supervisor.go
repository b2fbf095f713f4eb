package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"golang.org/x/sync/errgroup"
)

// Task is one periodic job of the pipeline.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Supervisor runs every task on its own ticker under one cancellable
// context. A task error is logged and the task keeps ticking, unless the
// error means the state owner is gone, which stops all tasks.
type Supervisor struct {
	mu      sync.RWMutex
	tasks   []Task
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func NewSupervisor(tasks ...Task) *Supervisor {
	done := make(chan struct{})
	close(done)
	return &Supervisor{tasks: tasks, done: done}
}

func fatal(err error) bool {
	return errors.Is(err, settleerrors.ErrSManagerClosed)
}

func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	done := s.done
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		task := task
		g.Go(func() error { return runLoop(gctx, task) })
	}
	log.Info(log.Engine, "Supervisor: Starting", "tasks", len(s.tasks))

	go func() {
		err := g.Wait()
		cancel()
		s.mu.Lock()
		s.running = false
		s.err = err
		s.mu.Unlock()
		if err != nil {
			log.Error(log.Engine, "Supervisor: Stopped on fatal error", "err", err)
		} else {
			log.Info(log.Engine, "Supervisor: Stopped")
		}
		close(done)
	}()
}

func runLoop(ctx context.Context, task Task) error {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := task.Run(ctx); err != nil {
				if fatal(err) {
					return err
				}
				if ctx.Err() == nil {
					log.Warn(log.Engine, "Supervisor: Task failed", "task", task.Name, "err", err)
				}
			}
		}
	}
}

// Stop cancels every task and waits for them to return.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Done is closed once all tasks have returned.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Err is the fatal error that stopped the supervisor, if any.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}
