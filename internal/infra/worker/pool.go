// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	ErrPoolFull    = errors.New("worker queue full")
	ErrPoolStopped = errors.New("worker pool stopped")
)

// A small bounded worker pool. Tasks run on a context that is detached from the
// caller's cancellation; only Shutdown cancels it.

type Task func(ctx context.Context) error

type Pool struct {
	wg      sync.WaitGroup
	jobs    chan Task
	quit    chan struct{}
	n       int
	pending atomic.Int64
	stopped atomic.Bool
	cancel  context.CancelFunc
	log     *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{jobs: make(chan Task, workers), quit: make(chan struct{}), n: workers, log: logger}
}

func (p *Pool) Start(ctx context.Context) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-p.quit:
					return
				case task := <-p.jobs:
					p.run(execCtx, id, task)
				}
			}
		}(i)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer p.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("worker", id).Msg("worker task panicked")
		}
	}()
	if err := task(ctx); err != nil {
		p.log.Error().Err(err).Int("worker", id).Msg("worker task error")
	}
}

// Size is the number of workers.
func (p *Pool) Size() int { return p.n }

// Idle reports how many more tasks can be accepted without queueing behind running ones.
func (p *Pool) Idle() int {
	idle := p.n - int(p.pending.Load())
	if idle < 0 {
		return 0
	}
	return idle
}

func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	p.pending.Add(1)
	select {
	case p.jobs <- task:
		return nil
	default:
		p.pending.Add(-1)
		return ErrPoolFull
	}
}

// Shutdown stops accepting tasks and waits for running ones. If ctx expires first,
// running tasks are cancelled and Shutdown still waits for them to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		return nil
	case <-ctx.Done():
		p.log.Warn().Msg("shutdown timeout reached, cancelling in-flight tasks")
		if p.cancel != nil {
			p.cancel()
		}
		<-done
		return ctx.Err()
	}
}
