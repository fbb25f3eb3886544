package proxy

import (
	"context"
	"sync"
	"sync/atomic"
)

// ShutdownState is the lifecycle of a ShutdownCoordinator.
type ShutdownState int32

const (
	StateRunning ShutdownState = iota
	StateShuttingDown
	StateDrained
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// ShutdownCoordinator broadcasts a single shutdown trigger to every
// registered operation and lets the owner wait until all of them returned.
//
// There is no forced path: Wait blocks until each operation observes the
// cancelled context at one of its suspension points and exits.
type ShutdownCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	wg    sync.WaitGroup
	state atomic.Int32
}

// NewShutdownCoordinator creates a running coordinator derived from parent.
func NewShutdownCoordinator(parent context.Context) *ShutdownCoordinator {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &ShutdownCoordinator{ctx: ctx, cancel: cancel}
	context.AfterFunc(ctx, func() {
		s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))
	})
	return s
}

// Context is cancelled once shutdown has been triggered.
func (s *ShutdownCoordinator) Context() context.Context {
	return s.ctx
}

// Done is closed once shutdown has been triggered.
func (s *ShutdownCoordinator) Done() <-chan struct{} {
	return s.ctx.Done()
}

// State returns the current lifecycle state.
func (s *ShutdownCoordinator) State() ShutdownState {
	return ShutdownState(s.state.Load())
}

// Go runs fn in its own goroutine and registers it with the drain barrier.
// It returns false without running fn when shutdown was already triggered.
func (s *ShutdownCoordinator) Go(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

// Trigger starts shutdown. Calling it more than once is harmless.
func (s *ShutdownCoordinator) Trigger() {
	s.mu.Lock()
	s.cancel()
	s.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))
	s.mu.Unlock()
}

// Wait blocks until shutdown was triggered and every registered operation
// returned, then moves to StateDrained.
func (s *ShutdownCoordinator) Wait() {
	<-s.ctx.Done()
	s.mu.Lock()
	// no Go call can Add past this point
	s.mu.Unlock()
	s.wg.Wait()
	s.state.Store(int32(StateDrained))
}
