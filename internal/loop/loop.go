// Package loop runs periodic background work with a start-once latch.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var ErrAlreadyRunning = errors.New("loop already running")

// Loop calls Tick every Interval until stopped. Wake requests an
// immediate tick; requests made while a tick is running coalesce.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
	Logger   *slog.Logger

	running atomic.Bool
	wake    chan struct{}
	stopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start launches the loop goroutine. A second call returns ErrAlreadyRunning.
func (l *Loop) Start(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", l.Name, ErrAlreadyRunning)
	}
	if l.Tick == nil {
		l.running.Store(false)
		return fmt.Errorf("%s: tick func is required", l.Name)
	}
	if l.Interval <= 0 {
		l.Interval = time.Second
	}
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)

	l.stopMu.Lock()
	l.wake = make(chan struct{}, 1)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.stopMu.Unlock()

	go l.run(ctx)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	l.Logger.Info("loop started", "loop", l.Name, "interval", l.Interval)
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			l.Logger.Info("loop stopped", "loop", l.Name)
			return
		case <-ticker.C:
		case <-l.wake:
		}
		l.tick(ctx)
	}
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.Logger.Error("loop tick panicked", "loop", l.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := l.Tick(ctx); err != nil && ctx.Err() == nil {
		l.Logger.Error("loop tick failed", "loop", l.Name, "error", err)
	}
}

// Wake asks for a tick as soon as possible. It never blocks.
func (l *Loop) Wake() {
	l.stopMu.Lock()
	ch := l.wake
	l.stopMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for the current tick to finish.
func (l *Loop) Stop() {
	l.stopMu.Lock()
	cancel, done := l.cancel, l.done
	l.stopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when the loop goroutine exits. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	return l.done
}

func (l *Loop) Running() bool { return l.running.Load() }
