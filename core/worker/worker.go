// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background goroutines.
package worker

import (
	"context"
	"sync"
)

// Worker is a set of managed background goroutines sharing one halt signal.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh   chan interface{}
	haltOnce sync.Once
}

// Go executes fn in a new goroutine tracked by the Worker.  It is fn's
// responsibility to monitor HaltCh() and return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every goroutine started under the Worker to terminate and
// waits until all of them have returned.  Halt may be called more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}

// HaltCh returns the channel that is closed by Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

// HaltContext returns a context derived from parent that is cancelled when
// the Worker is halted.  The returned CancelFunc must be called to release
// the watcher.
func (w *Worker) HaltContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelFn := context.WithCancel(parent)
	haltCh := w.HaltCh()
	go func() {
		select {
		case <-haltCh:
			cancelFn()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelFn
}

// IsHalted returns true iff Halt has been called.
func (w *Worker) IsHalted() bool {
	select {
	case <-w.HaltCh():
		return true
	default:
		return false
	}
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
