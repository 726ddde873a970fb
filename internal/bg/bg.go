// Package bg decides whether pipeline work runs on its own goroutine.
//
// Long deployments are started through a Runner so chat and HTTP handlers can
// answer immediately. Tests and the one-shot CLI use Sync to keep execution
// deterministic.
package bg

import (
	"context"
	"sync"
)

// Runner executes functions, synchronously or not depending on the implementation
type Runner interface {
	Do(fn func())
}

// Async runs every function on a new goroutine
type Async struct{}

func (Async) Do(fn func()) {
	go fn()
}

// Sync runs every function on the caller's goroutine
type Sync struct{}

func (Sync) Do(fn func()) {
	fn()
}

// Group is an Async runner that can wait for outstanding work on shutdown
type Group struct {
	wg sync.WaitGroup
}

// Do runs fn on a new goroutine tracked by the group
func (g *Group) Do(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait blocks until all started functions returned or ctx is done
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
