// Package diffpool runs post-commit diff generation (spec §4.G's "diff
// post-processing") on a bounded worker pool so a burst of releases
// cannot starve the process of CPU the acquisition path needs. The pool
// itself is a hand-rolled buffered-channel semaphore plus sync.WaitGroup;
// Promote's concurrent source/destination resolution is what actually
// uses golang.org/x/sync/errgroup, the teacher's own (indirect, here
// promoted to direct) concurrency-helper dependency.
package diffpool

import (
	"context"
	"sync"
)

// Pool runs submitted jobs on at most size concurrent goroutines.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// New returns a Pool that runs at most size jobs concurrently.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Submit runs job on the pool, blocking only until a slot is free, never
// until job completes. job is handed ctx but the pool itself applies no
// timeout; callers that need one should derive ctx accordingly.
func (p *Pool) Submit(ctx context.Context, job func(context.Context)) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()
		job(ctx)
	}()
}

// Wait blocks until every submitted job has finished. Intended for
// tests and graceful shutdown, never on the request path.
func (p *Pool) Wait() {
	p.wg.Wait()
}
