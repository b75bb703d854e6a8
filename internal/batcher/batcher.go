// Copyright 2025 The Docwire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package batcher supports batching of writes. Create a Batcher with a
// handler and add writes to it. Writes accumulate while handler calls are
// in progress; when a handler returns, it is called again with the
// accumulated writes, bounded by the batch size limit.
package batcher

import (
	"context"
	"sync"

	"docwire.dev/write"
)

// An Op is one write moving through a Batcher. The handler fills in
// Result or Err for each op in its batch.
type Op struct {
	Write  *write.Write
	Result *write.WriteResult
	Err    error
}

// Options configures a Batcher.
type Options struct {
	// MaxHandlers is the maximum number of concurrently running
	// handlers. Zero means 1.
	MaxHandlers int

	// MaxBatchSize caps the number of writes per handler call. Zero
	// means no cap.
	MaxBatchSize int
}

// A Batcher batches writes.
type Batcher struct {
	opts    Options
	handler func([]*Op)
	sem     chan struct{} // semaphore for outstanding handlers

	mu      sync.Mutex
	pending []waiter // writes waiting to be handled
}

type waiter struct {
	op   *Op
	done chan struct{}
}

// New creates a new Batcher. The handler is called with a non-empty
// batch of ops and must set each op's Result or Err before returning.
func New(opts Options, handler func([]*Op)) *Batcher {
	if opts.MaxHandlers <= 0 {
		opts.MaxHandlers = 1
	}
	b := &Batcher{
		opts:    opts,
		handler: handler,
		sem:     make(chan struct{}, opts.MaxHandlers),
	}
	for i := 0; i < opts.MaxHandlers; i++ {
		b.sem <- struct{}{}
	}
	return b
}

// Add adds a write to the batcher. It blocks until a handler has
// processed the write and reports the handler's per-write outcome.
func (b *Batcher) Add(ctx context.Context, w *write.Write) (*write.WriteResult, error) {
	// The done channel is buffered so a handler finishing while this
	// goroutine is running another handler never blocks.
	wa := waiter{op: &Op{Write: w}, done: make(chan struct{}, 1)}
	b.mu.Lock()
	b.pending = append(b.pending, wa)
	b.mu.Unlock()
	// Keep processing batches until this write has been handled.
	for {
		// If there's a choice between doing work and getting this
		// write's outcome, prefer the outcome.
		select {
		case <-wa.done:
			return wa.op.Result, wa.op.Err
		default:
		}
		select {
		case <-wa.done:
			return wa.op.Result, wa.op.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.sem:
			b.callHandler()
			b.sem <- struct{}{}
		}
	}
}

// callHandler invokes the handler on the next batch of pending writes.
func (b *Batcher) callHandler() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	if max := b.opts.MaxBatchSize; max > 0 && len(batch) > max {
		batch = batch[:max]
	}
	b.pending = b.pending[len(batch):]
	b.mu.Unlock()
	ops := make([]*Op, len(batch))
	for i, wa := range batch {
		ops[i] = wa.op
	}
	b.handler(ops)
	for _, wa := range batch {
		wa.done <- struct{}{}
	}
}
