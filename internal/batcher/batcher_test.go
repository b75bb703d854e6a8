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

package batcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"docwire.dev/document"
	"docwire.dev/write"
)

func testWrite(i int) *write.Write {
	return write.Update(&document.Document{
		Name: "projects/P/databases/D/documents/C/d" + strconv.Itoa(i),
	}, nil)
}

func TestBatcherSequential(t *testing.T) {
	// Sequential Adds with no concurrent work produce single-op batches.
	ctx := context.Background()
	e := errors.New("e")
	var got []*Op
	b := New(Options{}, func(ops []*Op) {
		got = ops
		for _, op := range ops {
			op.Err = e
		}
	})
	for i := 0; i < 10; i++ {
		w := testWrite(i)
		_, err := b.Add(ctx, w)
		if err != e {
			t.Errorf("got %v, want %v", err, e)
		}
		if len(got) != 1 || got[0].Write != w {
			t.Errorf("batch %d: got %+v, want the one added write", i, got)
		}
	}
}

func TestBatcherPerOpOutcomes(t *testing.T) {
	// The handler reports each op's outcome independently.
	ctx := context.Background()
	e := errors.New("op failed")
	b := New(Options{}, func(ops []*Op) {
		for _, op := range ops {
			if op.Write.TargetName() == testWrite(1).TargetName() {
				op.Err = e
			} else {
				op.Result = &write.WriteResult{}
			}
		}
	})
	if res, err := b.Add(ctx, testWrite(0)); err != nil || res == nil {
		t.Errorf("sound write: res %v err %v", res, err)
	}
	if _, err := b.Add(ctx, testWrite(1)); err != e {
		t.Errorf("failing write: got %v, want %v", err, e)
	}
}

func TestBatcherSaturation(t *testing.T) {
	// Under high load the maximum number of handlers run concurrently and
	// ops accumulate into multi-op batches.
	ctx := context.Background()
	const maxHandlers = 10
	var (
		mu               sync.Mutex
		outstanding, max int // number of handlers
		maxBatch         int // size of largest batch
		count            = map[string]int{}
	)
	b := New(Options{MaxHandlers: maxHandlers}, func(ops []*Op) {
		mu.Lock()
		outstanding++
		if outstanding > max {
			max = outstanding
		}
		for _, op := range ops {
			count[op.Write.TargetName()]++
			op.Result = &write.WriteResult{}
		}
		if len(ops) > maxBatch {
			maxBatch = len(ops)
		}
		mu.Unlock()
		defer func() { mu.Lock(); outstanding--; mu.Unlock() }()
		// Sleep a little to increase the likelihood of saturation.
		time.Sleep(10 * time.Millisecond)
	})
	var wg sync.WaitGroup
	const nOps = 1000
	for i := 0; i < nOps; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Sleep a little to increase the likelihood of saturation.
			time.Sleep(time.Millisecond)
			if _, err := b.Add(ctx, testWrite(i)); err != nil {
				t.Errorf("Add(%d) error: %v", i, err)
			}
		}()
	}
	wg.Wait()
	if max != maxHandlers {
		t.Errorf("max concurrent handlers = %d, want %d", max, maxHandlers)
	}
	if maxBatch <= 1 {
		t.Errorf("got max batch size of %d, expected > 1", maxBatch)
	}
	// Every op was handled exactly once.
	if len(count) != nOps {
		t.Fatalf("handled %d distinct ops, want %d", len(count), nOps)
	}
	for name, n := range count {
		if n != 1 {
			t.Errorf("%s handled %d times", name, n)
		}
	}
}

func TestBatcherMaxBatchSize(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	maxBatch := 0
	b := New(Options{MaxHandlers: 1, MaxBatchSize: 3}, func(ops []*Op) {
		mu.Lock()
		if len(ops) > maxBatch {
			maxBatch = len(ops)
		}
		mu.Unlock()
		for _, op := range ops {
			op.Result = &write.WriteResult{}
		}
		time.Sleep(5 * time.Millisecond)
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Add(ctx, testWrite(i)); err != nil {
				t.Errorf("Add(%d) error: %v", i, err)
			}
		}()
	}
	wg.Wait()
	if maxBatch > 3 {
		t.Errorf("batch of %d ops exceeded the cap of 3", maxBatch)
	}
}

func TestBatcherContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	b := New(Options{MaxHandlers: 1}, func(ops []*Op) {
		<-release
		for _, op := range ops {
			op.Result = &write.WriteResult{}
		}
	})
	var wg sync.WaitGroup
	// Occupy the only handler slot.
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Add(context.Background(), testWrite(0))
	}()
	time.Sleep(10 * time.Millisecond)
	// This Add has no free handler and must give up when ctx is canceled.
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = b.Add(ctx, testWrite(1))
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	close(release)
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("canceled Add: got %v", err)
	}
}
