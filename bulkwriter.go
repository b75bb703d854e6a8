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

package docwire

import (
	"context"

	"docwire.dev/internal/batcher"
	"docwire.dev/internal/dwerr"
	"docwire.dev/rpc"
	"docwire.dev/write"
	"google.golang.org/grpc/codes"
)

// batchWriteLimit is the maximum number of writes per BatchWrite
// request.
const batchWriteLimit = 500

// A BulkWriter applies many independent writes with batching. Each
// Write call blocks until its write has been applied and reports that
// write's own outcome; writes in the same batch succeed or fail
// independently of each other.
type BulkWriter struct {
	c *Client
	b *batcher.Batcher
}

// BulkWriterOptions configures a BulkWriter.
type BulkWriterOptions struct {
	// MaxConcurrentBatches bounds in-flight BatchWrite requests.
	// Zero means 2.
	MaxConcurrentBatches int
}

// BulkWriter returns a bulk writer on the client's database.
func (c *Client) BulkWriter(ctx context.Context, opts *BulkWriterOptions) *BulkWriter {
	if opts == nil {
		opts = &BulkWriterOptions{}
	}
	maxHandlers := opts.MaxConcurrentBatches
	if maxHandlers <= 0 {
		maxHandlers = 2
	}
	bw := &BulkWriter{c: c}
	bw.b = batcher.New(batcher.Options{
		MaxHandlers:  maxHandlers,
		MaxBatchSize: batchWriteLimit,
	}, func(ops []*batcher.Op) {
		bw.flush(ctx, ops)
	})
	return bw
}

// Write enqueues one write and blocks until it is applied.
func (bw *BulkWriter) Write(ctx context.Context, w *write.Write) (*write.WriteResult, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return bw.b.Add(ctx, w)
}

// flush sends one batch. A batch must not target the same document
// twice, so duplicates are split into successive requests.
func (bw *BulkWriter) flush(ctx context.Context, ops []*batcher.Op) {
	for len(ops) > 0 {
		chunk, rest := splitUniqueTargets(ops)
		bw.sendBatch(ctx, chunk)
		ops = rest
	}
}

func splitUniqueTargets(ops []*batcher.Op) (chunk, rest []*batcher.Op) {
	seen := map[string]bool{}
	for i, op := range ops {
		name := op.Write.TargetName()
		if seen[name] {
			return ops[:i:i], ops[i:]
		}
		seen[name] = true
	}
	return ops, nil
}

func (bw *BulkWriter) sendBatch(ctx context.Context, ops []*batcher.Op) {
	writes := make([]*write.Write, len(ops))
	for i, op := range ops {
		writes[i] = op.Write
	}
	res, err := bw.c.svc.BatchWrite(ctx, &rpc.BatchWriteRequest{
		Database: bw.c.database,
		Writes:   writes,
	})
	if err != nil {
		for _, op := range ops {
			op.Err = err
		}
		return
	}
	for i, op := range ops {
		st := res.Status[i]
		if st.Code() != codes.OK {
			op.Err = dwerr.New(dwerr.GRPCCode(st.Err()), st.Err(), st.Message())
			continue
		}
		op.Result = res.WriteResults[i]
	}
}
