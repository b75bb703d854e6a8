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

// Package transaction implements client-side transactions: token
// lifecycle, write buffering, and the retry loop that re-runs an aborted
// read-write transaction from the start.
package transaction

import (
	"context"
	"errors"
	"io"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/query"
	"docwire.dev/rpc"
	"docwire.dev/write"
)

// A State is a transaction's lifecycle state. Begun is the only state
// that accepts reads, writes, Commit and Rollback; the other three are
// terminal.
type State int

const (
	None State = iota
	Begun
	Committed
	RolledBack

	// Aborted transactions lost a concurrency conflict. The token is
	// dead; re-run the whole transaction from the start (see Run).
	Aborted
)

var stateStrings = []string{"None", "Begun", "Committed", "RolledBack", "Aborted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateStrings) {
		return "Invalid"
	}
	return stateStrings[s]
}

// A Transaction is a single attempt: reads see a consistent snapshot,
// writes are buffered locally and applied atomically by Commit. Reads
// must precede writes within the attempt. Not safe for concurrent use.
type Transaction struct {
	svc      rpc.Service
	database string
	token    []byte
	state    State
	readOnly bool
	writes   []*write.Write
}

// Begin starts a transaction on the service. A nil opts begins a
// read-write transaction.
func Begin(ctx context.Context, svc rpc.Service, database string, opts *rpc.TransactionOptions) (*Transaction, error) {
	if opts == nil {
		opts = &rpc.TransactionOptions{ReadWrite: &rpc.ReadWriteOptions{}}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	res, err := svc.BeginTransaction(ctx, &rpc.BeginTransactionRequest{
		Database: database,
		Options:  opts,
	})
	if err != nil {
		return nil, err
	}
	return &Transaction{
		svc:      svc,
		database: database,
		token:    res.Transaction,
		state:    Begun,
		readOnly: opts.ReadOnly != nil,
	}, nil
}

// Token returns the transaction's token. It is dead once the transaction
// leaves the Begun state.
func (t *Transaction) Token() []byte { return t.token }

// State returns the transaction's lifecycle state.
func (t *Transaction) State() State { return t.state }

func (t *Transaction) active() error {
	if t.state != Begun {
		return dwerr.Newf(dwerr.FailedPrecondition, nil, "transaction is %v; its token is no longer usable", t.state)
	}
	return nil
}

// Get reads a document inside the transaction.
func (t *Transaction) Get(ctx context.Context, name string, mask *document.Mask) (*document.Document, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	return t.svc.GetDocument(ctx, &rpc.GetDocumentRequest{
		Name:        name,
		Mask:        mask,
		Consistency: rpc.ReadConsistency{Transaction: t.token},
	})
}

// GetAll reads several documents inside the transaction. The result maps
// each requested name to its document, or to nil if it does not exist.
func (t *Transaction) GetAll(ctx context.Context, names []string, mask *document.Mask) (map[string]*document.Document, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	stream, err := t.svc.BatchGetDocuments(ctx, &rpc.BatchGetRequest{
		Database:    t.database,
		Documents:   names,
		Mask:        mask,
		Consistency: rpc.ReadConsistency{Transaction: t.token},
	})
	if err != nil {
		return nil, err
	}
	docs := make(map[string]*document.Document, len(names))
	for {
		res, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if res.Found != nil {
			docs[res.Found.Name] = res.Found
		} else {
			docs[res.Missing] = nil
		}
	}
	return docs, nil
}

// Query runs a structured query inside the transaction.
func (t *Transaction) Query(ctx context.Context, parent string, q *query.StructuredQuery) (rpc.RunQueryStream, error) {
	if err := t.readable(); err != nil {
		return nil, err
	}
	return t.svc.RunQuery(ctx, &rpc.RunQueryRequest{
		Parent:      parent,
		Query:       q,
		Consistency: rpc.ReadConsistency{Transaction: t.token},
	})
}

// readable gates reads: the transaction must be live and, within a
// read-write attempt, no write may have been buffered yet.
func (t *Transaction) readable() error {
	if err := t.active(); err != nil {
		return err
	}
	if len(t.writes) > 0 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "transaction reads must come before writes")
	}
	return nil
}

// Write buffers writes for the commit. Read-only transactions reject
// writes.
func (t *Transaction) Write(ws ...*write.Write) error {
	if err := t.active(); err != nil {
		return err
	}
	if t.readOnly {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "read-only transaction cannot write")
	}
	for _, w := range ws {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	t.writes = append(t.writes, ws...)
	return nil
}

// Commit atomically applies the buffered writes and ends the
// transaction. On an Aborted error the transaction enters the Aborted
// state and its token is dead.
func (t *Transaction) Commit(ctx context.Context) (*rpc.CommitResponse, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	res, err := t.svc.Commit(ctx, &rpc.CommitRequest{
		Database:    t.database,
		Writes:      t.writes,
		Transaction: t.token,
	})
	if err != nil {
		if codeOf(err) == dwerr.Aborted {
			t.state = Aborted
		}
		return nil, err
	}
	t.state = Committed
	return res, nil
}

// Rollback abandons the transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.active(); err != nil {
		return err
	}
	err := t.svc.Rollback(ctx, &rpc.RollbackRequest{
		Database:    t.database,
		Transaction: t.token,
	})
	// The token is dead whether or not the service call succeeded.
	t.state = RolledBack
	return err
}

func codeOf(err error) dwerr.ErrorCode {
	var de *dwerr.Error
	if errors.As(err, &de) {
		return de.Code
	}
	return dwerr.Unknown
}
