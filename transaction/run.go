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

package transaction

import (
	"context"
	"time"

	"docwire.dev/internal/dwerr"
	"docwire.dev/rpc"
	"github.com/googleapis/gax-go/v2"
)

// RunOptions configures Run.
type RunOptions struct {
	// MaxAttempts bounds the number of attempts, including the first.
	// Zero means 5.
	MaxAttempts int

	// ReadOnly, if non-nil, runs a read-only transaction. Read-only
	// transactions cannot conflict and are never retried.
	ReadOnly *rpc.ReadOnlyOptions
}

const defaultMaxAttempts = 5

// Run executes f inside a transaction, committing when f returns nil and
// rolling back when it returns an error. An attempt that loses a
// concurrency conflict is re-run from the start after a backoff pause,
// passing the aborted attempt's token so the service can prioritize the
// retry. f may therefore be called multiple times and must not carry
// side effects between attempts outside the transaction.
func Run(ctx context.Context, svc rpc.Service, database string, f func(context.Context, *Transaction) error, opts *RunOptions) error {
	if opts == nil {
		opts = &RunOptions{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if opts.ReadOnly != nil {
		t, err := Begin(ctx, svc, database, &rpc.TransactionOptions{ReadOnly: opts.ReadOnly})
		if err != nil {
			return err
		}
		return finishAttempt(ctx, t, f(ctx, t))
	}

	backoff := gax.Backoff{
		Initial:    20 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 1.6,
	}
	var lastToken []byte
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if serr := gax.Sleep(ctx, backoff.Pause()); serr != nil {
				return serr
			}
		}
		var t *Transaction
		t, err = Begin(ctx, svc, database, &rpc.TransactionOptions{
			ReadWrite: &rpc.ReadWriteOptions{RetryTransaction: lastToken},
		})
		if err != nil {
			return err
		}
		err = finishAttempt(ctx, t, f(ctx, t))
		if codeOf(err) != dwerr.Aborted {
			return err
		}
		lastToken = t.Token()
	}
	return err
}

// finishAttempt commits on a nil ferr, otherwise rolls back and keeps
// ferr as the attempt's outcome.
func finishAttempt(ctx context.Context, t *Transaction, ferr error) error {
	if ferr != nil {
		if t.State() == Begun {
			// Best effort; the function's error is what matters.
			_ = t.Rollback(ctx)
		}
		return ferr
	}
	_, err := t.Commit(ctx)
	return err
}
