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
	"errors"
	"testing"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/internal/memstore"
	"docwire.dev/rpc"
	"docwire.dev/write"
)

const (
	txnDB   = "projects/P/databases/D"
	txnDoc  = txnDB + "/documents/C/d1"
	txnDoc2 = txnDB + "/documents/C/d2"
)

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New(nil)
	_, err := s.Commit(context.Background(), &rpc.CommitRequest{
		Database: txnDB,
		Writes: []*write.Write{
			write.Update(&document.Document{
				Name:   txnDoc,
				Fields: map[string]document.Value{"n": document.IntValue(1)},
			}, nil),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func readN(t *testing.T, svc rpc.Service, name string) int64 {
	t.Helper()
	doc, err := svc.GetDocument(context.Background(), &rpc.GetDocumentRequest{Name: name})
	if err != nil {
		t.Fatal(err)
	}
	n, ok := doc.Fields["n"].Int()
	if !ok {
		t.Fatalf("%s: field n is %+v", name, doc.Fields["n"])
	}
	return n
}

func wantCode(t *testing.T, err error, code dwerr.ErrorCode) {
	t.Helper()
	var de *dwerr.Error
	if !errors.As(err, &de) || de.Code != code {
		t.Fatalf("got error %v, want code %v", err, code)
	}
}

func TestTransactionReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	txn, err := Begin(ctx, s, txnDB, nil)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := txn.Get(ctx, txnDoc, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, _ := doc.Fields["n"].Int()
	err = txn.Write(write.Update(&document.Document{
		Name:   txnDoc,
		Fields: map[string]document.Value{"n": document.IntValue(n + 1)},
	}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := txn.State(); got != Committed {
		t.Errorf("state %v, want Committed", got)
	}
	if got := readN(t, s, txnDoc); got != 2 {
		t.Errorf("n = %d, want 2", got)
	}
}

func TestTransactionReadsBeforeWrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	txn, err := Begin(ctx, s, txnDB, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Write(write.Delete(txnDoc)); err != nil {
		t.Fatal(err)
	}
	_, err = txn.Get(ctx, txnDoc, nil)
	wantCode(t, err, dwerr.InvalidArgument)
	if _, err := txn.GetAll(ctx, []string{txnDoc}, nil); err == nil {
		t.Error("GetAll after write: got nil error")
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	txn, err := Begin(ctx, s, txnDB, &rpc.TransactionOptions{ReadOnly: &rpc.ReadOnlyOptions{}})
	if err != nil {
		t.Fatal(err)
	}
	err = txn.Write(write.Delete(txnDoc))
	wantCode(t, err, dwerr.InvalidArgument)
	if _, err := txn.Get(ctx, txnDoc, nil); err != nil {
		t.Errorf("read-only Get: %v", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestTransactionConflictAborts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	txn, err := Begin(ctx, s, txnDB, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := txn.Get(ctx, txnDoc, nil); err != nil {
		t.Fatal(err)
	}
	// A competing commit bumps the document the transaction has read.
	_, err = s.Commit(ctx, &rpc.CommitRequest{
		Database: txnDB,
		Writes: []*write.Write{write.Update(&document.Document{
			Name:   txnDoc,
			Fields: map[string]document.Value{"n": document.IntValue(100)},
		}, nil)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Write(write.Delete(txnDoc)); err != nil {
		t.Fatal(err)
	}
	_, err = txn.Commit(ctx)
	wantCode(t, err, dwerr.Aborted)
	if got := txn.State(); got != Aborted {
		t.Errorf("state %v, want Aborted", got)
	}
	// The token died with the abort.
	_, err = s.Commit(ctx, &rpc.CommitRequest{Database: txnDB, Transaction: txn.Token()})
	wantCode(t, err, dwerr.InvalidArgument)
	// The competing write survived.
	if got := readN(t, s, txnDoc); got != 100 {
		t.Errorf("n = %d, want 100", got)
	}
}

func TestRollbackKillsToken(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	txn, err := Begin(ctx, s, txnDB, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if got := txn.State(); got != RolledBack {
		t.Errorf("state %v, want RolledBack", got)
	}
	_, err = txn.Get(ctx, txnDoc, nil)
	wantCode(t, err, dwerr.FailedPrecondition)
	_, err = txn.Commit(ctx)
	wantCode(t, err, dwerr.FailedPrecondition)
}

func TestRunRetriesAbortedAttempts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	attempts := 0
	err := Run(ctx, s, txnDB, func(ctx context.Context, txn *Transaction) error {
		attempts++
		doc, err := txn.Get(ctx, txnDoc, nil)
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Interfere after the read so the first commit conflicts.
			_, err := s.Commit(ctx, &rpc.CommitRequest{
				Database: txnDB,
				Writes: []*write.Write{write.Update(&document.Document{
					Name:   txnDoc2,
					Fields: map[string]document.Value{"n": document.IntValue(0)},
				}, nil), write.Update(&document.Document{
					Name:   txnDoc,
					Fields: map[string]document.Value{"n": document.IntValue(10)},
				}, nil)},
			})
			if err != nil {
				return err
			}
		}
		n, _ := doc.Fields["n"].Int()
		return txn.Write(write.Update(&document.Document{
			Name:   txnDoc,
			Fields: map[string]document.Value{"n": document.IntValue(n + 1)},
		}, nil))
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("f ran %d times, want 2", attempts)
	}
	// The retry read the interfering write's value.
	if got := readN(t, s, txnDoc); got != 11 {
		t.Errorf("n = %d, want 11", got)
	}
}

func TestRunReturnsFunctionError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")
	calls := 0
	err := Run(ctx, s, txnDB, func(ctx context.Context, txn *Transaction) error {
		calls++
		if err := txn.Write(write.Delete(txnDoc)); err != nil {
			return err
		}
		return boom
	}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("f ran %d times, want 1", calls)
	}
	// The attempt rolled back: the document survives.
	if got := readN(t, s, txnDoc); got != 1 {
		t.Errorf("n = %d, want 1", got)
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	attempts := 0
	err := Run(ctx, s, txnDB, func(ctx context.Context, txn *Transaction) error {
		attempts++
		if _, err := txn.Get(ctx, txnDoc, nil); err != nil {
			return err
		}
		// Every attempt loses to a competing commit.
		_, err := s.Commit(ctx, &rpc.CommitRequest{
			Database: txnDB,
			Writes: []*write.Write{write.Update(&document.Document{
				Name:   txnDoc,
				Fields: map[string]document.Value{"n": document.IntValue(int64(attempts))},
			}, nil)},
		})
		if err != nil {
			return err
		}
		return txn.Write(write.Delete(txnDoc))
	}, &RunOptions{MaxAttempts: 3})
	wantCode(t, err, dwerr.Aborted)
	if attempts != 3 {
		t.Errorf("f ran %d times, want 3", attempts)
	}
}
