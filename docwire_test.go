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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/internal/memstore"
	"docwire.dev/listen"
	"docwire.dev/query"
	"docwire.dev/transaction"
	"docwire.dev/write"
	"github.com/google/go-cmp/cmp"
)

const testDB = "projects/P/databases/D"

func newTestClient(t *testing.T) (*Client, *memstore.Store) {
	t.Helper()
	s := memstore.New(nil)
	n := 0
	c, err := NewClient(s, testDB, &Options{
		NewID: func() string {
			n++
			return "auto-" + strconv.Itoa(n)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, s
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient(nil, testDB, nil); err == nil {
		t.Error("nil service: got nil error")
	}
	if _, err := NewClient(memstore.New(nil), "", nil); err == nil {
		t.Error("empty database: got nil error")
	}
}

func TestClientCreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	doc, err := c.Create(ctx, c.Root(), "C", "d1", map[string]document.Value{"n": document.IntValue(1)})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Name != c.Root()+"/C/d1" {
		t.Errorf("created name %q", doc.Name)
	}
	got, err := c.Get(ctx, doc.Name, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Fields["n"].Equal(document.IntValue(1)) {
		t.Errorf("got %+v", got.Fields)
	}
	if _, err := c.Update(ctx, &document.Document{
		Name:   doc.Name,
		Fields: map[string]document.Value{"n": document.IntValue(2)},
	}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, doc.Name, nil); err != nil {
		t.Fatal(err)
	}
	_, err = c.Get(ctx, doc.Name, nil)
	var de *dwerr.Error
	if !errors.As(err, &de) || de.Code != dwerr.NotFound {
		t.Errorf("Get after Delete: %v, want NotFound", err)
	}
}

func TestClientCreateGeneratesIDs(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	doc, err := c.Create(ctx, c.Root(), "C", "", map[string]document.Value{"n": document.IntValue(1)})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Name != c.Root()+"/C/auto-1" {
		t.Errorf("generated name %q, want auto-1 suffix", doc.Name)
	}
	doc, err = c.Create(ctx, c.Root(), "C", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Name != c.Root()+"/C/auto-2" {
		t.Errorf("second generated name %q", doc.Name)
	}
}

func seedScores(t *testing.T, c *Client, scores map[string]int64) {
	t.Helper()
	ctx := context.Background()
	var writes []*write.Write
	for id, score := range scores {
		writes = append(writes, write.Update(&document.Document{
			Name:   c.Root() + "/Scores/" + id,
			Fields: map[string]document.Value{"score": document.IntValue(score)},
		}, nil))
	}
	if _, err := c.Commit(ctx, writes...); err != nil {
		t.Fatal(err)
	}
}

func TestClientRunQuery(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	seedScores(t, c, map[string]int64{"a": 10, "b": 30, "c": 20})
	sq, err := query.Collection("Scores").
		Where("score", ">=", document.IntValue(20)).
		OrderBy("score", query.Descending).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	docs, err := c.RunQuery(ctx, c.Root(), sq)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.Name[len(c.Root()+"/Scores/"):])
	}
	if diff := cmp.Diff([]string{"b", "c"}, ids); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

func TestClientRunAggregationQuery(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	seedScores(t, c, map[string]int64{"a": 10, "b": 30, "c": 20})
	aq, err := query.Collection("Scores").Aggregate().WithCount("n").WithSum("total", "score").Compile()
	if err != nil {
		t.Fatal(err)
	}
	fields, err := c.RunAggregationQuery(ctx, c.Root(), aq)
	if err != nil {
		t.Fatal(err)
	}
	if !fields["n"].Equal(document.IntValue(3)) || !fields["total"].Equal(document.IntValue(60)) {
		t.Errorf("got %+v", fields)
	}
}

func TestClientRunTransaction(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	seedScores(t, c, map[string]int64{"a": 10})
	name := c.Root() + "/Scores/a"
	err := c.RunTransaction(ctx, func(ctx context.Context, txn *transaction.Transaction) error {
		doc, err := txn.Get(ctx, name, nil)
		if err != nil {
			return err
		}
		score, _ := doc.Fields["score"].Int()
		return txn.Write(write.Update(&document.Document{
			Name:   name,
			Fields: map[string]document.Value{"score": document.IntValue(score * 2)},
		}, nil))
	})
	if err != nil {
		t.Fatal(err)
	}
	doc, err := c.Get(ctx, name, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Fields["score"].Equal(document.IntValue(20)) {
		t.Errorf("score = %+v, want 20", doc.Fields["score"])
	}
}

func TestClientRunPartitionedQuery(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	scores := map[string]int64{}
	var want []string
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("d%02d", i)
		scores[id] = int64(i)
		want = append(want, id)
	}
	seedScores(t, c, scores)
	sq, err := query.CollectionGroup("Scores").
		OrderBy(query.NameSentinel, query.Ascending).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	docs, err := c.RunPartitionedQuery(ctx, c.Root(), sq, 4)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.Name[len(c.Root()+"/Scores/"):])
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("partitioned results (-want +got):\n%s", diff)
	}
}

func TestClientWriteSession(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	sess, err := c.WriteSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	name := c.Root() + "/C/d1"
	results, commitTime, err := sess.Apply([]*write.Write{
		write.Update(&document.Document{
			Name:   name,
			Fields: map[string]document.Value{"n": document.IntValue(1)},
		}, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || commitTime.IsZero() {
		t.Errorf("results %+v commit %v", results, commitTime)
	}
	if _, err := c.Get(ctx, name, nil); err != nil {
		t.Errorf("streamed write not visible: %v", err)
	}
}

func TestBulkWriterMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	bw := c.BulkWriter(ctx, nil)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	writes := []*write.Write{
		write.Update(&document.Document{
			Name:   c.Root() + "/C/ok1",
			Fields: map[string]document.Value{"n": document.IntValue(1)},
		}, nil),
		// Fails: the document does not exist.
		write.Update(&document.Document{
			Name:   c.Root() + "/C/missing",
			Fields: map[string]document.Value{"n": document.IntValue(1)},
		}, nil).WithPrecondition(write.ExistsPrecondition(true)),
		write.Update(&document.Document{
			Name:   c.Root() + "/C/ok2",
			Fields: map[string]document.Value{"n": document.IntValue(1)},
		}, nil),
	}
	for i, w := range writes {
		i, w := i, w
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = bw.Write(ctx, w)
		}()
	}
	wg.Wait()
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("sound writes failed: %v, %v", errs[0], errs[2])
	}
	var de *dwerr.Error
	if !errors.As(errs[1], &de) || de.Code != dwerr.NotFound {
		t.Errorf("failed write error %v, want NotFound", errs[1])
	}
	for _, name := range []string{"/C/ok1", "/C/ok2"} {
		if _, err := c.Get(ctx, c.Root()+name, nil); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
}

func TestWatchSnapshots(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	seedScores(t, c, map[string]int64{"a": 10, "b": 30})
	sq, err := query.Collection("Scores").Compile()
	if err != nil {
		t.Fatal(err)
	}
	w, err := c.Watch(ctx, nil, &listen.Target{
		TargetID: 1,
		Query:    &listen.QueryTarget{Parent: c.Root(), Query: sq},
	})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := w.Next()
	if err != nil {
		t.Fatal(err)
	}
	snap, ok := ev.(*listen.Snapshot)
	if !ok {
		t.Fatalf("got %T, want *listen.Snapshot", ev)
	}
	if len(snap.Documents) != 2 {
		t.Fatalf("initial snapshot has %d documents", len(snap.Documents))
	}

	// A later commit produces an incremental snapshot.
	if _, err := c.Commit(ctx, write.Update(&document.Document{
		Name:   c.Root() + "/Scores/c",
		Fields: map[string]document.Value{"score": document.IntValue(50)},
	}, nil)); err != nil {
		t.Fatal(err)
	}
	ev, err = w.Next()
	if err != nil {
		t.Fatal(err)
	}
	snap = ev.(*listen.Snapshot)
	if len(snap.Documents) != 3 {
		t.Errorf("post-commit snapshot has %d documents, want 3", len(snap.Documents))
	}
}

// Resuming a target with a stale token and no restored cache makes the
// service's existence filter report a count mismatch; the watcher must
// re-run the query from scratch and deliver the full result set, not
// terminate on the old incarnation's removal confirmation.
func TestWatchResumeCountMismatchRerunsQuery(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	seedScores(t, c, map[string]int64{"a": 10, "b": 30})
	sq, err := query.Collection("Scores").Compile()
	if err != nil {
		t.Fatal(err)
	}
	w, err := c.Watch(ctx, nil, &listen.Target{
		TargetID:    3,
		Query:       &listen.QueryTarget{Parent: c.Root(), Query: sq},
		ResumeToken: []byte("stale"),
	})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := w.Next()
	if err != nil {
		t.Fatal(err)
	}
	snap, ok := ev.(*listen.Snapshot)
	if !ok {
		t.Fatalf("got %T, want *listen.Snapshot", ev)
	}
	if len(snap.Documents) != 2 {
		t.Fatalf("post-restart snapshot has %d documents, want 2", len(snap.Documents))
	}
	for _, d := range snap.Documents {
		if len(d.Fields) == 0 {
			t.Errorf("%s was not re-delivered with its fields", d.Name)
		}
	}
	if state, active := w.State(3); !active || state != listen.Current {
		t.Errorf("restarted target: state %v active %t, want Current", state, active)
	}
}

// Resuming with the previous run's document names restored lets filter
// reconciliation confirm the cache, so only later changes are streamed.
func TestWatchResumeWithKnownNames(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	seedScores(t, c, map[string]int64{"a": 10, "b": 30})
	sq, err := query.Collection("Scores").Compile()
	if err != nil {
		t.Fatal(err)
	}
	names := []string{c.Root() + "/Scores/a", c.Root() + "/Scores/b"}
	w, err := c.Watch(ctx, nil, &listen.Target{
		TargetID:    4,
		Query:       &listen.QueryTarget{Parent: c.Root(), Query: sq},
		ResumeToken: []byte("tok"),
		KnownNames:  names,
	})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := w.Next()
	if err != nil {
		t.Fatal(err)
	}
	snap := ev.(*listen.Snapshot)
	if len(snap.Documents) != 2 || snap.Documents[0].Name != names[0] || snap.Documents[1].Name != names[1] {
		t.Fatalf("resumed snapshot: %+v", snap.Documents)
	}

	if _, err := c.Commit(ctx, write.Update(&document.Document{
		Name:   c.Root() + "/Scores/c",
		Fields: map[string]document.Value{"score": document.IntValue(50)},
	}, nil)); err != nil {
		t.Fatal(err)
	}
	ev, err = w.Next()
	if err != nil {
		t.Fatal(err)
	}
	snap = ev.(*listen.Snapshot)
	if len(snap.Documents) != 3 {
		t.Errorf("post-commit snapshot has %d documents, want 3", len(snap.Documents))
	}
}

func TestWatchEventsOnceTarget(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	seedScores(t, c, map[string]int64{"a": 10})
	sq, err := query.Collection("Scores").Compile()
	if err != nil {
		t.Fatal(err)
	}
	var sawSnapshot bool
	err = c.WatchEvents(ctx, &listen.Target{
		TargetID: 7,
		Query:    &listen.QueryTarget{Parent: c.Root(), Query: sq},
		Once:     true,
	}, nil, func(ev listen.Event) error {
		if _, ok := ev.(*listen.Snapshot); ok {
			sawSnapshot = true
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sawSnapshot {
		t.Error("no snapshot before the once-target stopped")
	}
}
