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

// Package memstore provides an in-memory implementation of the service
// surface in docwire.dev/rpc. It exists so the client packages can be
// tested against real protocol semantics: atomic commits, independent
// batch writes, transaction conflicts, query evaluation and change
// streams, all without a network.
package memstore

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/rpc"
	"docwire.dev/write"
	"google.golang.org/grpc/status"
)

// A Store is an in-memory database implementing rpc.Service. The zero
// value is not usable; call New.
type Store struct {
	mu sync.Mutex

	docs map[string]*document.Document // name -> current revision

	// seq advances on every mutation; versions records the seq of each
	// document's last mutation (including deletes). Transactions use it
	// for conflict detection.
	seq      int64
	versions map[string]int64

	lastCommit time.Time
	clock      func() time.Time

	txns    map[string]*txn
	nextTxn int64

	streams    map[string]*writeStreamState
	nextStream int64

	watchers map[*listenStream]struct{}
}

type txn struct {
	token    string
	readOnly bool
	beginSeq int64
	readSet  map[string]struct{}
	dead     bool
}

// Options configures a Store.
type Options struct {
	// Clock supplies commit times; defaults to time.Now. Commit times
	// are forced non-decreasing regardless of the clock.
	Clock func() time.Time
}

// New returns an empty store.
func New(opts *Options) *Store {
	if opts == nil {
		opts = &Options{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		docs:     map[string]*document.Document{},
		versions: map[string]int64{},
		clock:    clock,
		txns:     map[string]*txn{},
		streams:  map[string]*writeStreamState{},
		watchers: map[*listenStream]struct{}{},
	}
}

// commitTime returns the next commit time, never before the previous one.
func (s *Store) commitTime() time.Time {
	now := s.clock()
	if !now.After(s.lastCommit) {
		now = s.lastCommit.Add(time.Microsecond)
	}
	s.lastCommit = now
	return now
}

func notFound(name string) error {
	return dwerr.Newf(dwerr.NotFound, nil, "document %q not found", name)
}

// GetDocument implements rpc.Service.
func (s *Store) GetDocument(ctx context.Context, req *rpc.GetDocumentRequest) (*document.Document, error) {
	if err := req.Consistency.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookupTxn(req.Consistency.Transaction)
	if err != nil {
		return nil, err
	}
	if t != nil {
		t.readSet[req.Name] = struct{}{}
	}
	doc, ok := s.docs[req.Name]
	if !ok {
		return nil, notFound(req.Name)
	}
	return maskDoc(doc, req.Mask), nil
}

// lookupTxn resolves a transaction token. A nil token is a fresh read.
func (s *Store) lookupTxn(token []byte) (*txn, error) {
	if len(token) == 0 {
		return nil, nil
	}
	t, ok := s.txns[string(token)]
	if !ok || t.dead {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "transaction token is invalid or expired")
	}
	return t, nil
}

// maskDoc returns doc restricted to the mask's field paths. A nil mask
// returns the document unchanged.
func maskDoc(doc *document.Document, mask *document.Mask) *document.Document {
	if mask == nil || doc == nil {
		return doc
	}
	out := &document.Document{
		Name:       doc.Name,
		Fields:     map[string]document.Value{},
		CreateTime: doc.CreateTime,
		UpdateTime: doc.UpdateTime,
	}
	for _, sfp := range mask.FieldPaths {
		fp, err := document.SplitServiceFieldPath(sfp)
		if err != nil {
			continue
		}
		if v, ok := document.GetAtFieldPath(doc.Fields, fp); ok {
			_ = document.SetAtFieldPath(out.Fields, fp, v)
		}
	}
	return out
}

// CreateDocument implements rpc.Service. The caller supplies the
// document ID via the request; an empty ID must be filled by the client
// layer before the request reaches the store.
func (s *Store) CreateDocument(ctx context.Context, req *rpc.CreateDocumentRequest) (*document.Document, error) {
	if req.DocumentID == "" {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "create requires a document ID")
	}
	name := req.Parent + "/" + req.CollectionID + "/" + req.DocumentID
	doc := &document.Document{Name: name, Fields: req.Document.Fields}
	w := write.Update(doc, nil).WithPrecondition(write.ExistsPrecondition(false))
	s.mu.Lock()
	defer s.mu.Unlock()
	_, staged, err := s.commitLocked(&rpc.CommitRequest{Writes: []*write.Write{w}})
	if err != nil {
		return nil, err
	}
	return maskDoc(staged[name], req.Mask), nil
}

// UpdateDocument implements rpc.Service.
func (s *Store) UpdateDocument(ctx context.Context, req *rpc.UpdateDocumentRequest) (*document.Document, error) {
	w := write.Update(req.Document, req.UpdateMask)
	if req.CurrentDocument != nil {
		w = w.WithPrecondition(req.CurrentDocument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, staged, err := s.commitLocked(&rpc.CommitRequest{Writes: []*write.Write{w}})
	if err != nil {
		return nil, err
	}
	return maskDoc(staged[req.Document.Name], req.Mask), nil
}

// DeleteDocument implements rpc.Service.
func (s *Store) DeleteDocument(ctx context.Context, req *rpc.DeleteDocumentRequest) error {
	w := write.Delete(req.Name)
	if req.CurrentDocument != nil {
		w = w.WithPrecondition(req.CurrentDocument)
	}
	_, err := s.Commit(ctx, &rpc.CommitRequest{Writes: []*write.Write{w}})
	return err
}

// BeginTransaction implements rpc.Service.
func (s *Store) BeginTransaction(ctx context.Context, req *rpc.BeginTransactionRequest) (*rpc.BeginTransactionResponse, error) {
	opts := req.Options
	if opts == nil {
		opts = &rpc.TransactionOptions{ReadWrite: &rpc.ReadWriteOptions{}}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.beginLocked(opts)
	if err != nil {
		return nil, err
	}
	return &rpc.BeginTransactionResponse{Transaction: tok}, nil
}

// Rollback implements rpc.Service. The token is dead afterwards.
func (s *Store) Rollback(ctx context.Context, req *rpc.RollbackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookupTxn(req.Transaction)
	if err != nil {
		return err
	}
	t.dead = true
	return nil
}

// Commit implements rpc.Service: all writes apply atomically or none do.
func (s *Store) Commit(ctx context.Context, req *rpc.CommitRequest) (*rpc.CommitResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, _, err := s.commitLocked(req)
	return res, err
}

// commitLocked applies req atomically and returns the staged view, so
// callers can read back the documents they just wrote under the same
// lock.
func (s *Store) commitLocked(req *rpc.CommitRequest) (*rpc.CommitResponse, map[string]*document.Document, error) {
	for _, w := range req.Writes {
		if err := w.Validate(); err != nil {
			return nil, nil, err
		}
	}
	var t *txn
	if len(req.Transaction) > 0 {
		var err error
		t, err = s.lookupTxn(req.Transaction)
		if err != nil {
			return nil, nil, err
		}
		// A token never survives a commit attempt: the transaction
		// either commits or aborts here.
		t.dead = true
		for name := range t.readSet {
			if s.versions[name] > t.beginSeq {
				return nil, nil, dwerr.Newf(dwerr.Aborted, nil, "transaction conflict on %q", name)
			}
		}
		if t.readOnly && len(req.Writes) > 0 {
			return nil, nil, dwerr.Newf(dwerr.InvalidArgument, nil, "read-only transaction cannot write")
		}
	}

	commitTime := s.commitTime()
	staged := map[string]*document.Document{}
	for name, doc := range s.docs {
		staged[name] = doc
	}
	var results []*write.WriteResult
	for i, w := range req.Writes {
		wr, err := applyWrite(staged, w, commitTime)
		if err != nil {
			return nil, nil, dwerr.Newf(codeOf(err), err, "write %d failed", i)
		}
		results = append(results, wr)
	}
	s.install(staged, commitTime)
	return &rpc.CommitResponse{WriteResults: results, CommitTime: commitTime}, staged, nil
}

// BatchWrite implements rpc.Service: writes succeed or fail
// independently, reported positionally.
func (s *Store) BatchWrite(ctx context.Context, req *rpc.BatchWriteRequest) (*rpc.BatchWriteResponse, error) {
	seen := map[string]bool{}
	for _, w := range req.Writes {
		name := w.TargetName()
		if seen[name] {
			return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "batch write targets %q more than once", name)
		}
		seen[name] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	commitTime := s.commitTime()
	staged := map[string]*document.Document{}
	for name, doc := range s.docs {
		staged[name] = doc
	}
	res := &rpc.BatchWriteResponse{
		WriteResults: make([]*write.WriteResult, len(req.Writes)),
		Status:       make([]*status.Status, len(req.Writes)),
	}
	for i, w := range req.Writes {
		if err := w.Validate(); err != nil {
			res.WriteResults[i] = &write.WriteResult{}
			res.Status[i] = status.New(dwerr.GRPCStatusCode(codeOf(err)), err.Error())
			continue
		}
		wr, err := applyWrite(staged, w, commitTime)
		if err != nil {
			res.WriteResults[i] = &write.WriteResult{}
			res.Status[i] = status.New(dwerr.GRPCStatusCode(codeOf(err)), err.Error())
			continue
		}
		res.WriteResults[i] = wr
		res.Status[i] = status.New(dwerr.GRPCStatusCode(dwerr.OK), "")
	}
	s.install(staged, commitTime)
	return res, nil
}

// install replaces the store contents with the staged view, bumping
// versions for changed documents and notifying watchers.
func (s *Store) install(staged map[string]*document.Document, commitTime time.Time) {
	var changed, deleted []string
	for name, doc := range staged {
		if old, ok := s.docs[name]; !ok || old != doc {
			changed = append(changed, name)
		}
	}
	for name := range s.docs {
		if _, ok := staged[name]; !ok {
			deleted = append(deleted, name)
		}
	}
	if len(changed) == 0 && len(deleted) == 0 {
		return
	}
	s.seq++
	for _, name := range changed {
		s.versions[name] = s.seq
		s.docs[name] = staged[name]
	}
	for _, name := range deleted {
		s.versions[name] = s.seq
		delete(s.docs, name)
	}
	s.notifyWatchersLocked(changed, deleted, commitTime)
}

func codeOf(err error) dwerr.ErrorCode {
	var de *dwerr.Error
	if errors.As(err, &de) {
		return de.Code
	}
	return dwerr.Unknown
}

// checkPrecondition tests w's precondition against the staged document.
func checkPrecondition(w *write.Write, existing *document.Document, exists bool) error {
	p := w.CurrentDocument
	if p == nil {
		return nil
	}
	if p.Exists != nil {
		if *p.Exists && !exists {
			return dwerr.Newf(dwerr.NotFound, nil, "document %q does not exist", w.TargetName())
		}
		if !*p.Exists && exists {
			return dwerr.Newf(dwerr.AlreadyExists, nil, "document %q already exists", w.TargetName())
		}
		return nil
	}
	if !exists {
		return dwerr.Newf(dwerr.NotFound, nil, "document %q does not exist", w.TargetName())
	}
	if !existing.UpdateTime.Equal(p.UpdateTime) {
		return dwerr.Newf(dwerr.FailedPrecondition, nil,
			"document %q was updated at %v, not %v", w.TargetName(), existing.UpdateTime, p.UpdateTime)
	}
	return nil
}

// applyWrite applies one validated write to the staged view.
func applyWrite(staged map[string]*document.Document, w *write.Write, commitTime time.Time) (*write.WriteResult, error) {
	name := w.TargetName()
	existing, exists := staged[name]
	if err := checkPrecondition(w, existing, exists); err != nil {
		return nil, err
	}
	switch op := w.Op.(type) {
	case *write.DeleteOp:
		delete(staged, name)
		return &write.WriteResult{UpdateTime: commitTime}, nil

	case *write.UpdateOp:
		next := &document.Document{
			Name:       name,
			Fields:     map[string]document.Value{},
			CreateTime: commitTime,
			UpdateTime: commitTime,
		}
		if exists {
			next.CreateTime = existing.CreateTime
		}
		if w.UpdateMask == nil {
			for k, v := range op.Document.Fields {
				next.Fields[k] = v
			}
		} else {
			if exists {
				for k, v := range existing.Fields {
					next.Fields[k] = v
				}
			}
			for _, sfp := range w.UpdateMask.FieldPaths {
				fp, err := document.SplitServiceFieldPath(sfp)
				if err != nil {
					return nil, err
				}
				if v, ok := document.GetAtFieldPath(op.Document.Fields, fp); ok {
					if err := document.SetAtFieldPath(next.Fields, fp, v); err != nil {
						return nil, err
					}
				} else {
					document.DeleteAtFieldPath(next.Fields, fp)
				}
			}
		}
		wr := &write.WriteResult{UpdateTime: commitTime}
		if err := applyTransforms(next.Fields, w.UpdateTransforms, commitTime, wr); err != nil {
			return nil, err
		}
		staged[name] = next
		return wr, nil

	case *write.TransformOp:
		if !exists {
			return nil, notFound(name)
		}
		next := &document.Document{
			Name:       name,
			Fields:     map[string]document.Value{},
			CreateTime: existing.CreateTime,
			UpdateTime: commitTime,
		}
		for k, v := range existing.Fields {
			next.Fields[k] = v
		}
		wr := &write.WriteResult{UpdateTime: commitTime}
		if err := applyTransforms(next.Fields, op.FieldTransforms, commitTime, wr); err != nil {
			return nil, err
		}
		staged[name] = next
		return wr, nil
	}
	return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "unknown write operation %T", w.Op)
}

// applyTransforms applies each transform in order, appending its result
// value to wr.
func applyTransforms(fields map[string]document.Value, ts []*write.FieldTransform, commitTime time.Time, wr *write.WriteResult) error {
	for _, tr := range ts {
		fp, err := document.SplitServiceFieldPath(tr.FieldPath)
		if err != nil {
			return err
		}
		cur, ok := document.GetAtFieldPath(fields, fp)
		stored, result, err := tr.Apply(cur, ok, commitTime)
		if err != nil {
			return err
		}
		if err := document.SetAtFieldPath(fields, fp, stored); err != nil {
			return err
		}
		wr.TransformResults = append(wr.TransformResults, result)
	}
	return nil
}

// tokenBytes encodes a monotonic sequence number as a resume or stream
// token.
func tokenBytes(seq int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seq))
	return b[:]
}

func tokenSeq(tok []byte) int64 {
	if len(tok) != 8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(tok))
}

// collectionOf splits a document name into its parent path and
// collection ID. The last segment is the document ID, the one before it
// the collection.
func collectionOf(name string) (parent, collID string, ok bool) {
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return "", "", false
	}
	rest := name[:i]
	j := strings.LastIndexByte(rest, '/')
	if j < 0 {
		return "", "", false
	}
	return rest[:j], rest[j+1:], true
}
