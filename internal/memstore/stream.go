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

package memstore

// Stream implementations: batch reads, the streamed write session and
// the listen change stream.

import (
	"context"
	"io"
	"strconv"
	"time"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/listen"
	"docwire.dev/rpc"
	"docwire.dev/write"
)

type runQueryStream struct {
	res []*rpc.RunQueryResponse
}

func (st *runQueryStream) Recv() (*rpc.RunQueryResponse, error) {
	if len(st.res) == 0 {
		return nil, io.EOF
	}
	r := st.res[0]
	st.res = st.res[1:]
	return r, nil
}

type runAggregationStream struct {
	res []*rpc.RunAggregationQueryResponse
}

func (st *runAggregationStream) Recv() (*rpc.RunAggregationQueryResponse, error) {
	if len(st.res) == 0 {
		return nil, io.EOF
	}
	r := st.res[0]
	st.res = st.res[1:]
	return r, nil
}

type batchGetStream struct {
	res []*rpc.BatchGetResponse
}

func (st *batchGetStream) Recv() (*rpc.BatchGetResponse, error) {
	if len(st.res) == 0 {
		return nil, io.EOF
	}
	r := st.res[0]
	st.res = st.res[1:]
	return r, nil
}

// BatchGetDocuments implements rpc.Service.
func (s *Store) BatchGetDocuments(ctx context.Context, req *rpc.BatchGetRequest) (rpc.BatchGetStream, error) {
	if err := req.Consistency.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookupTxn(req.Consistency.Transaction)
	if err != nil {
		return nil, err
	}
	var txnToken []byte
	if req.Consistency.NewTransaction != nil {
		txnToken, err = s.beginLocked(req.Consistency.NewTransaction)
		if err != nil {
			return nil, err
		}
		t = s.txns[string(txnToken)]
	}
	readTime := s.clock()
	var responses []*rpc.BatchGetResponse
	for i, name := range req.Documents {
		if t != nil {
			t.readSet[name] = struct{}{}
		}
		res := &rpc.BatchGetResponse{ReadTime: readTime}
		if i == 0 {
			res.Transaction = txnToken
		}
		if doc, ok := s.docs[name]; ok {
			res.Found = maskDoc(doc, req.Mask)
		} else {
			res.Missing = name
		}
		responses = append(responses, res)
	}
	return &batchGetStream{res: responses}, nil
}

type writeStreamState struct {
	id         string
	seq        int64 // sequence of the last token sent
	lastCommit time.Time
}

type writeStream struct {
	s       *Store
	state   *writeStreamState
	started bool
	queue   []*write.StreamResponse
}

// Write implements rpc.Service.
func (s *Store) Write(ctx context.Context) (write.Stream, error) {
	return &writeStream{s: s}, nil
}

func (ws *writeStream) Send(req *write.StreamRequest) error {
	ws.s.mu.Lock()
	defer ws.s.mu.Unlock()
	if !ws.started {
		return ws.handshakeLocked(req)
	}
	state := ws.state
	if got := tokenSeq(req.StreamToken); got != state.seq {
		return dwerr.Newf(dwerr.FailedPrecondition, nil,
			"stale stream token: stream is at %d, request acknowledged %d", state.seq, got)
	}
	commitTime := ws.s.commitTime()
	staged := map[string]*document.Document{}
	for name, doc := range ws.s.docs {
		staged[name] = doc
	}
	results := make([]*write.WriteResult, 0, len(req.Writes))
	for _, w := range req.Writes {
		if err := w.Validate(); err != nil {
			return err
		}
		wr, err := applyWrite(staged, w, commitTime)
		if err != nil {
			return err
		}
		results = append(results, wr)
	}
	ws.s.install(staged, commitTime)
	state.seq++
	state.lastCommit = commitTime
	ws.queue = append(ws.queue, &write.StreamResponse{
		StreamID:     state.id,
		StreamToken:  tokenBytes(state.seq),
		WriteResults: results,
		CommitTime:   commitTime,
	})
	return nil
}

func (ws *writeStream) handshakeLocked(req *write.StreamRequest) error {
	s := ws.s
	if len(req.Writes) > 0 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "the first stream request must carry no writes")
	}
	if req.StreamID == "" {
		s.nextStream++
		ws.state = &writeStreamState{id: "stream-" + strconv.FormatInt(s.nextStream, 10), seq: 1}
		s.streams[ws.state.id] = ws.state
	} else {
		state, ok := s.streams[req.StreamID]
		if !ok {
			return dwerr.Newf(dwerr.NotFound, nil, "write stream %q not found", req.StreamID)
		}
		if got := tokenSeq(req.StreamToken); got < 0 || got > state.seq {
			return dwerr.Newf(dwerr.FailedPrecondition, nil, "write stream %q cannot resume from the given token", req.StreamID)
		}
		ws.state = state
	}
	ws.started = true
	ws.queue = append(ws.queue, &write.StreamResponse{
		StreamID:    ws.state.id,
		StreamToken: tokenBytes(ws.state.seq),
		CommitTime:  ws.state.lastCommit,
	})
	return nil
}

func (ws *writeStream) Recv() (*write.StreamResponse, error) {
	ws.s.mu.Lock()
	defer ws.s.mu.Unlock()
	if len(ws.queue) == 0 {
		return nil, io.EOF
	}
	res := ws.queue[0]
	ws.queue = ws.queue[1:]
	return res, nil
}

type serverTarget struct {
	spec    *listen.Target
	matched map[string]bool
}

type listenStream struct {
	s       *Store
	queue   chan listen.Response
	targets map[int32]*serverTarget
	closed  bool
}

// Listen implements rpc.Service.
func (s *Store) Listen(ctx context.Context) (listen.Stream, error) {
	ls := &listenStream{
		s:       s,
		queue:   make(chan listen.Response, 1024),
		targets: map[int32]*serverTarget{},
	}
	s.mu.Lock()
	s.watchers[ls] = struct{}{}
	s.mu.Unlock()
	return ls, nil
}

func (ls *listenStream) Recv() (listen.Response, error) {
	res, ok := <-ls.queue
	if !ok {
		return nil, io.EOF
	}
	return res, nil
}

func (ls *listenStream) Send(req *listen.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()
	if req.RemoveTarget != 0 {
		id := req.RemoveTarget
		if _, ok := ls.targets[id]; !ok {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "target %d is not active", id)
		}
		delete(ls.targets, id)
		ls.push(&listen.TargetChange{Kind: listen.TargetRemoved, TargetIDs: []int32{id}})
		return nil
	}
	return ls.addTargetLocked(req.AddTarget)
}

func (ls *listenStream) addTargetLocked(t *listen.Target) error {
	if _, ok := ls.targets[t.TargetID]; ok {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "target %d is already active", t.TargetID)
	}
	st := &serverTarget{spec: t, matched: map[string]bool{}}
	ls.targets[t.TargetID] = st
	s := ls.s

	token := tokenBytes(s.seq)
	ids := []int32{t.TargetID}
	ls.push(&listen.TargetChange{Kind: listen.TargetAdded, TargetIDs: ids, ResumeToken: token})

	matching, err := s.targetMatchesLocked(st)
	if err != nil {
		return err
	}
	resuming := len(t.ResumeToken) > 0 || !t.ReadTime.IsZero()
	if resuming {
		// The store keeps no change history, so a resuming target gets
		// an existence filter describing the current result set; the
		// client reconciles its cache against it.
		bloom := listen.NewBloomFilter(len(matching)+1, 0.01)
		for _, doc := range matching {
			bloom.Insert(doc.Name, listen.MD5DoubleHash)
			st.matched[doc.Name] = true
		}
		ls.push(&listen.ExistenceFilter{
			TargetID:       t.TargetID,
			Count:          int32(len(matching)),
			UnchangedNames: bloom,
		})
	} else {
		for _, doc := range matching {
			st.matched[doc.Name] = true
			ls.push(&listen.DocumentChange{Document: doc, TargetIDs: ids})
		}
	}
	readTime := s.clock()
	ls.push(&listen.TargetChange{Kind: listen.TargetCurrent, TargetIDs: ids, ResumeToken: token, ReadTime: readTime})
	ls.push(&listen.TargetChange{Kind: listen.NoChange, ResumeToken: token, ReadTime: readTime})
	if t.Once {
		delete(ls.targets, t.TargetID)
		ls.push(&listen.TargetChange{Kind: listen.TargetRemoved, TargetIDs: ids})
	}
	return nil
}

// push enqueues without blocking; a consumer that is too far behind
// loses the stream.
func (ls *listenStream) push(res listen.Response) {
	if ls.closed {
		return
	}
	select {
	case ls.queue <- res:
	default:
		ls.closed = true
		close(ls.queue)
		delete(ls.s.watchers, ls)
	}
}

// targetMatchesLocked returns the documents currently matching the
// target, ordered by name.
func (s *Store) targetMatchesLocked(st *serverTarget) ([]*document.Document, error) {
	t := st.spec
	if t.Documents != nil {
		var docs []*document.Document
		for _, name := range t.Documents.Names {
			if doc, ok := s.docs[name]; ok {
				docs = append(docs, doc)
			}
		}
		return docs, nil
	}
	rows, _, err := s.runQueryLocked(t.Query.Parent, t.Query.Query)
	if err != nil {
		return nil, err
	}
	docs := make([]*document.Document, len(rows))
	for i, r := range rows {
		docs[i] = r.doc
	}
	return docs, nil
}

// docMatchesTargetLocked reports whether one document matches a target,
// ignoring result-set bounds (cursors, offset, limit).
func (s *Store) docMatchesTargetLocked(st *serverTarget, doc *document.Document) (bool, error) {
	t := st.spec
	if t.Documents != nil {
		for _, name := range t.Documents.Names {
			if name == doc.Name {
				return true, nil
			}
		}
		return false, nil
	}
	selected := false
	for _, sel := range t.Query.Query.From {
		if inCollection(doc.Name, t.Query.Parent, sel) {
			selected = true
			break
		}
	}
	if !selected {
		return false, nil
	}
	ok, err := evalFilter(doc, t.Query.Query.Where)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	miss, err := missingOrderField(doc, t.Query.Query.OrderBy)
	if err != nil {
		return false, err
	}
	return !miss, nil
}

// notifyWatchersLocked broadcasts a committed change set to every
// listen stream.
func (s *Store) notifyWatchersLocked(changed, deleted []string, commitTime time.Time) {
	token := tokenBytes(s.seq)
	for ls := range s.watchers {
		dirty := false
		for _, name := range changed {
			doc := s.docs[name]
			for id, st := range ls.targets {
				matches, err := s.docMatchesTargetLocked(st, doc)
				if err != nil {
					matches = false
				}
				switch {
				case matches:
					st.matched[name] = true
					ls.push(&listen.DocumentChange{Document: doc, TargetIDs: []int32{id}})
					dirty = true
				case st.matched[name]:
					delete(st.matched, name)
					ls.push(&listen.DocumentRemove{Document: name, RemovedTargetIDs: []int32{id}, ReadTime: commitTime})
					dirty = true
				}
			}
		}
		for _, name := range deleted {
			for id, st := range ls.targets {
				if st.matched[name] {
					delete(st.matched, name)
					ls.push(&listen.DocumentDelete{Document: name, RemovedTargetIDs: []int32{id}, ReadTime: commitTime})
					dirty = true
				}
			}
		}
		if dirty {
			ls.push(&listen.TargetChange{Kind: listen.NoChange, ResumeToken: token, ReadTime: commitTime})
		}
	}
}

var _ rpc.Service = (*Store)(nil)
