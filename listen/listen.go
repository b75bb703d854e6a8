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

// Package listen implements the client side of the change-notification
// stream: targets, the per-target state machine, and existence-filter
// reconciliation.
//
// One Listen stream multiplexes many targets. A Watcher owns one stream
// and must be driven from a single goroutine: AddTarget and RemoveTarget
// declare targets, and Next pumps the stream, applying every inbound
// message to the watcher's state in arrival order and returning
// consistent snapshots and terminal target events.
package listen

import (
	"sort"
	"time"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
)

// A TargetState is the lifecycle state of a tracked target.
type TargetState int

const (
	// Pending targets await their first CURRENT change; their cached
	// view is not yet consistent.
	Pending TargetState = iota

	// Current targets have a view consistent with the stream read time.
	Current
)

// An Event is a high-level occurrence surfaced by Watcher.Next: one of
// *Snapshot or *TargetStopped.
type Event interface {
	isEvent()
}

// A Snapshot is a consistent view of a target's result set, delimited by
// the stream's consistency boundaries.
type Snapshot struct {
	TargetID    int32
	ReadTime    time.Time
	ResumeToken []byte

	// Documents is the full result set, ordered by name.
	Documents []*document.Document
}

func (*Snapshot) isEvent() {}

// A TargetStopped event reports that the service removed a target. A nil
// Cause is a clean removal (for example a once-target after its first
// snapshot); a non-nil Cause is the error that removed it.
type TargetStopped struct {
	TargetID int32
	Cause    error
}

func (*TargetStopped) isEvent() {}

type targetInfo struct {
	spec        *Target
	state       TargetState
	resumeToken []byte
	readTime    time.Time
	docs        map[string]*document.Document
	dirty       bool // changes since the last emitted snapshot
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Hash is the Bloom filter hash family used for existence filter
	// reconciliation. It must match the service's; defaults to
	// MD5DoubleHash.
	Hash HashFunc

	// Labels are sent with the stream's first request.
	Labels map[string]string
}

// A Watcher multiplexes targets over one Listen stream and maintains the
// per-target document caches. It is not safe for concurrent use.
type Watcher struct {
	stream    Stream
	database  string
	hash      HashFunc
	labels    map[string]string
	sentFirst bool

	targets map[int32]*targetInfo
	events  []Event

	// restarting holds the specs of targets whose removal was sent but
	// not yet confirmed; they are re-added (without resume state) when
	// the REMOVE confirmation arrives. Until then, inbound messages for
	// those IDs belong to the old incarnation and are ignored.
	restarting map[int32]*Target
}

// NewWatcher returns a Watcher over the given stream.
func NewWatcher(stream Stream, database string, opts *WatcherOptions) *Watcher {
	if opts == nil {
		opts = &WatcherOptions{}
	}
	hash := opts.Hash
	if hash == nil {
		hash = MD5DoubleHash
	}
	return &Watcher{
		stream:     stream,
		database:   database,
		hash:       hash,
		labels:     opts.Labels,
		targets:    make(map[int32]*targetInfo),
		restarting: make(map[int32]*Target),
	}
}

func (w *Watcher) send(r *Request) error {
	if !w.sentFirst {
		r.Database = w.database
		r.Labels = w.labels
		w.sentFirst = true
	}
	return w.stream.Send(r)
}

// AddTarget declares a target on the stream. The target starts Pending
// and becomes Current when the service reports a consistent view.
func (w *Watcher) AddTarget(t *Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := w.targets[t.TargetID]; ok {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "target %d is already active", t.TargetID)
	}
	if _, ok := w.restarting[t.TargetID]; ok {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "target %d is already active", t.TargetID)
	}
	if err := w.send(&Request{AddTarget: t}); err != nil {
		return err
	}
	info := &targetInfo{
		spec:        t,
		resumeToken: t.ResumeToken,
		docs:        make(map[string]*document.Document),
	}
	for _, name := range t.KnownNames {
		info.docs[name] = &document.Document{Name: name}
	}
	w.targets[t.TargetID] = info
	return nil
}

// RemoveTarget stops tracking the target. The service confirms with a
// REMOVE target change, surfaced as a TargetStopped event.
func (w *Watcher) RemoveTarget(id int32) error {
	if _, ok := w.targets[id]; !ok {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "target %d is not active", id)
	}
	return w.send(&Request{RemoveTarget: id})
}

// ResumeToken returns the target's most recent resume token. Persist it
// to resume the target on a new stream after a disconnect.
func (w *Watcher) ResumeToken(id int32) []byte {
	if t, ok := w.targets[id]; ok {
		return t.resumeToken
	}
	return nil
}

// CachedNames returns the names of the target's locally cached
// documents, sorted. Persist them alongside the resume token and supply
// them as KnownNames when resuming the target on a new stream, so the
// service's existence filter has a cache to reconcile against.
func (w *Watcher) CachedNames(id int32) []string {
	t, ok := w.targets[id]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(t.docs))
	for name := range t.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// State returns the target's lifecycle state. The second result is false
// if the target is not active.
func (w *Watcher) State(id int32) (TargetState, bool) {
	t, ok := w.targets[id]
	if !ok {
		return 0, false
	}
	return t.state, true
}

// Next processes inbound stream messages in arrival order until an event
// is available and returns it. Errors from the stream are returned
// as-is; the caller may open a new stream and re-add targets with their
// resume tokens.
func (w *Watcher) Next() (Event, error) {
	for {
		if len(w.events) > 0 {
			ev := w.events[0]
			w.events = w.events[1:]
			return ev, nil
		}
		res, err := w.stream.Recv()
		if err != nil {
			return nil, err
		}
		if err := w.apply(res); err != nil {
			return nil, err
		}
	}
}

// apply folds one inbound message into the watcher state.
func (w *Watcher) apply(res Response) error {
	switch res := res.(type) {
	case *TargetChange:
		return w.applyTargetChange(res)
	case *DocumentChange:
		for _, id := range res.TargetIDs {
			if t, ok := w.targets[id]; ok {
				t.docs[res.Document.Name] = res.Document
				t.dirty = true
			}
		}
		for _, id := range res.RemovedTargetIDs {
			w.dropDoc(id, res.Document.Name)
		}
		return nil
	case *DocumentDelete:
		for _, id := range res.RemovedTargetIDs {
			w.dropDoc(id, res.Document)
		}
		return nil
	case *DocumentRemove:
		for _, id := range res.RemovedTargetIDs {
			w.dropDoc(id, res.Document)
		}
		return nil
	case *ExistenceFilter:
		return w.reconcile(res)
	default:
		return dwerr.Newf(dwerr.Internal, nil, "unknown listen response %T", res)
	}
}

func (w *Watcher) dropDoc(id int32, name string) {
	if t, ok := w.targets[id]; ok {
		if _, had := t.docs[name]; had {
			delete(t.docs, name)
			t.dirty = true
		}
	}
}

// affected returns the targets named by ids, or all targets if ids is
// empty.
func (w *Watcher) affected(ids []int32) []*targetInfo {
	if len(ids) == 0 {
		ts := make([]*targetInfo, 0, len(w.targets))
		for _, t := range w.targets {
			ts = append(ts, t)
		}
		return ts
	}
	var ts []*targetInfo
	for _, id := range ids {
		if t, ok := w.targets[id]; ok {
			ts = append(ts, t)
		}
	}
	return ts
}

func (w *Watcher) applyTargetChange(tc *TargetChange) error {
	ts := w.affected(tc.TargetIDs)
	// Resume tokens supersede the previous token for every affected
	// target, regardless of change kind.
	if len(tc.ResumeToken) > 0 {
		for _, t := range ts {
			t.resumeToken = tc.ResumeToken
		}
	}
	if !tc.ReadTime.IsZero() {
		for _, t := range ts {
			t.readTime = tc.ReadTime
		}
	}
	switch tc.Kind {
	case TargetAdded:
		// Acknowledgement only; the target stays pending until CURRENT.
		return nil

	case TargetCurrent:
		for _, t := range ts {
			if t.state == Pending {
				t.state = Current
				t.dirty = true // first snapshot, possibly empty
			}
		}
		return nil

	case TargetReset:
		// Discard all buffered state and go back to awaiting CURRENT.
		for _, t := range ts {
			t.docs = make(map[string]*document.Document)
			t.state = Pending
			t.dirty = false
		}
		return nil

	case TargetRemoved:
		var cause error
		if tc.Cause != nil {
			cause = dwerr.Newf(dwerr.GRPCCode(tc.Cause.Err()), tc.Cause.Err(), "target removed by service")
		}
		ids := tc.TargetIDs
		if len(ids) == 0 {
			for id := range w.targets {
				ids = append(ids, id)
			}
			for id := range w.restarting {
				ids = append(ids, id)
			}
		}
		for _, id := range ids {
			if spec, ok := w.restarting[id]; ok {
				// The old incarnation is confirmed gone; re-run the
				// target from scratch under the same ID.
				delete(w.restarting, id)
				if cause == nil {
					if err := w.AddTarget(spec); err != nil {
						return err
					}
					continue
				}
			} else if _, ok := w.targets[id]; !ok {
				continue
			}
			delete(w.targets, id)
			w.events = append(w.events, &TargetStopped{TargetID: id, Cause: cause})
		}
		return nil

	case NoChange:
		// A global NO_CHANGE with a read time is a consistency
		// boundary: emit snapshots for current targets with changes.
		if len(tc.TargetIDs) == 0 && !tc.ReadTime.IsZero() {
			w.emitSnapshots(tc.ReadTime)
		}
		return nil

	default:
		return dwerr.Newf(dwerr.Internal, nil, "unknown target change kind %v", tc.Kind)
	}
}

func (w *Watcher) emitSnapshots(readTime time.Time) {
	ids := make([]int32, 0, len(w.targets))
	for id := range w.targets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t := w.targets[id]
		if t.state != Current || !t.dirty {
			continue
		}
		docs := make([]*document.Document, 0, len(t.docs))
		for _, d := range t.docs {
			docs = append(docs, d)
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
		w.events = append(w.events, &Snapshot{
			TargetID:    id,
			ReadTime:    readTime,
			ResumeToken: t.resumeToken,
			Documents:   docs,
		})
		t.dirty = false
	}
}

// reconcile applies an existence filter to the target's cache: names
// absent from the Bloom filter were changed or deleted during the
// resume gap and are dropped. If the cache size still disagrees with the
// server's count afterwards, the cache cannot be trusted at all: the
// target is restarted from scratch without its resume token.
func (w *Watcher) reconcile(f *ExistenceFilter) error {
	t, ok := w.targets[f.TargetID]
	if !ok {
		return nil
	}
	if f.UnchangedNames != nil {
		if err := f.UnchangedNames.Validate(); err != nil {
			return err
		}
		for name := range t.docs {
			if !f.UnchangedNames.Contains(name, w.hash) {
				delete(t.docs, name)
				t.dirty = true
			}
		}
	}
	if int32(len(t.docs)) == f.Count {
		return nil
	}
	return w.restartTarget(t)
}

// restartTarget discards the target's local state and schedules a full
// re-run of the query: the removal is sent now, and the target is
// re-added without resume state once the service confirms the removal.
// Re-adding earlier would let stream messages from the old incarnation,
// including its REMOVE confirmation, apply to the new one.
func (w *Watcher) restartTarget(t *targetInfo) error {
	id := t.spec.TargetID
	if err := w.send(&Request{RemoveTarget: id}); err != nil {
		return err
	}
	delete(w.targets, id)

	spec := *t.spec
	spec.ResumeToken = nil
	spec.ReadTime = time.Time{}
	spec.ExpectedCount = nil
	spec.KnownNames = nil
	w.restarting[id] = &spec
	return nil
}
