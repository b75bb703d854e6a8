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

package listen

// Wire shapes for the Listen stream: targets, target changes, document
// events and existence filters.

import (
	"time"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/query"
	"google.golang.org/grpc/status"
)

// A QueryTarget tracks the results of a structured query under a parent
// resource.
type QueryTarget struct {
	Parent string
	Query  *query.StructuredQuery
}

// A DocumentsTarget tracks an explicit set of documents by name.
type DocumentsTarget struct {
	Names []string
}

// A Target declares a live query or document set to be tracked on a
// Listen stream. Exactly one of Query and Documents must be set.
type Target struct {
	// TargetID identifies the target within its stream. It must be
	// non-zero and unique among the stream's active targets.
	TargetID int32

	Query     *QueryTarget
	Documents *DocumentsTarget

	// ResumeToken resumes the target from a previous snapshot. At most
	// one of ResumeToken and ReadTime may be set.
	ResumeToken []byte

	// ReadTime resumes the target from a consistent point in time.
	ReadTime time.Time

	// Once stops the target after the first consistent snapshot.
	Once bool

	// ExpectedCount is the number of documents the client had cached
	// for this target when resuming; the server uses it to decide
	// whether to send an existence filter.
	ExpectedCount *int32

	// KnownNames seeds the watcher's local cache with the document
	// names persisted from a previous run of this target (see
	// Watcher.CachedNames). It is client-side state, never sent to the
	// service. With a seeded cache, existence-filter reconciliation on
	// resume can confirm the cache instead of forcing a full re-run.
	// Restored documents carry only their name until the service
	// re-delivers them.
	KnownNames []string
}

// Validate checks the target's internal consistency.
func (t *Target) Validate() error {
	if t.TargetID == 0 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "target ID must be non-zero")
	}
	if (t.Query == nil) == (t.Documents == nil) {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "target must set exactly one of query and documents")
	}
	if t.Documents != nil && len(t.Documents.Names) == 0 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "documents target has no names")
	}
	if len(t.ResumeToken) > 0 && !t.ReadTime.IsZero() {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "target may set at most one of resumeToken and readTime")
	}
	return nil
}

// A Request is one message on the Listen stream: add or remove a target.
// Exactly one of AddTarget and RemoveTarget must be set.
type Request struct {
	// Database is the database resource path. Required on the first
	// request of a stream.
	Database string

	AddTarget    *Target
	RemoveTarget int32 // target ID; zero means unset

	// Labels are free-form metadata, only on the first request.
	Labels map[string]string
}

// Validate checks the request's internal consistency.
func (r *Request) Validate() error {
	if (r.AddTarget != nil) == (r.RemoveTarget != 0) {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "listen request must set exactly one of addTarget and removeTarget")
	}
	if r.AddTarget != nil {
		return r.AddTarget.Validate()
	}
	return nil
}

// A Response is one message from the Listen stream: one of
// *TargetChange, *DocumentChange, *DocumentDelete, *DocumentRemove or
// *ExistenceFilter.
type Response interface {
	isResponse()
}

// A TargetChangeKind classifies a TargetChange.
type TargetChangeKind int

const (
	// NoChange carries only a resume token and read time; with an empty
	// TargetIDs list it applies to every active target and delimits a
	// consistent snapshot once targets are current.
	NoChange TargetChangeKind = iota

	// TargetAdded acknowledges addTarget.
	TargetAdded

	// TargetRemoved reports that the targets are no longer tracked.
	// Cause, when present, is the error that removed them.
	TargetRemoved

	// TargetCurrent reports that the targets have reached a view
	// consistent with the stream's read time.
	TargetCurrent

	// TargetReset reports that the targets' previously delivered state
	// is invalid: discard it and wait for a fresh CURRENT.
	TargetReset
)

var targetChangeKindStrings = []string{"NO_CHANGE", "ADD", "REMOVE", "CURRENT", "RESET"}

func (k TargetChangeKind) String() string {
	if k < 0 || int(k) >= len(targetChangeKindStrings) {
		return "UNKNOWN"
	}
	return targetChangeKindStrings[k]
}

// A TargetChange reports a change to the state of one or more targets.
type TargetChange struct {
	Kind TargetChangeKind

	// TargetIDs names the affected targets; empty means all targets.
	TargetIDs []int32

	// Cause is set on REMOVE when the removal is an error. A missing
	// cause is a clean removal.
	Cause *status.Status

	// ResumeToken, when present, supersedes the targets' previous
	// token; persist it to resume after a disconnect.
	ResumeToken []byte

	// ReadTime is the consistent stream time of the change.
	ReadTime time.Time
}

func (*TargetChange) isResponse() {}

// A DocumentChange reports a document now matching TargetIDs and no
// longer matching RemovedTargetIDs.
type DocumentChange struct {
	Document         *document.Document
	TargetIDs        []int32
	RemovedTargetIDs []int32
}

func (*DocumentChange) isResponse() {}

// A DocumentDelete reports that the named document was deleted and no
// longer matches RemovedTargetIDs.
type DocumentDelete struct {
	Document         string
	RemovedTargetIDs []int32
	ReadTime         time.Time
}

func (*DocumentDelete) isResponse() {}

// A DocumentRemove reports that the named document left the targets'
// result sets without being deleted (it no longer matches, or the
// server stopped tracking it).
type DocumentRemove struct {
	Document         string
	RemovedTargetIDs []int32
	ReadTime         time.Time
}

func (*DocumentRemove) isResponse() {}

// An ExistenceFilter tells a resuming client which of its cached
// documents are still in the target's result set: names that fail the
// Bloom filter test were changed or deleted during the gap and must be
// dropped.
type ExistenceFilter struct {
	TargetID int32

	// Count is the number of documents in the target's result set at
	// the filter's point in time.
	Count int32

	// UnchangedNames approximates the set of result document names. A
	// nil filter conveys only the count.
	UnchangedNames *BloomFilter
}

func (*ExistenceFilter) isResponse() {}

// A Stream is the client side of a Listen RPC. Implementations are
// provided by the transport; see docwire.dev/rpc.
type Stream interface {
	Send(*Request) error
	Recv() (Response, error)
}
