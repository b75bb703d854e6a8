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

// Package rpc defines the service surface of the document database: the
// request and response shapes for every operation and the Service
// interface a transport (or the in-memory store used in tests) provides.
package rpc

import (
	"context"
	"time"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/listen"
	"docwire.dev/query"
	"docwire.dev/write"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// resourcePrefixHeader routes requests by resource on multiplexed
// transports.
const resourcePrefixHeader = "x-docwire-resource-prefix"

// WithResourceHeader returns a context whose outgoing gRPC metadata names
// the resource the call operates on.
func WithResourceHeader(ctx context.Context, resource string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, resourcePrefixHeader, resource)
}

// TransactionOptions selects the transaction mode when beginning a
// transaction. Exactly one of ReadOnly and ReadWrite must be set.
type TransactionOptions struct {
	ReadOnly  *ReadOnlyOptions
	ReadWrite *ReadWriteOptions
}

// ReadOnlyOptions configures a read-only transaction.
type ReadOnlyOptions struct {
	// ReadTime, if non-zero, reads documents as of the given time.
	ReadTime time.Time
}

// ReadWriteOptions configures a read-write transaction.
type ReadWriteOptions struct {
	// RetryTransaction is the token of a previous attempt that was
	// aborted; passing it lets the service prioritize the retry.
	RetryTransaction []byte
}

// Validate checks that exactly one mode is set.
func (o *TransactionOptions) Validate() error {
	if (o.ReadOnly != nil) == (o.ReadWrite != nil) {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "transaction options must set exactly one of readOnly and readWrite")
	}
	return nil
}

// A ReadConsistency selects how a read sees the database: inside an
// existing transaction, inside a new transaction begun by this request,
// or at a fixed timestamp. At most one selector may be set; all unset
// means a fresh strong read.
type ReadConsistency struct {
	// Transaction is the token of an open transaction to read in.
	Transaction []byte

	// NewTransaction begins a new transaction whose token is returned
	// on the first response. The read becomes the transaction's first
	// operation.
	NewTransaction *TransactionOptions

	// ReadTime reads documents as of the given time.
	ReadTime time.Time
}

// Validate reports an error if more than one selector is set.
func (c *ReadConsistency) Validate() error {
	n := 0
	if len(c.Transaction) > 0 {
		n++
	}
	if c.NewTransaction != nil {
		n++
		if err := c.NewTransaction.Validate(); err != nil {
			return err
		}
	}
	if !c.ReadTime.IsZero() {
		n++
	}
	if n > 1 {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "at most one of transaction, newTransaction and readTime may be set")
	}
	return nil
}

// GetDocumentRequest reads a single document by resource path.
type GetDocumentRequest struct {
	Name        string
	Mask        *document.Mask
	Consistency ReadConsistency
}

// ListDocumentsRequest pages through the documents of one collection.
type ListDocumentsRequest struct {
	// Parent is the resource path of the collection's parent: a database
	// documents root or a document.
	Parent string

	// CollectionID names the collection under Parent. Empty lists
	// documents from all collections, useful with ShowMissing.
	CollectionID string

	PageSize  int32
	PageToken string

	// OrderBy is a comma-separated field path list, as in a query.
	OrderBy string

	Mask        *document.Mask
	Consistency ReadConsistency

	// ShowMissing includes nameless placeholders for documents that do
	// not exist but have subdocuments. Incompatible with OrderBy.
	ShowMissing bool
}

// ListDocumentsResponse is one page of documents.
type ListDocumentsResponse struct {
	Documents     []*document.Document
	NextPageToken string
}

// CreateDocumentRequest creates a document. An empty DocumentID asks the
// service to assign one.
type CreateDocumentRequest struct {
	Parent       string
	CollectionID string
	DocumentID   string
	Document     *document.Document
	Mask         *document.Mask
}

// UpdateDocumentRequest updates (or with an unset existence precondition,
// creates) a document.
type UpdateDocumentRequest struct {
	Document *document.Document

	// UpdateMask limits the update to the named field paths; masked
	// paths missing from Document are deleted.
	UpdateMask *document.Mask

	// Mask limits the fields of the returned document.
	Mask *document.Mask

	CurrentDocument *write.Precondition
}

// DeleteDocumentRequest deletes a document.
type DeleteDocumentRequest struct {
	Name            string
	CurrentDocument *write.Precondition
}

// BatchGetRequest reads several documents in one consistent pass. The
// responses arrive in arbitrary order; match them to the request by
// name.
type BatchGetRequest struct {
	Database    string
	Documents   []string
	Mask        *document.Mask
	Consistency ReadConsistency
}

// BatchGetResponse reports one requested document: exactly one of Found
// and Missing is set.
type BatchGetResponse struct {
	Found *document.Document

	// Missing is the resource path of a document that does not exist.
	Missing string

	// Transaction is the new transaction's token; only on the first
	// response and only when the request asked for one.
	Transaction []byte

	ReadTime time.Time
}

// BatchGetStream yields BatchGetResponses until io.EOF.
type BatchGetStream interface {
	Recv() (*BatchGetResponse, error)
}

// BeginTransactionRequest starts a transaction.
type BeginTransactionRequest struct {
	Database string
	Options  *TransactionOptions
}

// BeginTransactionResponse carries the new transaction's token.
type BeginTransactionResponse struct {
	Transaction []byte
}

// CommitRequest atomically applies writes, optionally committing an open
// transaction. Either all writes apply or none do.
type CommitRequest struct {
	Database    string
	Writes      []*write.Write
	Transaction []byte
}

// CommitResponse reports the commit time and the per-write results, in
// request order.
type CommitResponse struct {
	WriteResults []*write.WriteResult
	CommitTime   time.Time
}

// RollbackRequest abandons a transaction. Its token is dead afterwards.
type RollbackRequest struct {
	Database    string
	Transaction []byte
}

// ExplainOptions requests query planning information.
type ExplainOptions struct {
	// Analyze also executes the query and gathers runtime statistics;
	// false plans only and returns no documents.
	Analyze bool
}

// ExplainMetrics is the opaque planning and execution report. The client
// carries it through without interpretation.
type ExplainMetrics struct {
	PlanSummary       map[string]document.Value
	ResultsReturned   int64
	ExecutionDuration time.Duration
	ReadOperations    int64
}

// RunQueryRequest executes a structured query under a parent resource.
type RunQueryRequest struct {
	Parent      string
	Query       *query.StructuredQuery
	Consistency ReadConsistency
	Explain     *ExplainOptions
}

// RunQueryResponse is one streamed query result. A response with a nil
// Document reports progress only (skipped results, transaction token, or
// the final Done marker).
type RunQueryResponse struct {
	// Transaction is the new transaction's token; only on the first
	// response and only when the request asked for one.
	Transaction []byte

	Document *document.Document
	ReadTime time.Time

	// SkippedResults is the number of results skipped by the query
	// offset before this response.
	SkippedResults int32

	// Done marks the final response of the stream.
	Done bool

	Explain *ExplainMetrics
}

// RunQueryStream yields RunQueryResponses until io.EOF.
type RunQueryStream interface {
	Recv() (*RunQueryResponse, error)
}

// RunAggregationQueryRequest executes an aggregation query.
type RunAggregationQueryRequest struct {
	Parent      string
	Query       *query.StructuredAggregationQuery
	Consistency ReadConsistency
	Explain     *ExplainOptions
}

// AggregationResult maps each aggregation alias to its value.
type AggregationResult struct {
	AggregateFields map[string]document.Value
}

// RunAggregationQueryResponse is one streamed aggregation result.
type RunAggregationQueryResponse struct {
	Result      *AggregationResult
	Transaction []byte
	ReadTime    time.Time
	Explain     *ExplainMetrics
}

// RunAggregationQueryStream yields results until io.EOF.
type RunAggregationQueryStream interface {
	Recv() (*RunAggregationQueryResponse, error)
}

// PartitionQueryRequest splits a collection-group query into cursor
// ranges that can be run in parallel.
type PartitionQueryRequest struct {
	Parent string

	// Query must order by __name__ ascending and must not contain
	// filters or limits.
	Query *query.StructuredQuery

	// PartitionCount is the desired maximum number of partition points,
	// producing at most PartitionCount+1 ranges.
	PartitionCount int64

	PageSize  int32
	PageToken string

	ReadTime time.Time
}

// PartitionQueryResponse is one page of partition cursors, in split
// order. Adjacent cursors bound one range; the first range is unbounded
// below and the last unbounded above.
type PartitionQueryResponse struct {
	Partitions    []*query.Cursor
	NextPageToken string
}

// ListCollectionIDsRequest pages through the collection IDs directly
// under a parent document or database root.
type ListCollectionIDsRequest struct {
	Parent    string
	PageSize  int32
	PageToken string
	ReadTime  time.Time
}

// ListCollectionIDsResponse is one page of collection IDs.
type ListCollectionIDsResponse struct {
	CollectionIDs []string
	NextPageToken string
}

// BatchWriteRequest applies writes non-atomically: each write succeeds
// or fails independently, reported positionally in Status. Writes must
// not target the same document more than once.
type BatchWriteRequest struct {
	Database string
	Writes   []*write.Write
	Labels   map[string]string
}

// BatchWriteResponse reports per-write outcomes. WriteResults and Status
// align positionally with the request's writes; a failed write has an
// empty result and a non-OK status.
type BatchWriteResponse struct {
	WriteResults []*write.WriteResult
	Status       []*status.Status
}

// A Service is the full operation surface of the database. Transports
// implement it over the wire; docwire.dev/internal/memstore implements
// it in memory for tests.
type Service interface {
	GetDocument(ctx context.Context, req *GetDocumentRequest) (*document.Document, error)
	ListDocuments(ctx context.Context, req *ListDocumentsRequest) (*ListDocumentsResponse, error)
	CreateDocument(ctx context.Context, req *CreateDocumentRequest) (*document.Document, error)
	UpdateDocument(ctx context.Context, req *UpdateDocumentRequest) (*document.Document, error)
	DeleteDocument(ctx context.Context, req *DeleteDocumentRequest) error

	BatchGetDocuments(ctx context.Context, req *BatchGetRequest) (BatchGetStream, error)

	BeginTransaction(ctx context.Context, req *BeginTransactionRequest) (*BeginTransactionResponse, error)
	Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error)
	Rollback(ctx context.Context, req *RollbackRequest) error

	RunQuery(ctx context.Context, req *RunQueryRequest) (RunQueryStream, error)
	RunAggregationQuery(ctx context.Context, req *RunAggregationQueryRequest) (RunAggregationQueryStream, error)
	PartitionQuery(ctx context.Context, req *PartitionQueryRequest) (*PartitionQueryResponse, error)

	Write(ctx context.Context) (write.Stream, error)
	Listen(ctx context.Context) (listen.Stream, error)

	ListCollectionIDs(ctx context.Context, req *ListCollectionIDsRequest) (*ListCollectionIDsResponse, error)
	BatchWrite(ctx context.Context, req *BatchWriteRequest) (*BatchWriteResponse, error)
}
