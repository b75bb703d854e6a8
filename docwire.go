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
	"io"
	"sort"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/internal/oc"
	"docwire.dev/query"
	"docwire.dev/rpc"
	"docwire.dev/transaction"
	"docwire.dev/write"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const pkgName = "docwire.dev"

var (
	latencyMeasure = oc.LatencyMeasure(pkgName)

	// OpenCensusViews are predefined views for OpenCensus metrics.
	// The views include counts and latency distributions for API method calls.
	OpenCensusViews = oc.Views(pkgName, latencyMeasure)
)

// A Client is a database handle: it wraps an rpc.Service with tracing,
// ID generation and the higher-level flows (transactions, bulk writes,
// partitioned queries, watches).
type Client struct {
	svc      rpc.Service
	database string
	tracer   *oc.Tracer
	newID    func() string
}

// Options configures a Client.
type Options struct {
	// NewID generates document IDs for creates that do not supply one.
	// Defaults to random UUIDs.
	NewID func() string
}

// NewClient returns a Client for the database resource path, e.g.
// "projects/P/databases/D".
func NewClient(svc rpc.Service, database string, opts *Options) (*Client, error) {
	if svc == nil {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "docwire: nil service")
	}
	if database == "" {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "docwire: empty database path")
	}
	if opts == nil {
		opts = &Options{}
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Client{
		svc:      svc,
		database: database,
		tracer: &oc.Tracer{
			Package:        pkgName,
			Provider:       oc.ProviderName(svc),
			LatencyMeasure: latencyMeasure,
		},
		newID: newID,
	}, nil
}

// Root returns the database's documents root, the parent of its
// top-level collections.
func (c *Client) Root() string { return c.database + "/documents" }

func (c *Client) ctx(ctx context.Context, method string) context.Context {
	ctx = c.tracer.Start(ctx, method)
	return rpc.WithResourceHeader(ctx, c.database)
}

// Get reads a document by its full resource path.
func (c *Client) Get(ctx context.Context, name string, mask *document.Mask) (_ *document.Document, err error) {
	ctx = c.ctx(ctx, "Get")
	defer func() { c.tracer.End(ctx, err) }()
	return c.svc.GetDocument(ctx, &rpc.GetDocumentRequest{Name: name, Mask: mask})
}

// Create creates a document in the collection under parent. An empty
// docID gets a generated ID; the created document is returned.
func (c *Client) Create(ctx context.Context, parent, collectionID, docID string, fields map[string]document.Value) (_ *document.Document, err error) {
	ctx = c.ctx(ctx, "Create")
	defer func() { c.tracer.End(ctx, err) }()
	if docID == "" {
		docID = c.newID()
	}
	return c.svc.CreateDocument(ctx, &rpc.CreateDocumentRequest{
		Parent:       parent,
		CollectionID: collectionID,
		DocumentID:   docID,
		Document:     &document.Document{Fields: fields},
	})
}

// Update applies an update write and returns the new document state.
func (c *Client) Update(ctx context.Context, doc *document.Document, updateMask *document.Mask, pre *write.Precondition) (_ *document.Document, err error) {
	ctx = c.ctx(ctx, "Update")
	defer func() { c.tracer.End(ctx, err) }()
	return c.svc.UpdateDocument(ctx, &rpc.UpdateDocumentRequest{
		Document:        doc,
		UpdateMask:      updateMask,
		CurrentDocument: pre,
	})
}

// Delete deletes the named document.
func (c *Client) Delete(ctx context.Context, name string, pre *write.Precondition) (err error) {
	ctx = c.ctx(ctx, "Delete")
	defer func() { c.tracer.End(ctx, err) }()
	return c.svc.DeleteDocument(ctx, &rpc.DeleteDocumentRequest{Name: name, CurrentDocument: pre})
}

// GetAll reads several documents in one consistent pass. The result maps
// each requested name to its document, or to nil if it does not exist.
func (c *Client) GetAll(ctx context.Context, names []string, mask *document.Mask) (_ map[string]*document.Document, err error) {
	ctx = c.ctx(ctx, "GetAll")
	defer func() { c.tracer.End(ctx, err) }()
	stream, err := c.svc.BatchGetDocuments(ctx, &rpc.BatchGetRequest{
		Database:  c.database,
		Documents: names,
		Mask:      mask,
	})
	if err != nil {
		return nil, err
	}
	docs := make(map[string]*document.Document, len(names))
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		if res.Found != nil {
			docs[res.Found.Name] = res.Found
		} else {
			docs[res.Missing] = nil
		}
	}
}

// Commit atomically applies writes outside a transaction.
func (c *Client) Commit(ctx context.Context, writes ...*write.Write) (_ *rpc.CommitResponse, err error) {
	ctx = c.ctx(ctx, "Commit")
	defer func() { c.tracer.End(ctx, err) }()
	return c.svc.Commit(ctx, &rpc.CommitRequest{Database: c.database, Writes: writes})
}

// RunQuery executes a compiled query under parent and collects the
// result documents in order.
func (c *Client) RunQuery(ctx context.Context, parent string, sq *query.StructuredQuery) (_ []*document.Document, err error) {
	ctx = c.ctx(ctx, "RunQuery")
	defer func() { c.tracer.End(ctx, err) }()
	stream, err := c.svc.RunQuery(ctx, &rpc.RunQueryRequest{Parent: parent, Query: sq})
	if err != nil {
		return nil, err
	}
	return drainQuery(stream)
}

func drainQuery(stream rpc.RunQueryStream) ([]*document.Document, error) {
	var docs []*document.Document
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		if res.Document != nil {
			docs = append(docs, res.Document)
		}
		if res.Done {
			return docs, nil
		}
	}
}

// RunAggregationQuery executes an aggregation query under parent and
// returns the alias-to-value result.
func (c *Client) RunAggregationQuery(ctx context.Context, parent string, aq *query.StructuredAggregationQuery) (_ map[string]document.Value, err error) {
	ctx = c.ctx(ctx, "RunAggregationQuery")
	defer func() { c.tracer.End(ctx, err) }()
	stream, err := c.svc.RunAggregationQuery(ctx, &rpc.RunAggregationQueryRequest{Parent: parent, Query: aq})
	if err != nil {
		return nil, err
	}
	fields := map[string]document.Value{}
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		if res.Result != nil {
			for k, v := range res.Result.AggregateFields {
				fields[k] = v
			}
		}
	}
}

// RunTransaction runs f inside a read-write transaction, retrying it
// when it loses a concurrency conflict.
func (c *Client) RunTransaction(ctx context.Context, f func(context.Context, *transaction.Transaction) error) (err error) {
	ctx = c.ctx(ctx, "RunTransaction")
	defer func() { c.tracer.End(ctx, err) }()
	return transaction.Run(ctx, c.svc, c.database, f, nil)
}

// RunPartitionedQuery splits a collection-group query into ranges and
// runs them concurrently, returning the concatenated results in
// partition order. The query must order by name only and carry no
// filters or limits.
func (c *Client) RunPartitionedQuery(ctx context.Context, parent string, sq *query.StructuredQuery, concurrency int) (_ []*document.Document, err error) {
	ctx = c.ctx(ctx, "RunPartitionedQuery")
	defer func() { c.tracer.End(ctx, err) }()
	if concurrency < 1 {
		concurrency = 1
	}
	pres, err := c.svc.PartitionQuery(ctx, &rpc.PartitionQueryRequest{
		Parent:         parent,
		Query:          sq,
		PartitionCount: int64(concurrency) - 1,
	})
	if err != nil {
		return nil, err
	}

	// n split points bound n+1 ranges.
	ranges := make([]*query.StructuredQuery, 0, len(pres.Partitions)+1)
	for i := 0; i <= len(pres.Partitions); i++ {
		r := *sq
		if i > 0 {
			r.StartAt = &query.Cursor{Values: pres.Partitions[i-1].Values, Before: true}
		}
		if i < len(pres.Partitions) {
			r.EndAt = &query.Cursor{Values: pres.Partitions[i].Values, Before: true}
		}
		ranges = append(ranges, &r)
	}

	results := make([][]*document.Document, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			stream, err := c.svc.RunQuery(gctx, &rpc.RunQueryRequest{Parent: parent, Query: r})
			if err != nil {
				return err
			}
			docs, err := drainQuery(stream)
			if err != nil {
				return err
			}
			results[i] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var docs []*document.Document
	for _, part := range results {
		docs = append(docs, part...)
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// WriteSession opens a streamed write session and performs its
// handshake.
func (c *Client) WriteSession(ctx context.Context) (_ *write.Session, err error) {
	ctx = c.ctx(ctx, "WriteSession")
	defer func() { c.tracer.End(ctx, err) }()
	stream, err := c.svc.Write(ctx)
	if err != nil {
		return nil, err
	}
	s := write.NewSession(stream, c.database, nil)
	if err := s.Handshake(); err != nil {
		return nil, err
	}
	return s, nil
}
