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

// Query evaluation over the in-memory document set.

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
	"docwire.dev/query"
	"docwire.dev/rpc"
)

// inCollection reports whether the named document belongs to the
// selected collection under parent.
func inCollection(name, parent string, sel *query.CollectionSelector) bool {
	docParent, collID, ok := collectionOf(name)
	if !ok || collID != sel.CollectionID {
		return false
	}
	if sel.AllDescendants {
		return docParent == parent || strings.HasPrefix(docParent, parent+"/")
	}
	return docParent == parent
}

// sameComparisonClass reports whether two values compete in relational
// filters. Integers and doubles share the number class; otherwise kinds
// must match.
func sameComparisonClass(a, b document.Value) bool {
	ak, bk := a.Kind(), b.Kind()
	num := func(k document.Kind) bool {
		return k == document.IntegerKind || k == document.DoubleKind
	}
	if num(ak) && num(bk) {
		return true
	}
	return ak == bk
}

func isNaN(v document.Value) bool {
	f, ok := v.Double()
	return ok && math.IsNaN(f)
}

// evalFilter evaluates a filter tree against one document.
func evalFilter(d *document.Document, f query.Filter) (bool, error) {
	if f == nil {
		return true, nil
	}
	switch f := f.(type) {
	case *query.CompositeFilter:
		for _, sub := range f.Filters {
			ok, err := evalFilter(d, sub)
			if err != nil {
				return false, err
			}
			if f.Op == query.And && !ok {
				return false, nil
			}
			if f.Op == query.Or && ok {
				return true, nil
			}
		}
		return f.Op == query.And, nil

	case *query.UnaryFilter:
		v, ok, err := fieldValue(d, f.Field.FieldPath)
		if err != nil {
			return false, err
		}
		switch f.Op {
		case query.IsNull:
			return ok && v.Kind() == document.NullKind, nil
		case query.IsNotNull:
			return ok && v.Kind() != document.NullKind, nil
		case query.IsNaN:
			return ok && isNaN(v), nil
		case query.IsNotNaN:
			return ok && !isNaN(v), nil
		}
		return false, dwerr.Newf(dwerr.InvalidArgument, nil, "unknown unary operator %d", f.Op)

	case *query.FieldFilter:
		return evalFieldFilter(d, f)
	}
	return false, dwerr.Newf(dwerr.InvalidArgument, nil, "unknown filter %T", f)
}

func fieldValue(d *document.Document, sfp string) (document.Value, bool, error) {
	if sfp == query.NameSentinel {
		return document.RefValue(d.Name), true, nil
	}
	fp, err := document.SplitServiceFieldPath(sfp)
	if err != nil {
		return document.Value{}, false, err
	}
	v, ok := document.GetAtFieldPath(d.Fields, fp)
	return v, ok, nil
}

func evalFieldFilter(d *document.Document, f *query.FieldFilter) (bool, error) {
	v, ok, err := fieldValue(d, f.Field.FieldPath)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	switch f.Op {
	case query.Equal:
		return v.Equal(f.Value) || numericallyEqual(v, f.Value), nil
	case query.NotEqual:
		if v.Kind() == document.NullKind || isNaN(v) {
			return false, nil
		}
		return !v.Equal(f.Value) && !numericallyEqual(v, f.Value), nil
	case query.LessThan, query.LessThanOrEqual, query.GreaterThan, query.GreaterThanOrEqual:
		if !sameComparisonClass(v, f.Value) || isNaN(v) || isNaN(f.Value) {
			return false, nil
		}
		cmp := document.Compare(v, f.Value)
		switch f.Op {
		case query.LessThan:
			return cmp < 0, nil
		case query.LessThanOrEqual:
			return cmp <= 0, nil
		case query.GreaterThan:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case query.ArrayContains:
		arr, isArr := v.Array()
		if !isArr {
			return false, nil
		}
		return containsEqual(arr, f.Value), nil
	case query.In:
		operand, _ := f.Value.Array()
		return containsEqual(operand, v), nil
	case query.NotIn:
		if v.Kind() == document.NullKind {
			return false, nil
		}
		operand, _ := f.Value.Array()
		return !containsEqual(operand, v), nil
	case query.ArrayContainsAny:
		arr, isArr := v.Array()
		if !isArr {
			return false, nil
		}
		operand, _ := f.Value.Array()
		for _, e := range operand {
			if containsEqual(arr, e) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, dwerr.Newf(dwerr.InvalidArgument, nil, "unknown operator %v", f.Op)
}

// numericallyEqual treats an integer and a double holding the same
// mathematical value as equal, matching service filter semantics.
func numericallyEqual(a, b document.Value) bool {
	if a.Kind() == b.Kind() {
		return false
	}
	if !sameComparisonClass(a, b) {
		return false
	}
	if isNaN(a) || isNaN(b) {
		return false
	}
	return document.Compare(a, b) == 0
}

func containsEqual(vs []document.Value, v document.Value) bool {
	for _, e := range vs {
		if e.Equal(v) || numericallyEqual(e, v) {
			return true
		}
	}
	return false
}

// effectiveOrders returns the query's ordering with the document-name
// tiebreak appended if absent, in the direction of the last explicit
// component.
func effectiveOrders(sq *query.StructuredQuery) []query.Order {
	for _, o := range sq.OrderBy {
		if o.Field.FieldPath == query.NameSentinel {
			return sq.OrderBy
		}
	}
	dir := query.Ascending
	if n := len(sq.OrderBy); n > 0 {
		dir = sq.OrderBy[n-1].Direction
	}
	orders := append([]query.Order{}, sq.OrderBy...)
	return append(orders, query.Order{
		Field:     query.FieldReference{FieldPath: query.NameSentinel},
		Direction: dir,
	})
}

type queryRow struct {
	doc  *document.Document
	vals []document.Value
}

// runQueryLocked evaluates sq under parent against the current document
// set, returning ordered matches and the number of offset-skipped
// results. Callers hold s.mu.
func (s *Store) runQueryLocked(parent string, sq *query.StructuredQuery) (rows []queryRow, skipped int32, err error) {
	if sq == nil || len(sq.From) == 0 {
		return nil, 0, dwerr.Newf(dwerr.InvalidArgument, nil, "query requires a collection selector")
	}
	if sq.FindNearest != nil {
		return nil, 0, dwerr.Newf(dwerr.Unimplemented, nil, "vector search is not supported by the in-memory store")
	}
	orders := effectiveOrders(sq)
	for name, doc := range s.docs {
		selected := false
		for _, sel := range sq.From {
			if inCollection(name, parent, sel) {
				selected = true
				break
			}
		}
		if !selected {
			continue
		}
		ok, err := evalFilter(doc, sq.Where)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			continue
		}
		// Documents missing an explicit order-by field are not part of
		// the result set.
		if miss, err := missingOrderField(doc, sq.OrderBy); err != nil {
			return nil, 0, err
		} else if miss {
			continue
		}
		vals, err := query.OrderValues(doc, orders)
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, queryRow{doc: doc, vals: vals})
	}
	sort.Slice(rows, func(i, j int) bool {
		return compareRows(rows[i].vals, rows[j].vals, orders) < 0
	})
	if sq.StartAt != nil {
		rows = filterRows(rows, func(r queryRow) bool {
			return sq.StartAt.AdmitsAsStart(r.vals, orders)
		})
	}
	if sq.EndAt != nil {
		rows = filterRows(rows, func(r queryRow) bool {
			return sq.EndAt.AdmitsAsEnd(r.vals, orders)
		})
	}
	if sq.Offset > 0 {
		n := int(sq.Offset)
		if n > len(rows) {
			n = len(rows)
		}
		skipped = int32(n)
		rows = rows[n:]
	}
	if sq.Limit != nil && int(*sq.Limit) < len(rows) {
		rows = rows[:*sq.Limit]
	}
	return rows, skipped, nil
}

func missingOrderField(d *document.Document, orders []query.Order) (bool, error) {
	for _, o := range orders {
		if o.Field.FieldPath == query.NameSentinel {
			continue
		}
		_, ok, err := fieldValue(d, o.Field.FieldPath)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

func compareRows(a, b []document.Value, orders []query.Order) int {
	for i := range orders {
		cmp := document.Compare(a[i], b[i])
		if orders[i].Direction == query.Descending {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

func filterRows(rows []queryRow, keep func(queryRow) bool) []queryRow {
	out := rows[:0:0]
	for _, r := range rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// projectDoc applies the query's projection.
func projectDoc(d *document.Document, sel *query.Projection) *document.Document {
	if sel == nil {
		return d
	}
	paths := make([]string, 0, len(sel.Fields))
	for _, f := range sel.Fields {
		if f.FieldPath == query.NameSentinel {
			continue
		}
		paths = append(paths, f.FieldPath)
	}
	return maskDoc(d, &document.Mask{FieldPaths: paths})
}

// RunQuery implements rpc.Service.
func (s *Store) RunQuery(ctx context.Context, req *rpc.RunQueryRequest) (rpc.RunQueryStream, error) {
	if err := req.Consistency.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var txnToken []byte
	t, err := s.lookupTxn(req.Consistency.Transaction)
	if err != nil {
		return nil, err
	}
	if req.Consistency.NewTransaction != nil {
		res, err := s.beginLocked(req.Consistency.NewTransaction)
		if err != nil {
			return nil, err
		}
		txnToken = res
		t = s.txns[string(res)]
	}

	rows, skipped, err := s.runQueryLocked(req.Parent, req.Query)
	if err != nil {
		return nil, err
	}
	readTime := s.clock()
	var responses []*rpc.RunQueryResponse
	if req.Explain != nil && !req.Explain.Analyze {
		// Plan-only: no documents.
		responses = append(responses, &rpc.RunQueryResponse{
			Done:    true,
			Explain: s.explainMetrics(0),
		})
		return &runQueryStream{res: responses}, nil
	}
	for i, r := range rows {
		if t != nil {
			t.readSet[r.doc.Name] = struct{}{}
		}
		res := &rpc.RunQueryResponse{
			Document: projectDoc(r.doc, req.Query.Select),
			ReadTime: readTime,
		}
		if i == 0 {
			res.Transaction = txnToken
			res.SkippedResults = skipped
		}
		responses = append(responses, res)
	}
	final := &rpc.RunQueryResponse{ReadTime: readTime, Done: true}
	if len(rows) == 0 {
		final.Transaction = txnToken
		final.SkippedResults = skipped
	}
	if req.Explain != nil {
		final.Explain = s.explainMetrics(int64(len(rows)))
	}
	responses = append(responses, final)
	return &runQueryStream{res: responses}, nil
}

func (s *Store) explainMetrics(returned int64) *rpc.ExplainMetrics {
	return &rpc.ExplainMetrics{
		PlanSummary: map[string]document.Value{
			"indexes_used": document.StringValue("(none: full scan)"),
		},
		ResultsReturned: returned,
		ReadOperations:  int64(len(s.docs)),
	}
}

// beginLocked begins a transaction with s.mu held.
func (s *Store) beginLocked(opts *rpc.TransactionOptions) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s.nextTxn++
	t := &txn{
		token:    "txn-" + strconv.FormatInt(s.nextTxn, 10),
		readOnly: opts.ReadOnly != nil,
		beginSeq: s.seq,
		readSet:  map[string]struct{}{},
	}
	s.txns[t.token] = t
	return []byte(t.token), nil
}

// RunAggregationQuery implements rpc.Service.
func (s *Store) RunAggregationQuery(ctx context.Context, req *rpc.RunAggregationQueryRequest) (rpc.RunAggregationQueryStream, error) {
	if err := req.Consistency.Validate(); err != nil {
		return nil, err
	}
	if req.Query == nil || len(req.Query.Aggregations) == 0 {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "aggregation query has no aggregations")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var txnToken []byte
	if req.Consistency.NewTransaction != nil {
		tok, err := s.beginLocked(req.Consistency.NewTransaction)
		if err != nil {
			return nil, err
		}
		txnToken = tok
	} else if _, err := s.lookupTxn(req.Consistency.Transaction); err != nil {
		return nil, err
	}

	rows, _, err := s.runQueryLocked(req.Parent, req.Query.Query)
	if err != nil {
		return nil, err
	}
	fields := map[string]document.Value{}
	for _, agg := range req.Query.Aggregations {
		v, err := aggregate(rows, agg)
		if err != nil {
			return nil, err
		}
		fields[agg.Alias] = v
	}
	res := &rpc.RunAggregationQueryResponse{
		Result:      &rpc.AggregationResult{AggregateFields: fields},
		Transaction: txnToken,
		ReadTime:    s.clock(),
	}
	if req.Explain != nil {
		res.Explain = s.explainMetrics(1)
	}
	return &runAggregationStream{res: []*rpc.RunAggregationQueryResponse{res}}, nil
}

func aggregate(rows []queryRow, agg query.Aggregation) (document.Value, error) {
	switch agg.Kind {
	case query.CountAggregation:
		n := int64(len(rows))
		if agg.UpTo != nil && n > *agg.UpTo {
			n = *agg.UpTo
		}
		return document.IntValue(n), nil

	case query.SumAggregation, query.AvgAggregation:
		var sumF float64
		var sumI int64
		allInts := true
		count := 0
		for _, r := range rows {
			v, ok, err := fieldValue(r.doc, agg.Field.FieldPath)
			if err != nil {
				return document.Value{}, err
			}
			if !ok {
				continue
			}
			if i, isInt := v.Int(); isInt {
				sumI += i
				sumF += float64(i)
				count++
			} else if f, isD := v.Double(); isD {
				allInts = false
				sumF += f
				count++
			}
		}
		if agg.Kind == query.AvgAggregation {
			if count == 0 {
				return document.NullValue(), nil
			}
			return document.DoubleValue(sumF / float64(count)), nil
		}
		if allInts {
			return document.IntValue(sumI), nil
		}
		return document.DoubleValue(sumF), nil
	}
	return document.Value{}, dwerr.Newf(dwerr.InvalidArgument, nil, "unknown aggregation kind %d", agg.Kind)
}

// PartitionQuery implements rpc.Service: matching documents are split
// into roughly equal ranges by name.
func (s *Store) PartitionQuery(ctx context.Context, req *rpc.PartitionQueryRequest) (*rpc.PartitionQueryResponse, error) {
	if req.Query == nil || len(req.Query.From) != 1 || !req.Query.From[0].AllDescendants {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "partition query requires a single collection-group selector")
	}
	if req.Query.Where != nil || req.Query.Limit != nil || req.Query.Offset != 0 {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "partition query must not filter, limit or offset")
	}
	if req.PartitionCount < 1 {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "partition count %d must be positive", req.PartitionCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, _, err := s.runQueryLocked(req.Parent, req.Query)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = r.doc.Name
	}

	// Split points, not ranges: n points produce n+1 ranges.
	var cursors []*query.Cursor
	count := int(req.PartitionCount)
	if count > len(names) {
		count = len(names)
	}
	if count > 0 {
		step := len(names) / (count + 1)
		if step < 1 {
			step = 1
		}
		for i := step; i < len(names) && len(cursors) < count; i += step {
			cursors = append(cursors, &query.Cursor{
				Values: []document.Value{document.RefValue(names[i])},
				Before: true,
			})
		}
	}

	start := 0
	if req.PageToken != "" {
		start, err = strconv.Atoi(req.PageToken)
		if err != nil || start < 0 {
			return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "malformed page token %q", req.PageToken)
		}
	}
	if start > len(cursors) {
		start = len(cursors)
	}
	end := len(cursors)
	if req.PageSize > 0 && start+int(req.PageSize) < end {
		end = start + int(req.PageSize)
	}
	res := &rpc.PartitionQueryResponse{Partitions: cursors[start:end]}
	if end < len(cursors) {
		res.NextPageToken = strconv.Itoa(end)
	}
	return res, nil
}

// ListDocuments implements rpc.Service.
func (s *Store) ListDocuments(ctx context.Context, req *rpc.ListDocumentsRequest) (*rpc.ListDocumentsResponse, error) {
	if err := req.Consistency.Validate(); err != nil {
		return nil, err
	}
	if req.ShowMissing && req.OrderBy != "" {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "showMissing is incompatible with orderBy")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := req.Parent + "/" + req.CollectionID + "/"
	seen := map[string]bool{}
	var names []string
	for name := range s.docs {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			// A descendant only: the direct document may be missing.
			if req.ShowMissing {
				missing := prefix + rest[:i]
				if _, exists := s.docs[missing]; !exists && !seen[missing] {
					seen[missing] = true
					names = append(names, missing)
				}
			}
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	start := 0
	if req.PageToken != "" {
		start = sort.SearchStrings(names, req.PageToken)
		if start < len(names) && names[start] == req.PageToken {
			start++
		}
	}
	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 100
	}
	end := start + pageSize
	if end > len(names) {
		end = len(names)
	}
	res := &rpc.ListDocumentsResponse{}
	for _, name := range names[start:end] {
		if doc, ok := s.docs[name]; ok {
			res.Documents = append(res.Documents, maskDoc(doc, req.Mask))
		} else {
			res.Documents = append(res.Documents, &document.Document{Name: name})
		}
	}
	if end < len(names) {
		res.NextPageToken = names[end-1]
	}
	return res, nil
}

// ListCollectionIDs implements rpc.Service.
func (s *Store) ListCollectionIDs(ctx context.Context, req *rpc.ListCollectionIDsRequest) (*rpc.ListCollectionIDsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[string]bool{}
	for name := range s.docs {
		if !strings.HasPrefix(name, req.Parent+"/") {
			continue
		}
		rest := name[len(req.Parent)+1:]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			set[rest[:i]] = true
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if req.PageToken != "" {
		start = sort.SearchStrings(ids, req.PageToken)
		if start < len(ids) && ids[start] == req.PageToken {
			start++
		}
	}
	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = 100
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	res := &rpc.ListCollectionIDsResponse{CollectionIDs: ids[start:end]}
	if end < len(ids) {
		res.NextPageToken = ids[end-1]
	}
	return res, nil
}
