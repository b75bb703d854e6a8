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

package query

import (
	"math"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
)

// A Query accumulates query clauses and compiles them into a
// StructuredQuery. Methods record the first error encountered; Compile
// reports it.
type Query struct {
	sq      StructuredQuery
	filters []Filter // combined with AND at compile time
	err     error
}

// Collection returns a query over the collection with the given ID
// directly under the query's parent.
func Collection(collectionID string) *Query {
	q := &Query{}
	if collectionID == "" {
		return q.invalidf("empty collection ID")
	}
	q.sq.From = []*CollectionSelector{{CollectionID: collectionID}}
	return q
}

// CollectionGroup returns a query over every collection with the given
// ID that descends from the query's parent.
func CollectionGroup(collectionID string) *Query {
	q := Collection(collectionID)
	if q.err == nil {
		q.sq.From[0].AllDescendants = true
	}
	return q
}

// Select restricts returned documents to the given service field paths.
// Calling Select with no arguments selects only the document name.
func (q *Query) Select(fieldPaths ...string) *Query {
	if q.err != nil {
		return q
	}
	p := &Projection{}
	if len(fieldPaths) == 0 {
		p.Fields = []FieldReference{{FieldPath: NameSentinel}}
	}
	for _, fp := range fieldPaths {
		if fp == "" {
			return q.invalidf("Select: empty field path")
		}
		p.Fields = append(p.Fields, FieldReference{FieldPath: fp})
	}
	q.sq.Select = p
	return q
}

var opsByName = map[string]Operator{
	"<":                  LessThan,
	"<=":                 LessThanOrEqual,
	">":                  GreaterThan,
	">=":                 GreaterThanOrEqual,
	"==":                 Equal,
	"!=":                 NotEqual,
	"array-contains":     ArrayContains,
	"in":                 In,
	"array-contains-any": ArrayContainsAny,
	"not-in":             NotIn,
}

// Where adds a filter clause comparing the field at fieldPath against
// value. Valid ops are "<", "<=", ">", ">=", "==", "!=",
// "array-contains", "in", "array-contains-any" and "not-in".
// Multiple Where clauses are combined with AND.
//
// Comparing with "==" or "!=" against a null or NaN value compiles to
// the corresponding unary filter.
func (q *Query) Where(fieldPath, op string, value document.Value) *Query {
	if q.err != nil {
		return q
	}
	if fieldPath == "" {
		return q.invalidf("Where: empty field path")
	}
	o, ok := opsByName[op]
	if !ok {
		return q.invalidf("invalid filter operator %q", op)
	}
	f, err := newFieldFilter(FieldReference{FieldPath: fieldPath}, o, value)
	if err != nil {
		q.err = err
		return q
	}
	q.filters = append(q.filters, f)
	return q
}

// WhereFilter adds an explicit filter tree, for queries that need OR
// composition or hand-built composites. It is combined with any other
// Where clauses by AND.
func (q *Query) WhereFilter(f Filter) *Query {
	if q.err != nil {
		return q
	}
	if err := validateFilter(f); err != nil {
		q.err = err
		return q
	}
	q.filters = append(q.filters, f)
	return q
}

// OrderBy appends an ordering clause on the given service field path.
func (q *Query) OrderBy(fieldPath string, dir Direction) *Query {
	if q.err != nil {
		return q
	}
	if fieldPath == "" {
		return q.invalidf("OrderBy: empty field path")
	}
	if dir != Ascending && dir != Descending {
		return q.invalidf("OrderBy: invalid direction")
	}
	q.sq.OrderBy = append(q.sq.OrderBy, Order{Field: FieldReference{FieldPath: fieldPath}, Direction: dir})
	return q
}

// StartAt sets the start cursor. With before true the bound is
// inclusive: documents whose order-by values equal the cursor values are
// returned.
func (q *Query) StartAt(before bool, values ...document.Value) *Query {
	if q.err != nil {
		return q
	}
	if len(values) == 0 {
		return q.invalidf("StartAt: no cursor values")
	}
	q.sq.StartAt = &Cursor{Values: values, Before: before}
	return q
}

// EndAt sets the end cursor. With before true the bound is exclusive:
// documents whose order-by values equal the cursor values are not
// returned.
func (q *Query) EndAt(before bool, values ...document.Value) *Query {
	if q.err != nil {
		return q
	}
	if len(values) == 0 {
		return q.invalidf("EndAt: no cursor values")
	}
	q.sq.EndAt = &Cursor{Values: values, Before: before}
	return q
}

// Offset skips the first n results.
func (q *Query) Offset(n int) *Query {
	if q.err != nil {
		return q
	}
	if n < 0 {
		return q.invalidf("offset %d is negative", n)
	}
	q.sq.Offset = int32(n)
	return q
}

// Limit returns at most n results. n must be positive.
func (q *Query) Limit(n int) *Query {
	if q.err != nil {
		return q
	}
	if n <= 0 {
		return q.invalidf("limit %d must be positive", n)
	}
	lim := int32(n)
	q.sq.Limit = &lim
	return q
}

// FindNearest adds a vector similarity search stage. limit must be
// positive and queryVector non-empty.
func (q *Query) FindNearest(vectorField string, queryVector []float64, measure DistanceMeasure, limit int) *Query {
	if q.err != nil {
		return q
	}
	if vectorField == "" {
		return q.invalidf("FindNearest: empty vector field")
	}
	if len(queryVector) == 0 {
		return q.invalidf("FindNearest: empty query vector")
	}
	if measure != Euclidean && measure != Cosine && measure != DotProduct {
		return q.invalidf("FindNearest: invalid distance measure")
	}
	if limit <= 0 {
		return q.invalidf("FindNearest: limit %d must be positive", limit)
	}
	q.sq.FindNearest = &FindNearest{
		VectorField: FieldReference{FieldPath: vectorField},
		QueryVector: queryVector,
		Measure:     measure,
		Limit:       int32(limit),
	}
	return q
}

// WithDistanceThreshold bounds FindNearest results by distance. It must
// follow FindNearest.
func (q *Query) WithDistanceThreshold(t float64) *Query {
	if q.err != nil {
		return q
	}
	if q.sq.FindNearest == nil {
		return q.invalidf("WithDistanceThreshold without FindNearest")
	}
	q.sq.FindNearest.DistanceThreshold = &t
	return q
}

// WithDistanceResultField names a document field to receive the computed
// distance. It must follow FindNearest.
func (q *Query) WithDistanceResultField(fieldPath string) *Query {
	if q.err != nil {
		return q
	}
	if q.sq.FindNearest == nil {
		return q.invalidf("WithDistanceResultField without FindNearest")
	}
	q.sq.FindNearest.DistanceResultField = fieldPath
	return q
}

func (q *Query) invalidf(format string, args ...interface{}) *Query {
	q.err = dwerr.Newf(dwerr.InvalidArgument, nil, format, args...)
	return q
}

// Compile validates the accumulated clauses and produces the
// StructuredQuery. If a cursor is present, an order on the document name
// is appended when not already last, matching the direction of the last
// explicit ordering, so pagination is deterministic.
func (q *Query) Compile() (*StructuredQuery, error) {
	if q.err != nil {
		return nil, q.err
	}
	sq := q.sq // shallow copy; slices are owned by the builder
	switch len(q.filters) {
	case 0:
	case 1:
		sq.Where = flatten(q.filters[0])
	default:
		sq.Where = flatten(&CompositeFilter{Op: And, Filters: q.filters})
	}
	if sq.StartAt != nil || sq.EndAt != nil {
		sq.OrderBy = withNameOrder(sq.OrderBy)
		for _, c := range []*Cursor{sq.StartAt, sq.EndAt} {
			if c != nil && len(c.Values) > len(sq.OrderBy) {
				return nil, dwerr.Newf(dwerr.InvalidArgument, nil,
					"cursor has %d values but query has %d order-by clauses", len(c.Values), len(sq.OrderBy))
			}
		}
	}
	return &sq, nil
}

// withNameOrder appends an order on __name__ unless one is already
// present. The appended direction matches the last explicit direction so
// the name acts as a tie-breaker, not a reordering.
func withNameOrder(orders []Order) []Order {
	for _, o := range orders {
		if o.Field.FieldPath == NameSentinel {
			return orders
		}
	}
	dir := Ascending
	if len(orders) > 0 {
		dir = orders[len(orders)-1].Direction
	}
	return append(orders, Order{Field: FieldReference{FieldPath: NameSentinel}, Direction: dir})
}

// newFieldFilter builds a field or unary filter, rewriting null/NaN
// equality comparisons into unary filters and validating array operands.
func newFieldFilter(field FieldReference, op Operator, value document.Value) (Filter, error) {
	if op == Equal || op == NotEqual {
		if uop, ok := unaryOpFor(op, value); ok {
			return &UnaryFilter{Field: field, Op: uop}, nil
		}
	}
	if op.NeedsArrayOperand() {
		arr, ok := value.Array()
		if !ok {
			return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "%q requires an array operand, got %v", op, value.Kind())
		}
		if len(arr) == 0 {
			return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "%q requires a non-empty array operand", op)
		}
	}
	return &FieldFilter{Field: field, Op: op, Value: value}, nil
}

func unaryOpFor(op Operator, value document.Value) (UnaryOperator, bool) {
	isNull := value.Kind() == document.NullKind
	f, isDouble := value.Double()
	isNaN := isDouble && math.IsNaN(f)
	switch {
	case op == Equal && isNull:
		return IsNull, true
	case op == NotEqual && isNull:
		return IsNotNull, true
	case op == Equal && isNaN:
		return IsNaN, true
	case op == NotEqual && isNaN:
		return IsNotNaN, true
	}
	return 0, false
}

func validateFilter(f Filter) error {
	switch f := f.(type) {
	case *FieldFilter:
		ff, err := newFieldFilter(f.Field, f.Op, f.Value)
		if err != nil {
			return err
		}
		if _, ok := ff.(*UnaryFilter); ok {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "use a unary filter to compare %q against null or NaN", f.Field.FieldPath)
		}
		return nil
	case *UnaryFilter:
		if f.Op < IsNull || f.Op > IsNotNaN {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "invalid unary operator")
		}
		return nil
	case *CompositeFilter:
		if f.Op != And && f.Op != Or {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "invalid composite operator")
		}
		if len(f.Filters) == 0 {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "composite filter has no children")
		}
		for _, c := range f.Filters {
			if err := validateFilter(c); err != nil {
				return err
			}
		}
		return nil
	default:
		return dwerr.Newf(dwerr.InvalidArgument, nil, "unknown filter type %T", f)
	}
}

// flatten splices composite children into a same-operator parent. It
// never re-associates across different operators: And(a, Or(b, c))
// compiles exactly as written.
func flatten(f Filter) Filter {
	cf, ok := f.(*CompositeFilter)
	if !ok {
		return f
	}
	var out []Filter
	for _, c := range cf.Filters {
		c = flatten(c)
		if sub, ok := c.(*CompositeFilter); ok && sub.Op == cf.Op {
			out = append(out, sub.Filters...)
		} else {
			out = append(out, c)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return &CompositeFilter{Op: cf.Op, Filters: out}
}
