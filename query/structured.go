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

// Package query builds and compiles structured queries: filter trees,
// ordering, cursors, projections, offset/limit, vector search, and
// aggregations over a base query.
package query

import (
	"docwire.dev/document"
)

// NameSentinel is the pseudo field path that orders and filters on the
// document name.
const NameSentinel = "__name__"

// A StructuredQuery is the compiled, service-ready form of a query.
type StructuredQuery struct {
	Select  *Projection
	From    []*CollectionSelector
	Where   Filter // nil means no filter
	OrderBy []Order
	StartAt *Cursor
	EndAt   *Cursor
	Offset  int32
	Limit   *int32 // nil means no limit

	FindNearest *FindNearest
}

// A CollectionSelector names the collections to query under the query's
// parent. AllDescendants selects the collection and all of its
// descendant collections with the same ID.
type CollectionSelector struct {
	CollectionID   string
	AllDescendants bool
}

// A Projection restricts returned documents to the named fields.
type Projection struct {
	Fields []FieldReference
}

// A FieldReference names a field by its service field path.
type FieldReference struct {
	FieldPath string
}

// A Direction orders results ascending or descending.
type Direction int

const (
	Ascending Direction = iota + 1
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// An Order is one component of a query's ordering.
type Order struct {
	Field     FieldReference
	Direction Direction
}

// A Cursor is a position in the query's result order, given as one value
// per order-by component. Before selects which side of the position the
// bound falls on: a start cursor with Before true includes documents at
// the position; an end cursor with Before true excludes them.
type Cursor struct {
	Values []document.Value
	Before bool
}

// A Filter restricts the documents a query returns. It is one of
// *FieldFilter, *UnaryFilter or *CompositeFilter.
type Filter interface {
	isFilter()
}

// An Operator is a field filter comparison operator.
type Operator int

const (
	LessThan Operator = iota + 1
	LessThanOrEqual
	GreaterThan
	GreaterThanOrEqual
	Equal
	NotEqual
	ArrayContains
	In
	ArrayContainsAny
	NotIn
)

var operatorStrings = map[Operator]string{
	LessThan:           "<",
	LessThanOrEqual:    "<=",
	GreaterThan:        ">",
	GreaterThanOrEqual: ">=",
	Equal:              "==",
	NotEqual:           "!=",
	ArrayContains:      "array-contains",
	In:                 "in",
	ArrayContainsAny:   "array-contains-any",
	NotIn:              "not-in",
}

func (op Operator) String() string { return operatorStrings[op] }

// NeedsArrayOperand reports whether op takes an array-valued operand.
func (op Operator) NeedsArrayOperand() bool {
	return op == In || op == NotIn || op == ArrayContainsAny
}

// A FieldFilter compares a single field against a value.
type FieldFilter struct {
	Field FieldReference
	Op    Operator
	Value document.Value
}

func (*FieldFilter) isFilter() {}

// A UnaryOperator tests a field against null or NaN.
type UnaryOperator int

const (
	IsNull UnaryOperator = iota + 1
	IsNotNull
	IsNaN
	IsNotNaN
)

// A UnaryFilter applies a unary operator to a single field. It takes no
// value operand.
type UnaryFilter struct {
	Field FieldReference
	Op    UnaryOperator
}

func (*UnaryFilter) isFilter() {}

// A CompositeOperator combines the results of child filters.
type CompositeOperator int

const (
	And CompositeOperator = iota + 1
	Or
)

// A CompositeFilter combines child filters with AND or OR.
type CompositeFilter struct {
	Op      CompositeOperator
	Filters []Filter
}

func (*CompositeFilter) isFilter() {}

// A DistanceMeasure selects the metric for vector similarity search.
type DistanceMeasure int

const (
	Euclidean DistanceMeasure = iota + 1
	Cosine
	DotProduct
)

// FindNearest requests vector similarity search against a vector field.
// The compiler only serializes it; vector dimensionality is validated by
// the service.
type FindNearest struct {
	VectorField FieldReference
	QueryVector []float64
	Measure     DistanceMeasure
	Limit       int32

	// DistanceThreshold, if non-nil, excludes results farther (or less
	// similar) than the threshold.
	DistanceThreshold *float64

	// DistanceResultField, if non-empty, names a field in which the
	// computed distance is returned.
	DistanceResultField string
}
