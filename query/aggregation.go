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
	"docwire.dev/internal/dwerr"
)

// A StructuredAggregationQuery computes aggregations over the results of
// a base structured query.
type StructuredAggregationQuery struct {
	Query        *StructuredQuery
	Aggregations []Aggregation
}

// An AggregationKind identifies the aggregation function.
type AggregationKind int

const (
	CountAggregation AggregationKind = iota + 1
	SumAggregation
	AvgAggregation
)

// An Aggregation is a single aggregation over the base query's results,
// returned under Alias.
type Aggregation struct {
	Alias string
	Kind  AggregationKind

	// Field is the aggregated field for sum and avg; unused for count.
	Field FieldReference

	// UpTo, if non-nil, caps a count aggregation: the service may stop
	// scanning once the cap is reached.
	UpTo *int64
}

// An AggregationQuery accumulates aggregations over a base query.
type AggregationQuery struct {
	base *Query
	aggs []Aggregation
	err  error
}

// Aggregate starts an aggregation query over q's results.
func (q *Query) Aggregate() *AggregationQuery {
	return &AggregationQuery{base: q}
}

// WithCount adds a count of the base query's results under alias.
func (a *AggregationQuery) WithCount(alias string) *AggregationQuery {
	return a.add(Aggregation{Alias: alias, Kind: CountAggregation})
}

// WithCountUpTo adds a count capped at upTo.
func (a *AggregationQuery) WithCountUpTo(alias string, upTo int64) *AggregationQuery {
	if a.err == nil && upTo <= 0 {
		a.err = dwerr.Newf(dwerr.InvalidArgument, nil, "count cap %d must be positive", upTo)
		return a
	}
	return a.add(Aggregation{Alias: alias, Kind: CountAggregation, UpTo: &upTo})
}

// WithSum adds a sum of the field at fieldPath under alias.
func (a *AggregationQuery) WithSum(alias, fieldPath string) *AggregationQuery {
	return a.addField(Aggregation{Alias: alias, Kind: SumAggregation}, fieldPath)
}

// WithAvg adds an average of the field at fieldPath under alias.
func (a *AggregationQuery) WithAvg(alias, fieldPath string) *AggregationQuery {
	return a.addField(Aggregation{Alias: alias, Kind: AvgAggregation}, fieldPath)
}

func (a *AggregationQuery) add(agg Aggregation) *AggregationQuery {
	if a.err != nil {
		return a
	}
	if agg.Alias == "" {
		a.err = dwerr.Newf(dwerr.InvalidArgument, nil, "aggregation alias is empty")
		return a
	}
	for _, existing := range a.aggs {
		if existing.Alias == agg.Alias {
			a.err = dwerr.Newf(dwerr.InvalidArgument, nil, "duplicate aggregation alias %q", agg.Alias)
			return a
		}
	}
	a.aggs = append(a.aggs, agg)
	return a
}

func (a *AggregationQuery) addField(agg Aggregation, fieldPath string) *AggregationQuery {
	if a.err != nil {
		return a
	}
	if fieldPath == "" {
		a.err = dwerr.Newf(dwerr.InvalidArgument, nil, "aggregation field path is empty")
		return a
	}
	agg.Field = FieldReference{FieldPath: fieldPath}
	return a.add(agg)
}

// Compile validates the aggregations and the base query and produces the
// StructuredAggregationQuery.
func (a *AggregationQuery) Compile() (*StructuredAggregationQuery, error) {
	if a.err != nil {
		return nil, a.err
	}
	if len(a.aggs) == 0 {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "aggregation query has no aggregations")
	}
	sq, err := a.base.Compile()
	if err != nil {
		return nil, err
	}
	return &StructuredAggregationQuery{Query: sq, Aggregations: a.aggs}, nil
}
