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
	"testing"

	"docwire.dev/document"
	"github.com/google/go-cmp/cmp"
)

func TestCompileAppendsNameOrderForCursors(t *testing.T) {
	sq, err := Collection("Scores").
		OrderBy("score", Descending).
		StartAt(true, document.IntValue(10)).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	want := []Order{
		{Field: FieldReference{FieldPath: "score"}, Direction: Descending},
		{Field: FieldReference{FieldPath: NameSentinel}, Direction: Descending},
	}
	if diff := cmp.Diff(want, sq.OrderBy); diff != "" {
		t.Errorf("order by mismatch (-want +got):\n%s", diff)
	}

	// Without a cursor no implicit ordering is added.
	sq, err = Collection("Scores").OrderBy("score", Descending).Compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(sq.OrderBy) != 1 {
		t.Errorf("got %d order-by clauses, want 1", len(sq.OrderBy))
	}
}

func TestCompileNameOrderNotDuplicated(t *testing.T) {
	sq, err := Collection("C").
		OrderBy("a", Ascending).
		OrderBy(NameSentinel, Descending).
		EndAt(false, document.IntValue(1), document.RefValue("projects/P/databases/D/documents/C/d9")).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(sq.OrderBy) != 2 {
		t.Errorf("got %d order-by clauses, want 2", len(sq.OrderBy))
	}
}

func TestCompileCursorValueCount(t *testing.T) {
	_, err := Collection("C").
		OrderBy("a", Ascending).
		StartAt(true, document.IntValue(1), document.IntValue(2), document.IntValue(3)).
		Compile()
	if err == nil {
		t.Error("cursor with more values than orderings: got nil error")
	}
}

func TestWhereRewritesNullAndNaN(t *testing.T) {
	for _, test := range []struct {
		op    string
		value document.Value
		want  UnaryOperator
	}{
		{"==", document.NullValue(), IsNull},
		{"!=", document.NullValue(), IsNotNull},
		{"==", document.DoubleValue(math.NaN()), IsNaN},
		{"!=", document.DoubleValue(math.NaN()), IsNotNaN},
	} {
		sq, err := Collection("C").Where("f", test.op, test.value).Compile()
		if err != nil {
			t.Fatal(err)
		}
		uf, ok := sq.Where.(*UnaryFilter)
		if !ok {
			t.Fatalf("%s %v: filter is %T, want *UnaryFilter", test.op, test.value.Kind(), sq.Where)
		}
		if uf.Op != test.want {
			t.Errorf("%s %v: got op %d, want %d", test.op, test.value.Kind(), uf.Op, test.want)
		}
	}
}

func TestWhereRejectsEmptyArrayOperand(t *testing.T) {
	for _, op := range []string{"in", "not-in", "array-contains-any"} {
		if _, err := Collection("C").Where("f", op, document.ArrayValue()).Compile(); err == nil {
			t.Errorf("%s with empty array: got nil error", op)
		}
		if _, err := Collection("C").Where("f", op, document.IntValue(1)).Compile(); err == nil {
			t.Errorf("%s with non-array: got nil error", op)
		}
	}
}

func TestCompileFlattensSameOperatorOnly(t *testing.T) {
	ff := func(p string) Filter {
		return &FieldFilter{Field: FieldReference{FieldPath: p}, Op: Equal, Value: document.IntValue(1)}
	}
	sq, err := Collection("C").
		WhereFilter(&CompositeFilter{Op: And, Filters: []Filter{
			ff("a"),
			&CompositeFilter{Op: And, Filters: []Filter{ff("b"), ff("c")}},
			&CompositeFilter{Op: Or, Filters: []Filter{ff("d"), ff("e")}},
		}}).
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	cf, ok := sq.Where.(*CompositeFilter)
	if !ok || cf.Op != And {
		t.Fatalf("top filter: got %+v", sq.Where)
	}
	// a, b, c spliced in; the Or subtree intact.
	if len(cf.Filters) != 4 {
		t.Fatalf("got %d children, want 4", len(cf.Filters))
	}
	or, ok := cf.Filters[3].(*CompositeFilter)
	if !ok || or.Op != Or || len(or.Filters) != 2 {
		t.Errorf("OR subtree not preserved: %+v", cf.Filters[3])
	}
}

func TestCompileSingleFilterIsNotWrapped(t *testing.T) {
	sq, err := Collection("C").Where("a", "==", document.IntValue(1)).Compile()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sq.Where.(*FieldFilter); !ok {
		t.Errorf("single filter compiled to %T, want *FieldFilter", sq.Where)
	}
}

func TestBuilderErrorsStick(t *testing.T) {
	q := Collection("C").Where("f", "~~", document.IntValue(1)).OrderBy("f", Ascending).Limit(5)
	if _, err := q.Compile(); err == nil {
		t.Error("invalid operator: got nil error from Compile")
	}
	if _, err := Collection("").Compile(); err == nil {
		t.Error("empty collection ID: got nil error")
	}
	if _, err := Collection("C").Limit(0).Compile(); err == nil {
		t.Error("zero limit: got nil error")
	}
	if _, err := Collection("C").Offset(-1).Compile(); err == nil {
		t.Error("negative offset: got nil error")
	}
}

func TestFindNearestCompile(t *testing.T) {
	sq, err := Collection("C").
		FindNearest("embedding", []float64{0.1, 0.2}, Cosine, 5).
		WithDistanceThreshold(0.5).
		WithDistanceResultField("distance").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	fn := sq.FindNearest
	if fn == nil || fn.Limit != 5 || fn.Measure != Cosine || *fn.DistanceThreshold != 0.5 || fn.DistanceResultField != "distance" {
		t.Errorf("got %+v", fn)
	}
	if _, err := Collection("C").WithDistanceThreshold(1).Compile(); err == nil {
		t.Error("threshold without FindNearest: got nil error")
	}
}

func TestAggregationCompile(t *testing.T) {
	aq, err := Collection("Sales").
		Where("region", "==", document.StringValue("EU")).
		Aggregate().
		WithCount("n").
		WithSum("total", "amount").
		WithAvg("mean", "amount").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	if len(aq.Aggregations) != 3 {
		t.Fatalf("got %d aggregations, want 3", len(aq.Aggregations))
	}
	if aq.Query.Where == nil {
		t.Error("base query filter lost")
	}
}

func TestAggregationDuplicateAlias(t *testing.T) {
	_, err := Collection("C").Aggregate().WithCount("x").WithSum("x", "f").Compile()
	if err == nil {
		t.Error("duplicate alias: got nil error")
	}
	_, err = Collection("C").Aggregate().Compile()
	if err == nil {
		t.Error("no aggregations: got nil error")
	}
	_, err = Collection("C").Aggregate().WithCountUpTo("n", 0).Compile()
	if err == nil {
		t.Error("non-positive count cap: got nil error")
	}
}
