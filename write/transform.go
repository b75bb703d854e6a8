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

package write

import (
	"time"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
)

// A TransformKind identifies a field transform.
type TransformKind int

const (
	// ServerTimestampTransform sets the field to the commit time.
	ServerTimestampTransform TransformKind = iota + 1

	// IncrementTransform adds a numeric operand to the field. A missing
	// or non-numeric field is treated as zero.
	IncrementTransform

	// MaximumTransform stores the larger of the field and the operand.
	MaximumTransform

	// MinimumTransform stores the smaller of the field and the operand.
	MinimumTransform

	// AppendMissingTransform appends operand elements not already in
	// the array field (array-as-set union).
	AppendMissingTransform

	// RemoveAllTransform removes every occurrence of each operand
	// element from the array field (array-as-set difference).
	RemoveAllTransform
)

// A FieldTransform is a server-applied atomic mutation of a single
// field, distinct from a plain overwrite. Use the constructors.
type FieldTransform struct {
	// FieldPath is the service field path of the transformed field.
	FieldPath string

	Kind TransformKind

	// Operand is the numeric operand for increment/maximum/minimum.
	Operand document.Value

	// Elements are the operand elements for the array transforms.
	Elements []document.Value
}

// ServerTimestamp returns a transform setting the field to the commit time.
func ServerTimestamp(fieldPath string) *FieldTransform {
	return &FieldTransform{FieldPath: fieldPath, Kind: ServerTimestampTransform}
}

// Increment returns a transform adding operand to the field.
func Increment(fieldPath string, operand document.Value) *FieldTransform {
	return &FieldTransform{FieldPath: fieldPath, Kind: IncrementTransform, Operand: operand}
}

// Maximum returns a transform storing the larger of field and operand.
func Maximum(fieldPath string, operand document.Value) *FieldTransform {
	return &FieldTransform{FieldPath: fieldPath, Kind: MaximumTransform, Operand: operand}
}

// Minimum returns a transform storing the smaller of field and operand.
func Minimum(fieldPath string, operand document.Value) *FieldTransform {
	return &FieldTransform{FieldPath: fieldPath, Kind: MinimumTransform, Operand: operand}
}

// AppendMissingElements returns a transform unioning elements into the
// array field.
func AppendMissingElements(fieldPath string, elements ...document.Value) *FieldTransform {
	return &FieldTransform{FieldPath: fieldPath, Kind: AppendMissingTransform, Elements: elements}
}

// RemoveAllFromArray returns a transform removing elements from the
// array field.
func RemoveAllFromArray(fieldPath string, elements ...document.Value) *FieldTransform {
	return &FieldTransform{FieldPath: fieldPath, Kind: RemoveAllTransform, Elements: elements}
}

func isNumeric(v document.Value) bool {
	k := v.Kind()
	return k == document.IntegerKind || k == document.DoubleKind
}

// Validate checks the transform's operand against its kind.
func (t *FieldTransform) Validate() error {
	if t.FieldPath == "" {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "field transform requires a field path")
	}
	switch t.Kind {
	case ServerTimestampTransform:
		return nil
	case IncrementTransform, MaximumTransform, MinimumTransform:
		if !isNumeric(t.Operand) {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "%q transform on %q requires a numeric operand", t.Kind, t.FieldPath)
		}
		return nil
	case AppendMissingTransform, RemoveAllTransform:
		if len(t.Elements) == 0 {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "array transform on %q requires at least one element", t.FieldPath)
		}
		return nil
	default:
		return dwerr.Newf(dwerr.InvalidArgument, nil, "unknown transform kind %d", t.Kind)
	}
}

var transformKindStrings = map[TransformKind]string{
	ServerTimestampTransform: "setToServerValue",
	IncrementTransform:       "increment",
	MaximumTransform:         "maximum",
	MinimumTransform:         "minimum",
	AppendMissingTransform:   "appendMissingElements",
	RemoveAllTransform:       "removeAllFromArray",
}

func (k TransformKind) String() string { return transformKindStrings[k] }

// Apply computes the transform against the field's existing value.
// exists reports whether the field is present; existing is ignored when
// it is false. Apply returns the value to store and the value to report
// in the WriteResult's TransformResults slot.
//
// now is the commit time, used by the server-timestamp transform.
func (t *FieldTransform) Apply(existing document.Value, exists bool, now time.Time) (stored, result document.Value, err error) {
	switch t.Kind {
	case ServerTimestampTransform:
		v := document.TimeValue(now)
		return v, v, nil

	case IncrementTransform:
		if !exists || !isNumeric(existing) {
			// A missing or non-numeric field is replaced by the operand.
			return t.Operand, t.Operand, nil
		}
		sum := addNumbers(existing, t.Operand)
		return sum, sum, nil

	case MaximumTransform, MinimumTransform:
		if !exists || !isNumeric(existing) {
			return t.Operand, t.Operand, nil
		}
		cmp := document.Compare(existing, t.Operand)
		keepExisting := cmp >= 0
		if t.Kind == MinimumTransform {
			keepExisting = cmp <= 0
		}
		if keepExisting {
			return existing, existing, nil
		}
		return t.Operand, t.Operand, nil

	case AppendMissingTransform:
		arr, _ := existing.Array()
		if !exists {
			arr = nil
		}
		out := append([]document.Value(nil), arr...)
		for _, e := range t.Elements {
			if !containsValue(out, e) {
				out = append(out, e)
			}
		}
		// Array transforms report a null result.
		return document.ArrayValue(out...), document.NullValue(), nil

	case RemoveAllTransform:
		arr, _ := existing.Array()
		if !exists {
			arr = nil
		}
		var out []document.Value
		for _, v := range arr {
			if !containsValue(t.Elements, v) {
				out = append(out, v)
			}
		}
		return document.ArrayValue(out...), document.NullValue(), nil
	}
	return document.Value{}, document.Value{}, dwerr.Newf(dwerr.InvalidArgument, nil, "unknown transform kind %d", t.Kind)
}

func containsValue(vs []document.Value, v document.Value) bool {
	for _, e := range vs {
		if e.Equal(v) {
			return true
		}
	}
	return false
}

// addNumbers adds two numeric values. The sum is an integer only when
// both operands are integers; int64 overflow saturates.
func addNumbers(a, b document.Value) document.Value {
	ai, aInt := a.Int()
	bi, bInt := b.Int()
	if aInt && bInt {
		sum := ai + bi
		switch {
		case ai > 0 && bi > 0 && sum < 0:
			return document.IntValue(int64(^uint64(0) >> 1)) // max int64
		case ai < 0 && bi < 0 && sum >= 0:
			return document.IntValue(-int64(^uint64(0)>>1) - 1) // min int64
		default:
			return document.IntValue(sum)
		}
	}
	return document.DoubleValue(asFloat(a) + asFloat(b))
}

func asFloat(v document.Value) float64 {
	if i, ok := v.Int(); ok {
		return float64(i)
	}
	f, _ := v.Double()
	return f
}
