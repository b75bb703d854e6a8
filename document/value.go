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

// Package document defines the document data model for docwire: the Value
// tagged union, the Document type, field paths and masks, and the wire
// codec for both.
package document

import (
	"fmt"
	"time"
)

// A Kind identifies which variant of a Value is populated.
type Kind int

const (
	NullKind Kind = iota
	BooleanKind
	IntegerKind
	DoubleKind
	TimestampKind
	StringKind
	BytesKind
	ReferenceKind
	GeoPointKind
	ArrayKind
	MapKind
)

var kindStrings = []string{
	"null", "boolean", "integer", "double", "timestamp",
	"string", "bytes", "reference", "geoPoint", "array", "map",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindStrings) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindStrings[k]
}

// A LatLng is a pair of latitude/longitude degrees.
type LatLng struct {
	Latitude  float64
	Longitude float64
}

// A Value is one field value of a document. It is a tagged union: exactly
// one variant is populated, enforced by construction. The zero Value is
// the null value.
//
// Values are comparable with Equal, which ignores map ordering but
// respects array ordering. Arrays and maps hold Values recursively;
// document trees are acyclic by construction.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string // string and reference variants
	bs   []byte
	t    time.Time
	geo  LatLng
	arr  []Value
	m    map[string]Value
}

// Kind reports which variant of v is populated.
func (v Value) Kind() Kind { return v.kind }

// NullValue returns the null Value.
func NullValue() Value { return Value{kind: NullKind} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{kind: BooleanKind, b: b} }

// IntValue returns a 64-bit integer Value.
func IntValue(i int64) Value { return Value{kind: IntegerKind, i: i} }

// DoubleValue returns a double Value.
func DoubleValue(f float64) Value { return Value{kind: DoubleKind, f: f} }

// TimeValue returns a timestamp Value.
func TimeValue(t time.Time) Value { return Value{kind: TimestampKind, t: t} }

// StringValue returns a string Value. The string must be valid UTF-8; it
// round-trips through the codec exactly, with no normalization.
func StringValue(s string) Value { return Value{kind: StringKind, s: s} }

// BytesValue returns a bytes Value. The bytes are opaque.
func BytesValue(b []byte) Value { return Value{kind: BytesKind, bs: b} }

// RefValue returns a reference Value holding a fully-qualified document
// path, e.g. "projects/P/databases/D/documents/C/d1".
func RefValue(path string) Value { return Value{kind: ReferenceKind, s: path} }

// GeoPointValue returns a geo point Value.
func GeoPointValue(lat, lng float64) Value {
	return Value{kind: GeoPointKind, geo: LatLng{Latitude: lat, Longitude: lng}}
}

// ArrayValue returns an array Value. Element order is significant.
func ArrayValue(vs ...Value) Value { return Value{kind: ArrayKind, arr: vs} }

// MapValue returns a map Value. Key order is not significant.
func MapValue(m map[string]Value) Value { return Value{kind: MapKind, m: m} }

// Bool reports the boolean variant. The second result is false if v is
// not a boolean.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == BooleanKind }

// Int reports the integer variant.
func (v Value) Int() (int64, bool) { return v.i, v.kind == IntegerKind }

// Double reports the double variant.
func (v Value) Double() (float64, bool) { return v.f, v.kind == DoubleKind }

// Time reports the timestamp variant.
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == TimestampKind }

// String reports the string variant. Use Kind to distinguish an absent
// string from an empty one.
func (v Value) String() (string, bool) { return v.s, v.kind == StringKind }

// Bytes reports the bytes variant.
func (v Value) Bytes() ([]byte, bool) { return v.bs, v.kind == BytesKind }

// Ref reports the reference variant.
func (v Value) Ref() (string, bool) { return v.s, v.kind == ReferenceKind }

// GeoPoint reports the geo point variant.
func (v Value) GeoPoint() (LatLng, bool) { return v.geo, v.kind == GeoPointKind }

// Array reports the array variant. The returned slice is shared with v.
func (v Value) Array() ([]Value, bool) { return v.arr, v.kind == ArrayKind }

// Map reports the map variant. The returned map is shared with v.
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == MapKind }

// Equal reports whether v and w hold the same variant with equal
// contents. Array element order is significant; map key order is not.
// Integer and double values are never equal to each other, even when
// they represent the same mathematical value; use Compare for ordering.
func (v Value) Equal(w Value) bool {
	if v.kind != w.kind {
		return false
	}
	switch v.kind {
	case NullKind:
		return true
	case BooleanKind:
		return v.b == w.b
	case IntegerKind:
		return v.i == w.i
	case DoubleKind:
		return v.f == w.f // NaN != NaN, as in Go
	case TimestampKind:
		return v.t.Equal(w.t)
	case StringKind, ReferenceKind:
		return v.s == w.s
	case BytesKind:
		return string(v.bs) == string(w.bs)
	case GeoPointKind:
		return v.geo == w.geo
	case ArrayKind:
		if len(v.arr) != len(w.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(w.arr[i]) {
				return false
			}
		}
		return true
	case MapKind:
		if len(v.m) != len(w.m) {
			return false
		}
		for k, vv := range v.m {
			wv, ok := w.m[k]
			if !ok || !vv.Equal(wv) {
				return false
			}
		}
		return true
	}
	return false
}

// A Document is a set of named field values with an identity and
// server-assigned create/update times. The times are absent (zero) on
// documents that have not yet been written.
type Document struct {
	// Name is the full resource path of the document, e.g.
	// "projects/P/databases/D/documents/C/d1". It is the document's
	// immutable identity.
	Name string

	// Fields maps field names to values.
	Fields map[string]Value

	// CreateTime and UpdateTime are server-assigned and monotonically
	// non-decreasing across writes of the same document.
	CreateTime time.Time
	UpdateTime time.Time
}

// Equal reports whether d and e have the same name, times and fields.
func (d *Document) Equal(e *Document) bool {
	if d == nil || e == nil {
		return d == e
	}
	if d.Name != e.Name || !d.CreateTime.Equal(e.CreateTime) || !d.UpdateTime.Equal(e.UpdateTime) {
		return false
	}
	return MapValue(d.Fields).Equal(MapValue(e.Fields))
}
