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

package document

// The total order over Values used for ordering query results and
// evaluating cursor bounds. Values of different kinds sort by a fixed
// kind order; integers and doubles sort together by mathematical value.

import (
	"bytes"
	"math"
	"math/big"
	"sort"
	"strings"
)

// typeOrder returns the cross-kind sort position of v. Integers and
// doubles share a position so they can be compared numerically.
func typeOrder(v Value) int {
	switch v.kind {
	case NullKind:
		return 0
	case BooleanKind:
		return 1
	case IntegerKind, DoubleKind:
		return 2
	case TimestampKind:
		return 3
	case StringKind:
		return 4
	case BytesKind:
		return 5
	case ReferenceKind:
		return 6
	case GeoPointKind:
		return 7
	case ArrayKind:
		return 8
	case MapKind:
		return 9
	}
	panic("document: invalid value kind")
}

// Compare returns -1, 0 or 1 depending on whether v sorts before, equal
// to, or after w. The order is total: values of different kinds sort
// null < boolean < number < timestamp < string < bytes < reference <
// geoPoint < array < map. NaN sorts before all other numbers. Arrays
// compare elementwise and then by length; maps compare by sorted key,
// then value, then length.
func Compare(v, w Value) int {
	if to1, to2 := typeOrder(v), typeOrder(w); to1 != to2 {
		return sign(to1 - to2)
	}
	switch v.kind {
	case NullKind:
		return 0
	case BooleanKind:
		return compareBools(v.b, w.b)
	case IntegerKind, DoubleKind:
		return compareNumbers(v, w)
	case TimestampKind:
		switch {
		case v.t.Before(w.t):
			return -1
		case v.t.After(w.t):
			return 1
		default:
			return 0
		}
	case StringKind, ReferenceKind:
		if v.kind == ReferenceKind {
			return compareReferences(v.s, w.s)
		}
		return strings.Compare(v.s, w.s)
	case BytesKind:
		return bytes.Compare(v.bs, w.bs)
	case GeoPointKind:
		if c := compareFloats(v.geo.Latitude, w.geo.Latitude); c != 0 {
			return c
		}
		return compareFloats(v.geo.Longitude, w.geo.Longitude)
	case ArrayKind:
		for i := 0; i < len(v.arr) && i < len(w.arr); i++ {
			if c := Compare(v.arr[i], w.arr[i]); c != 0 {
				return c
			}
		}
		return sign(len(v.arr) - len(w.arr))
	case MapKind:
		ks1 := sortedKeys(v.m)
		ks2 := sortedKeys(w.m)
		for i := 0; i < len(ks1) && i < len(ks2); i++ {
			if c := strings.Compare(ks1[i], ks2[i]); c != 0 {
				return c
			}
			if c := Compare(v.m[ks1[i]], w.m[ks2[i]]); c != 0 {
				return c
			}
		}
		return sign(len(ks1) - len(ks2))
	}
	panic("document: invalid value kind")
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func compareBools(b1, b2 bool) int {
	switch {
	case b1 == b2:
		return 0
	case b2: // b1 is false
		return -1
	default:
		return 1
	}
}

// compareNumbers compares integer and double values by mathematical
// value, without loss of precision for large int64s.
func compareNumbers(v, w Value) int {
	n1, nan1 := numAsBig(v)
	n2, nan2 := numAsBig(w)
	// NaN sorts before everything, including itself equal.
	if nan1 || nan2 {
		switch {
		case nan1 && nan2:
			return 0
		case nan1:
			return -1
		default:
			return 1
		}
	}
	return n1.Cmp(n2)
}

func numAsBig(v Value) (*big.Float, bool) {
	var f big.Float
	if v.kind == IntegerKind {
		f.SetInt64(v.i)
		return &f, false
	}
	if math.IsNaN(v.f) {
		return nil, true
	}
	f.SetFloat64(v.f)
	return &f, false
}

func compareFloats(f1, f2 float64) int {
	switch {
	case f1 < f2:
		return -1
	case f1 > f2:
		return 1
	default:
		return 0
	}
}

// References compare segment by segment, so a parent path always sorts
// before the paths of its children.
func compareReferences(r1, r2 string) int {
	s1 := strings.Split(r1, "/")
	s2 := strings.Split(r2, "/")
	for i := 0; i < len(s1) && i < len(s2); i++ {
		if c := strings.Compare(s1[i], s2[i]); c != 0 {
			return c
		}
	}
	return sign(len(s1) - len(s2))
}

func sortedKeys(m map[string]Value) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
