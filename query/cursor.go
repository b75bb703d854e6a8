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
	"docwire.dev/document"
)

// comparePosition lexicographically compares a document's order-by
// values against the cursor's values, honoring each order's direction.
// Only the cursor's values participate; a cursor may be a prefix of the
// full ordering.
func (c *Cursor) comparePosition(docVals []document.Value, orders []Order) int {
	for i, cv := range c.Values {
		if i >= len(docVals) || i >= len(orders) {
			break
		}
		cmp := document.Compare(docVals[i], cv)
		if orders[i].Direction == Descending {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

// AdmitsAsStart reports whether a document whose order-by values are
// docVals lies within the bound when c is a start cursor. With Before
// true the position itself is included; with Before false it is
// excluded.
func (c *Cursor) AdmitsAsStart(docVals []document.Value, orders []Order) bool {
	cmp := c.comparePosition(docVals, orders)
	if c.Before {
		return cmp >= 0
	}
	return cmp > 0
}

// AdmitsAsEnd reports whether a document whose order-by values are
// docVals lies within the bound when c is an end cursor. With Before
// true the position itself is excluded; with Before false it is
// included.
func (c *Cursor) AdmitsAsEnd(docVals []document.Value, orders []Order) bool {
	cmp := c.comparePosition(docVals, orders)
	if c.Before {
		return cmp < 0
	}
	return cmp <= 0
}

// OrderValues extracts a document's values for the given orderings, for
// use with cursor bounds and result sorting. The document name stands in
// for the __name__ sentinel; a missing field yields the null value,
// which sorts first.
func OrderValues(d *document.Document, orders []Order) ([]document.Value, error) {
	vals := make([]document.Value, len(orders))
	for i, o := range orders {
		if o.Field.FieldPath == NameSentinel {
			vals[i] = document.RefValue(d.Name)
			continue
		}
		fp, err := document.SplitServiceFieldPath(o.Field.FieldPath)
		if err != nil {
			return nil, err
		}
		if v, ok := document.GetAtFieldPath(d.Fields, fp); ok {
			vals[i] = v
		} else {
			vals[i] = document.NullValue()
		}
	}
	return vals, nil
}
