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

import (
	"bytes"
	"regexp"
	"strings"

	"docwire.dev/internal/dwerr"
)

// A Mask selects a set of fields by their service field paths. A nil
// Mask selects all fields.
type Mask struct {
	FieldPaths []string
}

// ServiceFieldPath converts a field path, given as its components, into
// the dot-separated form the service expects, quoting components with
// backticks where necessary.
func ServiceFieldPath(fp []string) string {
	cs := make([]string, len(fp))
	for i, c := range fp {
		cs[i] = serviceFieldPathComponent(c)
	}
	return strings.Join(cs, ".")
}

// Google SQL syntax for an unquoted field.
var unquotedFieldRE = regexp.MustCompile("^[A-Za-z_][A-Za-z_0-9]*$")

func serviceFieldPathComponent(key string) string {
	if unquotedFieldRE.MatchString(key) {
		return key
	}
	var buf bytes.Buffer
	buf.WriteRune('`')
	for _, r := range key {
		if r == '`' || r == '\\' {
			buf.WriteRune('\\')
		}
		buf.WriteRune(r)
	}
	buf.WriteRune('`')
	return buf.String()
}

// SplitServiceFieldPath parses a dot-separated service field path back
// into its components, honoring backtick quoting.
func SplitServiceFieldPath(sfp string) ([]string, error) {
	var comps []string
	var cur bytes.Buffer
	inQuote := false
	for i := 0; i < len(sfp); i++ {
		c := sfp[i]
		switch {
		case c == '\\' && inQuote && i+1 < len(sfp):
			i++
			cur.WriteByte(sfp[i])
		case c == '`':
			inQuote = !inQuote
		case c == '.' && !inQuote:
			comps = append(comps, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "unterminated quote in field path %q", sfp)
	}
	comps = append(comps, cur.String())
	for _, c := range comps {
		if c == "" {
			return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "empty component in field path %q", sfp)
		}
	}
	return comps, nil
}

// SetAtFieldPath sets m's value at fp to val. It creates intermediate
// maps as needed. It returns an error if a non-final component of fp
// does not denote a map.
func SetAtFieldPath(m map[string]Value, fp []string, val Value) error {
	m2, err := parentMap(m, fp, true)
	if err != nil {
		return err
	}
	m2[fp[len(fp)-1]] = val
	return nil
}

// GetAtFieldPath returns m's value at fp. The second result reports
// whether the full path is present.
func GetAtFieldPath(m map[string]Value, fp []string) (Value, bool) {
	m2, err := parentMap(m, fp, false)
	if err != nil || m2 == nil {
		return Value{}, false
	}
	v, ok := m2[fp[len(fp)-1]]
	return v, ok
}

// DeleteAtFieldPath removes m's value at fp, if present.
func DeleteAtFieldPath(m map[string]Value, fp []string) {
	m2, err := parentMap(m, fp, false)
	if err != nil || m2 == nil {
		return
	}
	delete(m2, fp[len(fp)-1])
}

// parentMap returns the map that directly contains the given field path;
// that is, the value of m at the field path that excludes the last
// component of fp. If a non-map is encountered along the way, an
// InvalidArgument error is returned. If nil is encountered, nil is
// returned unless create is true, in which case a map is added at that
// point.
func parentMap(m map[string]Value, fp []string, create bool) (map[string]Value, error) {
	for _, k := range fp[:len(fp)-1] {
		v, ok := m[k]
		if !ok {
			if !create {
				return nil, nil
			}
			v = MapValue(map[string]Value{})
			m[k] = v
		}
		mv, ok := v.Map()
		if !ok {
			return nil, dwerr.Newf(dwerr.InvalidArgument, nil, "invalid field path %q at %q", strings.Join(fp, "."), k)
		}
		m = mv
	}
	return m, nil
}
