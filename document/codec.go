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

// The wire codec. Values and documents are carried in the service's JSON
// mapping: a Value is a JSON object with exactly one member naming the
// populated variant. Integers travel as decimal strings, bytes as
// standard base64, timestamps as RFC 3339 with nanoseconds. Decoding is
// strict: an object with zero or more than one variant member, or a
// numeric variant whose payload is not a valid numeric literal, is a
// malformed value, never coerced.

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"docwire.dev/internal/dwerr"
)

// ErrMalformedValue is wrapped by all codec errors that indicate a
// payload which does not denote exactly one well-formed Value variant.
// Test for it with errors.Is.
var ErrMalformedValue = errors.New("malformed value")

func malformedf(format string, args ...interface{}) error {
	return dwerr.Newf(dwerr.InvalidArgument, ErrMalformedValue, format, args...)
}

// EncodeValue encodes v into its wire form. Encoding is total: it
// succeeds for every constructible Value.
func EncodeValue(v Value) ([]byte, error) {
	return json.Marshal(valueToWire(v))
}

// DecodeValue decodes the wire form of a Value. It returns an error
// wrapping ErrMalformedValue if data does not denote exactly one
// well-formed variant.
func DecodeValue(data []byte) (Value, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Value{}, malformedf("value is not a JSON object: %v", err)
	}
	return valueFromWire(raw)
}

// EncodeDocument encodes d into its wire form.
func EncodeDocument(d *Document) ([]byte, error) {
	return json.Marshal(docToWire(d))
}

// DecodeDocument decodes the wire form of a Document.
func DecodeDocument(data []byte) (*Document, error) {
	var raw struct {
		Name       string                               `json:"name"`
		Fields     map[string]map[string]json.RawMessage `json:"fields"`
		CreateTime string                               `json:"createTime"`
		UpdateTime string                               `json:"updateTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformedf("document: %v", err)
	}
	d := &Document{Name: raw.Name}
	if len(raw.Fields) > 0 {
		d.Fields = make(map[string]Value, len(raw.Fields))
		for k, rv := range raw.Fields {
			v, err := valueFromWire(rv)
			if err != nil {
				return nil, dwerr.Newf(dwerr.InvalidArgument, err, "document field %q", k)
			}
			d.Fields[k] = v
		}
	}
	var err error
	if d.CreateTime, err = decodeTime(raw.CreateTime); err != nil {
		return nil, err
	}
	if d.UpdateTime, err = decodeTime(raw.UpdateTime); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, malformedf("bad timestamp %q: %v", s, err)
	}
	return t, nil
}

func docToWire(d *Document) map[string]interface{} {
	w := map[string]interface{}{"name": d.Name}
	if len(d.Fields) > 0 {
		fields := make(map[string]interface{}, len(d.Fields))
		for k, v := range d.Fields {
			fields[k] = valueToWire(v)
		}
		w["fields"] = fields
	}
	if !d.CreateTime.IsZero() {
		w["createTime"] = d.CreateTime.UTC().Format(time.RFC3339Nano)
	}
	if !d.UpdateTime.IsZero() {
		w["updateTime"] = d.UpdateTime.UTC().Format(time.RFC3339Nano)
	}
	return w
}

func valueToWire(v Value) map[string]interface{} {
	switch v.kind {
	case NullKind:
		return map[string]interface{}{"nullValue": nil}
	case BooleanKind:
		return map[string]interface{}{"booleanValue": v.b}
	case IntegerKind:
		// Integers are decimal strings on the wire; a bare JSON number
		// would lose precision past 2^53 in some peers.
		return map[string]interface{}{"integerValue": strconv.FormatInt(v.i, 10)}
	case DoubleKind:
		switch {
		case math.IsNaN(v.f):
			return map[string]interface{}{"doubleValue": "NaN"}
		case math.IsInf(v.f, 1):
			return map[string]interface{}{"doubleValue": "Infinity"}
		case math.IsInf(v.f, -1):
			return map[string]interface{}{"doubleValue": "-Infinity"}
		default:
			return map[string]interface{}{"doubleValue": v.f}
		}
	case TimestampKind:
		return map[string]interface{}{"timestampValue": v.t.UTC().Format(time.RFC3339Nano)}
	case StringKind:
		return map[string]interface{}{"stringValue": v.s}
	case BytesKind:
		return map[string]interface{}{"bytesValue": base64.StdEncoding.EncodeToString(v.bs)}
	case ReferenceKind:
		return map[string]interface{}{"referenceValue": v.s}
	case GeoPointKind:
		return map[string]interface{}{"geoPointValue": map[string]interface{}{
			"latitude":  v.geo.Latitude,
			"longitude": v.geo.Longitude,
		}}
	case ArrayKind:
		vals := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			vals[i] = valueToWire(e)
		}
		return map[string]interface{}{"arrayValue": map[string]interface{}{"values": vals}}
	case MapKind:
		fields := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			fields[k] = valueToWire(e)
		}
		return map[string]interface{}{"mapValue": map[string]interface{}{"fields": fields}}
	}
	panic("document: invalid value kind")
}

func valueFromWire(raw map[string]json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return Value{}, malformedf("no variant populated")
	}
	if len(raw) > 1 {
		return Value{}, malformedf("%d variants populated", len(raw))
	}
	var key string
	var data json.RawMessage
	for k, v := range raw {
		key, data = k, v
	}
	switch key {
	case "nullValue":
		var x interface{}
		if err := json.Unmarshal(data, &x); err != nil || x != nil {
			return Value{}, malformedf("bad null payload %s", data)
		}
		return NullValue(), nil
	case "booleanValue":
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return Value{}, malformedf("bad boolean payload %s", data)
		}
		return BoolValue(b), nil
	case "integerValue":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			// Also accept a bare integer literal.
			s = string(data)
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, malformedf("integer %q is not a valid 64-bit decimal literal", s)
		}
		return IntValue(i), nil
	case "doubleValue":
		var f float64
		if err := json.Unmarshal(data, &f); err == nil {
			return DoubleValue(f), nil
		}
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, malformedf("double %s is not a valid numeric literal", data)
		}
		switch s {
		case "NaN":
			return DoubleValue(math.NaN()), nil
		case "Infinity":
			return DoubleValue(math.Inf(1)), nil
		case "-Infinity":
			return DoubleValue(math.Inf(-1)), nil
		}
		return Value{}, malformedf("double %q is not a valid numeric literal", s)
	case "timestampValue":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, malformedf("bad timestamp payload %s", data)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, malformedf("bad timestamp %q: %v", s, err)
		}
		return TimeValue(t), nil
	case "stringValue":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, malformedf("bad string payload %s", data)
		}
		if !utf8.ValidString(s) {
			return Value{}, malformedf("string is not valid UTF-8")
		}
		return StringValue(s), nil
	case "bytesValue":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, malformedf("bad bytes payload %s", data)
		}
		bs, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Value{}, malformedf("bad base64 bytes: %v", err)
		}
		return BytesValue(bs), nil
	case "referenceValue":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Value{}, malformedf("bad reference payload %s", data)
		}
		return RefValue(s), nil
	case "geoPointValue":
		var g struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if err := json.Unmarshal(data, &g); err != nil {
			return Value{}, malformedf("bad geo point payload %s", data)
		}
		return GeoPointValue(g.Latitude, g.Longitude), nil
	case "arrayValue":
		var a struct {
			Values []map[string]json.RawMessage `json:"values"`
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return Value{}, malformedf("bad array payload: %v", err)
		}
		vals := make([]Value, len(a.Values))
		for i, rv := range a.Values {
			v, err := valueFromWire(rv)
			if err != nil {
				return Value{}, err
			}
			vals[i] = v
		}
		return ArrayValue(vals...), nil
	case "mapValue":
		var m struct {
			Fields map[string]map[string]json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return Value{}, malformedf("bad map payload: %v", err)
		}
		fields := make(map[string]Value, len(m.Fields))
		for k, rv := range m.Fields {
			v, err := valueFromWire(rv)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return MapValue(fields), nil
	}
	return Value{}, malformedf("unknown variant %q", key)
}
