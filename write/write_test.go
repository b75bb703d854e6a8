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
	"testing"
	"time"

	"docwire.dev/document"
)

const docName = "projects/P/databases/D/documents/C/d1"

func TestPreconditionValidate(t *testing.T) {
	for _, test := range []struct {
		desc    string
		p       *Precondition
		wantErr bool
	}{
		{"exists true", ExistsPrecondition(true), false},
		{"exists false", ExistsPrecondition(false), false},
		{"update time", UpdateTimePrecondition(time.Now()), false},
		{"neither", &Precondition{}, true},
		{"both", &Precondition{Exists: new(bool), UpdateTime: time.Now()}, true},
	} {
		err := test.p.Validate()
		if (err != nil) != test.wantErr {
			t.Errorf("%s: got err %v, want error %t", test.desc, err, test.wantErr)
		}
	}
}

func TestWriteValidate(t *testing.T) {
	doc := &document.Document{Name: docName, Fields: map[string]document.Value{"a": document.IntValue(1)}}
	for _, test := range []struct {
		desc    string
		w       *Write
		wantErr bool
	}{
		{"update", Update(doc, nil), false},
		{"update with mask", Update(doc, &document.Mask{FieldPaths: []string{"a"}}), false},
		{"update with transforms", Update(doc, nil).WithTransforms(ServerTimestamp("t")), false},
		{"delete", Delete(docName), false},
		{"no op", &Write{}, true},
		{"unnamed update", Update(&document.Document{}, nil), true},
		{"empty delete", Delete(""), true},
		{"delete with mask", &Write{Op: &DeleteOp{Name: docName}, UpdateMask: &document.Mask{}}, true},
		{"delete with transforms", &Write{Op: &DeleteOp{Name: docName}, UpdateTransforms: []*FieldTransform{ServerTimestamp("t")}}, true},
		{"bad precondition", Update(doc, nil).WithPrecondition(&Precondition{}), true},
		{"bad transform", Update(doc, nil).WithTransforms(Increment("n", document.StringValue("x"))), true},
		{"transform op", &Write{Op: &TransformOp{Document: docName, FieldTransforms: []*FieldTransform{ServerTimestamp("t")}}}, false},
		{"transform op without transforms", &Write{Op: &TransformOp{Document: docName}}, true},
	} {
		err := test.w.Validate()
		if (err != nil) != test.wantErr {
			t.Errorf("%s: got err %v, want error %t", test.desc, err, test.wantErr)
		}
	}
}

func TestWriteTargetName(t *testing.T) {
	doc := &document.Document{Name: docName}
	for _, test := range []struct {
		w    *Write
		want string
	}{
		{Update(doc, nil), docName},
		{Delete(docName), docName},
		{&Write{Op: &TransformOp{Document: docName}}, docName},
	} {
		if got := test.w.TargetName(); got != test.want {
			t.Errorf("got %q, want %q", got, test.want)
		}
	}
}
