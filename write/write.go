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

// Package write defines the write protocol: the Write operation union,
// preconditions, field transforms, write results, and the streamed-write
// session state machine.
package write

import (
	"time"

	"docwire.dev/document"
	"docwire.dev/internal/dwerr"
)

// A Precondition gates a write on the expected state of the target
// document. Exactly one of Exists and UpdateTime may be set; use the
// constructors. A violated precondition fails the write with
// FailedPrecondition.
type Precondition struct {
	// Exists, if non-nil, requires the document to exist (true) or not
	// exist (false).
	Exists *bool

	// UpdateTime, if non-zero, requires the document's last update time
	// to match exactly.
	UpdateTime time.Time
}

// ExistsPrecondition returns a precondition on document existence.
func ExistsPrecondition(exists bool) *Precondition {
	return &Precondition{Exists: &exists}
}

// UpdateTimePrecondition returns a precondition on the document's last
// update time.
func UpdateTimePrecondition(t time.Time) *Precondition {
	return &Precondition{UpdateTime: t}
}

// Validate reports an error unless exactly one condition is set.
func (p *Precondition) Validate() error {
	if (p.Exists != nil) == !p.UpdateTime.IsZero() {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "precondition must set exactly one of exists and updateTime")
	}
	return nil
}

// An Operation is the operation variant of a Write: one of *UpdateOp,
// *DeleteOp or *TransformOp.
type Operation interface {
	isOperation()
}

// An UpdateOp creates or overwrites a document. With a mask on the
// enclosing Write, only the masked fields change; masked fields missing
// from the document are deleted.
type UpdateOp struct {
	Document *document.Document
}

func (*UpdateOp) isOperation() {}

// A DeleteOp deletes the named document.
type DeleteOp struct {
	// Name is the full resource path of the document.
	Name string
}

func (*DeleteOp) isOperation() {}

// A TransformOp applies field transforms to the named document.
//
// Deprecated: attach transforms to an update via Write.UpdateTransforms
// instead; a standalone transform write remains on the wire for older
// peers.
type TransformOp struct {
	Document        string
	FieldTransforms []*FieldTransform
}

func (*TransformOp) isOperation() {}

// A Write is a single operation on a document, optionally gated by a
// precondition.
type Write struct {
	Op Operation

	// UpdateMask limits an update to the named field paths. Only valid
	// with an *UpdateOp.
	UpdateMask *document.Mask

	// UpdateTransforms are applied after the update, in order. Their
	// results are returned positionally in the WriteResult. Only valid
	// with an *UpdateOp.
	UpdateTransforms []*FieldTransform

	// CurrentDocument gates the write on the document's current state.
	CurrentDocument *Precondition
}

// Update returns a Write that creates or overwrites doc. A non-nil mask
// restricts the write to the masked field paths.
func Update(doc *document.Document, mask *document.Mask) *Write {
	return &Write{Op: &UpdateOp{Document: doc}, UpdateMask: mask}
}

// Delete returns a Write that deletes the named document.
func Delete(name string) *Write {
	return &Write{Op: &DeleteOp{Name: name}}
}

// WithPrecondition attaches a precondition and returns w.
func (w *Write) WithPrecondition(p *Precondition) *Write {
	w.CurrentDocument = p
	return w
}

// WithTransforms appends update transforms and returns w.
func (w *Write) WithTransforms(ts ...*FieldTransform) *Write {
	w.UpdateTransforms = append(w.UpdateTransforms, ts...)
	return w
}

// Validate checks the write's internal consistency: exactly one
// operation variant, mask and transforms only on updates, well-formed
// precondition and transforms.
func (w *Write) Validate() error {
	if w.Op == nil {
		return dwerr.Newf(dwerr.InvalidArgument, nil, "write has no operation")
	}
	switch op := w.Op.(type) {
	case *UpdateOp:
		if op.Document == nil || op.Document.Name == "" {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "update write requires a named document")
		}
	case *DeleteOp:
		if op.Name == "" {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "delete write requires a document name")
		}
		if w.UpdateMask != nil || len(w.UpdateTransforms) > 0 {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "mask and transforms are only valid on update writes")
		}
	case *TransformOp:
		if op.Document == "" {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "transform write requires a document name")
		}
		if len(op.FieldTransforms) == 0 {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "transform write requires at least one transform")
		}
		if w.UpdateMask != nil || len(w.UpdateTransforms) > 0 {
			return dwerr.Newf(dwerr.InvalidArgument, nil, "mask and transforms are only valid on update writes")
		}
		for _, t := range op.FieldTransforms {
			if err := t.Validate(); err != nil {
				return err
			}
		}
	default:
		return dwerr.Newf(dwerr.InvalidArgument, nil, "unknown write operation %T", w.Op)
	}
	for _, t := range w.UpdateTransforms {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if w.CurrentDocument != nil {
		return w.CurrentDocument.Validate()
	}
	return nil
}

// TargetName returns the full resource path of the document the write
// operates on.
func (w *Write) TargetName() string {
	switch op := w.Op.(type) {
	case *UpdateOp:
		return op.Document.Name
	case *DeleteOp:
		return op.Name
	case *TransformOp:
		return op.Document
	}
	return ""
}

// A WriteResult reports the outcome of a single applied Write.
type WriteResult struct {
	// UpdateTime is the document's update time after the write. For a
	// delete it equals the commit time.
	UpdateTime time.Time

	// TransformResults holds one value per field transform in the
	// write, in request order.
	TransformResults []document.Value
}
