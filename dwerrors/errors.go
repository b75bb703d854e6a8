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

// Package dwerrors provides support for getting error codes from
// errors returned by docwire.dev APIs.
package dwerrors

import (
	"context"
	"errors"

	"docwire.dev/internal/dwerr"
)

// An ErrorCode describes the error's category. Programs should act upon an
// error's code, not its message.
type ErrorCode = dwerr.ErrorCode

const (
	// Returned by the Code function on a nil error. It is not a valid
	// code for an error.
	OK ErrorCode = dwerr.OK

	// The error could not be categorized.
	Unknown ErrorCode = dwerr.Unknown

	// The resource was not found.
	NotFound ErrorCode = dwerr.NotFound

	// The resource exists, but it should not.
	AlreadyExists ErrorCode = dwerr.AlreadyExists

	// A value given to a docwire API is incorrect.
	InvalidArgument ErrorCode = dwerr.InvalidArgument

	// Something unexpected happened. Internal errors always indicate
	// bugs in docwire (or possibly the underlying service).
	Internal ErrorCode = dwerr.Internal

	// The feature is not implemented.
	Unimplemented ErrorCode = dwerr.Unimplemented

	// The system was in the wrong state: a write precondition did not
	// hold, or a stale stream token was used.
	FailedPrecondition ErrorCode = dwerr.FailedPrecondition

	// The caller does not have permission to execute the operation.
	PermissionDenied ErrorCode = dwerr.PermissionDenied

	// Some resource has been exhausted, typically because a service
	// resource limit or quota was reached.
	ResourceExhausted ErrorCode = dwerr.ResourceExhausted

	// The operation was canceled.
	Canceled ErrorCode = dwerr.Canceled

	// The operation timed out.
	DeadlineExceeded ErrorCode = dwerr.DeadlineExceeded

	// The operation was aborted due to a concurrency conflict, such as a
	// transaction conflict. Transactions aborted with this code may be
	// retried from the beginning; see docwire.dev/transaction.
	Aborted ErrorCode = dwerr.Aborted
)

// Code returns the ErrorCode of err if it, or some error it wraps, is an
// *Error. It returns Unknown otherwise. It returns OK if err is nil.
func Code(err error) ErrorCode {
	if err == nil {
		return OK
	}
	var e *dwerr.Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return Unknown
}
