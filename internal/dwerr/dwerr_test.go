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

package dwerr

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewf(t *testing.T) {
	e := Newf(Internal, nil, "a %d b", 3)
	got := e.Error()
	want := "a 3 b (code=Internal)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestErrorMessage(t *testing.T) {
	for _, test := range []struct {
		err  *Error
		want string
	}{
		{New(NotFound, nil, "message"), "message (code=NotFound)"},
		{New(AlreadyExists, errors.New("wrapped"), ""), "code=AlreadyExists"},
	} {
		if got := test.err.Error(); got != test.want {
			t.Errorf("got %q, want %q", got, test.want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	wrapped := errors.New("wrapped")
	e := New(Internal, wrapped, "message")
	if !errors.Is(e, wrapped) {
		t.Error("wrapped error not reachable through errors.Is")
	}
	if New(Internal, nil, "message").Unwrap() != nil {
		t.Error("Unwrap of an unwrapped error is non-nil")
	}
}

func TestGRPCCodeRoundTrip(t *testing.T) {
	for _, c := range []ErrorCode{
		NotFound, AlreadyExists, InvalidArgument, Internal, Unimplemented,
		FailedPrecondition, PermissionDenied, ResourceExhausted, Canceled,
		DeadlineExceeded, Aborted,
	} {
		err := status.Error(GRPCStatusCode(c), "x")
		if got := GRPCCode(err); got != c {
			t.Errorf("%v: round-tripped to %v", c, got)
		}
	}
	if got := GRPCCode(errors.New("not grpc")); got != Unknown {
		t.Errorf("non-gRPC error: got %v, want Unknown", got)
	}
	if got := GRPCStatusCode(Unknown); got != codes.Unknown {
		t.Errorf("Unknown: got %v", got)
	}
}
