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
	"bytes"
	"errors"
	"testing"
	"time"

	"docwire.dev/internal/dwerr"
)

// fakeStream replays scripted responses and records every request sent.
type fakeStream struct {
	sent      []*StreamRequest
	responses []*StreamResponse
}

func (f *fakeStream) Send(req *StreamRequest) error {
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*StreamResponse, error) {
	if len(f.responses) == 0 {
		return nil, errors.New("fake stream: no more responses")
	}
	res := f.responses[0]
	f.responses = f.responses[1:]
	return res, nil
}

const streamDB = "projects/P/databases/D"

func TestSessionRequiresHandshake(t *testing.T) {
	s := NewSession(&fakeStream{}, streamDB, nil)
	_, _, err := s.Apply([]*Write{Delete(docName)})
	var de *dwerr.Error
	if !errors.As(err, &de) || de.Code != dwerr.FailedPrecondition {
		t.Errorf("Apply before handshake: got %v, want FailedPrecondition", err)
	}
}

func TestSessionHandshake(t *testing.T) {
	f := &fakeStream{responses: []*StreamResponse{
		{StreamID: "s1", StreamToken: []byte("t0")},
	}}
	s := NewSession(f, streamDB, map[string]string{"app": "test"})
	if err := s.Handshake(); err != nil {
		t.Fatal(err)
	}
	if s.StreamID() != "s1" || !bytes.Equal(s.Token(), []byte("t0")) {
		t.Errorf("got stream ID %q token %q", s.StreamID(), s.Token())
	}
	req := f.sent[0]
	if req.Database != streamDB || len(req.Writes) != 0 || req.StreamID != "" || req.Labels["app"] != "test" {
		t.Errorf("handshake request: %+v", req)
	}
	if err := s.Handshake(); err == nil {
		t.Error("second handshake: got nil error")
	}
}

func TestSessionHandshakeMissingID(t *testing.T) {
	f := &fakeStream{responses: []*StreamResponse{{StreamToken: []byte("t0")}}}
	err := NewSession(f, streamDB, nil).Handshake()
	var de *dwerr.Error
	if !errors.As(err, &de) || de.Code != dwerr.Internal {
		t.Errorf("handshake without stream ID: got %v, want Internal", err)
	}
}

func TestSessionTokenEcho(t *testing.T) {
	commit := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeStream{responses: []*StreamResponse{
		{StreamID: "s1", StreamToken: []byte("t0")},
		{StreamID: "s1", StreamToken: []byte("t1"), WriteResults: []*WriteResult{{}}, CommitTime: commit},
		{StreamID: "s1", StreamToken: []byte("t2"), WriteResults: []*WriteResult{{}}, CommitTime: commit.Add(time.Second)},
	}}
	s := NewSession(f, streamDB, nil)
	if err := s.Handshake(); err != nil {
		t.Fatal(err)
	}
	w := Delete(docName)
	if _, _, err := s.Apply([]*Write{w}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Apply([]*Write{w}); err != nil {
		t.Fatal(err)
	}
	if got := f.sent[1].StreamToken; !bytes.Equal(got, []byte("t0")) {
		t.Errorf("first apply echoed %q, want t0", got)
	}
	if got := f.sent[2].StreamToken; !bytes.Equal(got, []byte("t1")) {
		t.Errorf("second apply echoed %q, want t1", got)
	}
	if !bytes.Equal(s.Token(), []byte("t2")) {
		t.Errorf("final token %q, want t2", s.Token())
	}
}

func TestSessionResultCountMismatch(t *testing.T) {
	f := &fakeStream{responses: []*StreamResponse{
		{StreamID: "s1", StreamToken: []byte("t0")},
		{StreamID: "s1", StreamToken: []byte("t1"), WriteResults: []*WriteResult{{}, {}}},
	}}
	s := NewSession(f, streamDB, nil)
	if err := s.Handshake(); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.Apply([]*Write{Delete(docName)})
	var de *dwerr.Error
	if !errors.As(err, &de) || de.Code != dwerr.Internal {
		t.Errorf("two results for one write: got %v, want Internal", err)
	}
}

func TestSessionCommitTimeMonotonic(t *testing.T) {
	commit := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeStream{responses: []*StreamResponse{
		{StreamID: "s1", StreamToken: []byte("t0")},
		{StreamID: "s1", StreamToken: []byte("t1"), WriteResults: []*WriteResult{{}}, CommitTime: commit},
		{StreamID: "s1", StreamToken: []byte("t2"), WriteResults: []*WriteResult{{}}, CommitTime: commit.Add(-time.Second)},
	}}
	s := NewSession(f, streamDB, nil)
	if err := s.Handshake(); err != nil {
		t.Fatal(err)
	}
	w := Delete(docName)
	if _, _, err := s.Apply([]*Write{w}); err != nil {
		t.Fatal(err)
	}
	_, _, err := s.Apply([]*Write{w})
	var de *dwerr.Error
	if !errors.As(err, &de) || de.Code != dwerr.Internal {
		t.Errorf("commit time going backwards: got %v, want Internal", err)
	}
}

func TestSessionApplyValidates(t *testing.T) {
	f := &fakeStream{responses: []*StreamResponse{
		{StreamID: "s1", StreamToken: []byte("t0")},
	}}
	s := NewSession(f, streamDB, nil)
	if err := s.Handshake(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Apply([]*Write{{}}); err == nil {
		t.Error("invalid write: got nil error")
	}
	if len(f.sent) != 1 {
		t.Errorf("invalid write was sent: %d requests", len(f.sent))
	}
}

func TestResumeSessionHandshake(t *testing.T) {
	f := &fakeStream{responses: []*StreamResponse{
		{StreamID: "s1", StreamToken: []byte("t5")},
	}}
	s := ResumeSession(f, streamDB, "s1", []byte("t3"))
	if err := s.Handshake(); err != nil {
		t.Fatal(err)
	}
	req := f.sent[0]
	if req.StreamID != "s1" || !bytes.Equal(req.StreamToken, []byte("t3")) {
		t.Errorf("resume handshake request: %+v", req)
	}
	if !bytes.Equal(s.Token(), []byte("t5")) {
		t.Errorf("resumed token %q, want t5", s.Token())
	}
}

var _ Stream = (*fakeStream)(nil)
