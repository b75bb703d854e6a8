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
	"time"

	"docwire.dev/internal/dwerr"
)

// A StreamRequest is one message on the streamed Write RPC. The first
// request of a new session carries no writes and no stream token; every
// later request must echo the most recently received token.
type StreamRequest struct {
	// Database is the database resource path. Required on the first
	// request; ignored afterwards.
	Database string

	// StreamID resumes an existing write stream. Empty on the first
	// request of a new stream.
	StreamID string

	Writes []*Write

	// StreamToken acknowledges responses up to the token. The server
	// rejects a token older than the one it sent last.
	StreamToken []byte

	// Labels are free-form metadata, only on the first request.
	Labels map[string]string
}

// A StreamResponse is one message from the streamed Write RPC.
type StreamResponse struct {
	StreamID string

	// StreamToken supersedes every previously received token.
	StreamToken []byte

	// WriteResults align positionally with the request's writes.
	WriteResults []*WriteResult

	// CommitTime is non-decreasing across the life of the stream.
	CommitTime time.Time
}

// A Stream is the client side of a streamed Write RPC. Implementations
// are provided by the transport; see docwire.dev/rpc.
type Stream interface {
	Send(*StreamRequest) error
	Recv() (*StreamResponse, error)
}

type sessionState int

const (
	awaitingHandshake sessionState = iota
	streaming
)

// A Session drives one streamed write session: it performs the handshake
// that establishes the stream ID, echoes the latest stream token on
// every request, and checks that commit times never go backwards.
//
// A Session is owned by a single goroutine; it holds the mutable token
// state without locking.
type Session struct {
	stream   Stream
	database string
	labels   map[string]string

	state      sessionState
	streamID   string
	token      []byte
	lastCommit time.Time
}

// NewSession returns a session for a new write stream on the given
// database. Call Handshake before Apply.
func NewSession(stream Stream, database string, labels map[string]string) *Session {
	return &Session{stream: stream, database: database, labels: labels}
}

// ResumeSession returns a session that resumes a previous write stream
// from its ID and last known token. Call Handshake before Apply.
func ResumeSession(stream Stream, database, streamID string, token []byte) *Session {
	return &Session{stream: stream, database: database, streamID: streamID, token: token}
}

// StreamID returns the server-assigned stream ID, valid after Handshake.
func (s *Session) StreamID() string { return s.streamID }

// Token returns the most recently received stream token. Persist it to
// resume the stream after a disconnect.
func (s *Session) Token() []byte { return s.token }

// Handshake sends the empty first request and records the stream ID and
// initial token from the server's first response.
func (s *Session) Handshake() error {
	if s.state != awaitingHandshake {
		return dwerr.Newf(dwerr.FailedPrecondition, nil, "write stream handshake already completed")
	}
	req := &StreamRequest{
		Database: s.database,
		Labels:   s.labels,
		StreamID: s.streamID, // set when resuming
	}
	if s.streamID != "" {
		req.StreamToken = s.token
	}
	if err := s.stream.Send(req); err != nil {
		return err
	}
	res, err := s.stream.Recv()
	if err != nil {
		return err
	}
	if res.StreamID == "" || len(res.StreamToken) == 0 {
		return dwerr.Newf(dwerr.Internal, nil, "write stream handshake response missing stream ID or token")
	}
	s.streamID = res.StreamID
	s.token = res.StreamToken
	s.state = streaming
	return nil
}

// Apply sends writes on the stream, echoing the latest stream token, and
// waits for their results. The returned commit time is non-decreasing
// across calls; a response that violates that is reported as Internal.
func (s *Session) Apply(writes []*Write) ([]*WriteResult, time.Time, error) {
	if s.state != streaming {
		return nil, time.Time{}, dwerr.Newf(dwerr.FailedPrecondition, nil, "write stream session requires a handshake")
	}
	for _, w := range writes {
		if err := w.Validate(); err != nil {
			return nil, time.Time{}, err
		}
	}
	err := s.stream.Send(&StreamRequest{
		StreamID:    s.streamID,
		Writes:      writes,
		StreamToken: s.token,
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	res, err := s.stream.Recv()
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(res.WriteResults) != len(writes) {
		return nil, time.Time{}, dwerr.Newf(dwerr.Internal, nil,
			"write stream returned %d results for %d writes", len(res.WriteResults), len(writes))
	}
	if res.CommitTime.Before(s.lastCommit) {
		return nil, time.Time{}, dwerr.Newf(dwerr.Internal, nil,
			"write stream commit time went backwards: %v then %v", s.lastCommit, res.CommitTime)
	}
	if len(res.StreamToken) > 0 {
		s.token = res.StreamToken
	}
	s.lastCommit = res.CommitTime
	return res.WriteResults, res.CommitTime, nil
}
