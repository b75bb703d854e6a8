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

// Package docwire is a client for hierarchical document databases.
//
// Documents are sets of typed field values addressed by resource paths
// like "projects/P/databases/D/documents/C/d1" and organized into
// collections. The subpackages define the protocol's building blocks:
//
//   - document: the Value data model, field paths and the wire codec
//   - query: structured queries, cursors and aggregations
//   - write: writes, preconditions, field transforms and write streams
//   - transaction: transaction lifecycle and the retry runner
//   - listen: change streams, targets and existence filters
//   - rpc: the request/response surface a transport implements
//
// The Client in this package ties them together over any rpc.Service.
//
// # OpenCensus Integration
//
// OpenCensus supports tracing and metric collection for multiple languages and
// backend providers. See https://opencensus.io.
//
// This API collects OpenCensus traces and metrics for the following methods:
//   - Get
//   - GetAll
//   - Create
//   - Update
//   - Delete
//   - Commit
//   - RunQuery
//   - RunAggregationQuery
//   - RunPartitionedQuery
//   - RunTransaction
//   - WriteSession
//   - Watch
//
// To enable trace collection in your application, see "Configure
// Exporter" at https://opencensus.io/quickstart/go/tracing. To enable
// metric collection, register the views in OpenCensusViews.
package docwire
