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

// Package oc supports OpenCensus tracing and metrics for docwire APIs.
package oc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"docwire.dev/internal/dwerr"
	"go.opencensus.io/plugin/ocgrpc"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
)

// A Tracer supports OpenCensus tracing and latency metrics.
type Tracer struct {
	Package        string
	Provider       string
	LatencyMeasure *stats.Float64Measure
}

// ProviderName returns the name of the provider associated with the driver
// value. It is intended to be used for the Provider field of a Tracer.
// It actually returns the package path of the driver's type.
func ProviderName(driver any) string {
	// Return the last component of the package path.
	if driver == nil {
		return ""
	}
	t := reflect.TypeOf(driver)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.PkgPath()
}

// Tag keys used for the standard docwire metrics.
var (
	// MethodKey is the tag key holding the method name.
	MethodKey = tag.MustNewKey("docwire_method")
	// StatusKey is the tag key holding the method's error code.
	StatusKey = tag.MustNewKey("docwire_status")
	// ProviderKey is the tag key holding the driver provider.
	ProviderKey = tag.MustNewKey("docwire_provider")
)

// LatencyMeasure returns the measure for method call latency used by
// docwire APIs.
func LatencyMeasure(pkg string) *stats.Float64Measure {
	return stats.Float64(
		pkg+"/latency",
		"Latency of method call",
		stats.UnitMilliseconds)
}

// LatencyView returns a view of the latency metric.
func LatencyView(m *stats.Float64Measure) *view.View {
	return &view.View{
		Name:        m.Name(),
		Measure:     m,
		Description: m.Description(),
		Aggregation: ocgrpc.DefaultMillisecondsDistribution,
		TagKeys:     []tag.Key{ProviderKey, MethodKey},
	}
}

// CountView returns a view of the count of completed method calls.
func CountView(pkg string, m *stats.Float64Measure) *view.View {
	return &view.View{
		Name:        pkg + "/completed_calls",
		Measure:     m,
		Description: "Count of method calls by provider, method and status.",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{ProviderKey, MethodKey, StatusKey},
	}
}

// Views returns the views provided by docwire APIs: the latency
// distribution and the completed-call count.
func Views(pkg string, latencyMeasure *stats.Float64Measure) []*view.View {
	return []*view.View{
		CountView(pkg, latencyMeasure),
		LatencyView(latencyMeasure),
	}
}

type startTimeKey struct{}

// Start adds a span to the trace, and prepares for recording a latency
// measurement.
func (t *Tracer) Start(ctx context.Context, methodName string) context.Context {
	fullName := t.Package + "." + methodName
	ctx, err := tag.New(ctx,
		tag.Upsert(MethodKey, fullName),
		tag.Upsert(ProviderKey, t.Provider))
	if err != nil {
		panic(fmt.Sprintf("fullName=%q, provider=%q: %v", fullName, t.Provider, err))
	}
	ctx, _ = trace.StartSpan(ctx, fullName)
	return context.WithValue(ctx, startTimeKey{}, time.Now())
}

// End ends a span with the given error, and records a latency measurement.
func (t *Tracer) End(ctx context.Context, err error) {
	startTime := ctx.Value(startTimeKey{}).(time.Time)
	elapsed := time.Since(startTime)
	code := errCode(err)
	span := trace.FromContext(ctx)
	if err != nil {
		span.SetStatus(trace.Status{Code: int32(dwerr.GRPCStatusCode(code)), Message: err.Error()})
	}
	span.End()
	_ = stats.RecordWithTags(ctx,
		[]tag.Mutator{tag.Upsert(StatusKey, fmt.Sprint(code))},
		t.LatencyMeasure.M(float64(elapsed.Nanoseconds())/1e6))
}

func errCode(err error) dwerr.ErrorCode {
	if err == nil {
		return dwerr.OK
	}
	var de *dwerr.Error
	if errors.As(err, &de) {
		return de.Code
	}
	return dwerr.Unknown
}
