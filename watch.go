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

package docwire

import (
	"context"
	"time"

	"docwire.dev/listen"
	"github.com/googleapis/gax-go/v2"
)

// watchBackoff is WatchEvents's reconnect backoff, reset after every
// delivered event.
func watchBackoff() gax.Backoff {
	return gax.Backoff{
		Initial:    50 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 1.6,
	}
}

// Watch opens a change stream and returns a watcher with the given
// targets declared.
func (c *Client) Watch(ctx context.Context, opts *listen.WatcherOptions, targets ...*listen.Target) (_ *listen.Watcher, err error) {
	ctx = c.ctx(ctx, "Watch")
	defer func() { c.tracer.End(ctx, err) }()
	stream, err := c.svc.Listen(ctx)
	if err != nil {
		return nil, err
	}
	w := listen.NewWatcher(stream, c.database, opts)
	for _, t := range targets {
		if err := w.AddTarget(t); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// WatchEvents watches a single target and calls f for each event,
// reconnecting with backoff when the stream breaks and resuming from
// the last delivered snapshot. It returns when f returns a non-nil
// error, when the service removes the target, or when ctx is done;
// stream errors are only ever retried.
func (c *Client) WatchEvents(ctx context.Context, target *listen.Target, opts *listen.WatcherOptions, f func(listen.Event) error) error {
	backoff := watchBackoff()
	spec := *target
	for {
		w, err := c.Watch(ctx, opts, &spec)
		if err != nil {
			if serr := gax.Sleep(ctx, backoff.Pause()); serr != nil {
				return serr
			}
			continue
		}
		for {
			ev, err := w.Next()
			if err != nil {
				// Resume from the last snapshot the caller saw, seeding
				// the new watcher's cache so reconciliation can confirm
				// it rather than re-run the query.
				if tok := w.ResumeToken(spec.TargetID); len(tok) > 0 {
					spec.ResumeToken = tok
					spec.ReadTime = time.Time{}
					spec.KnownNames = w.CachedNames(spec.TargetID)
				}
				break
			}
			backoff = watchBackoff()
			if err := f(ev); err != nil {
				return err
			}
			if stopped, ok := ev.(*listen.TargetStopped); ok && stopped.TargetID == spec.TargetID {
				return stopped.Cause
			}
		}
		if serr := gax.Sleep(ctx, backoff.Pause()); serr != nil {
			return serr
		}
	}
}
