// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace reads and writes batch traces in the Chrome tracing
// format, so that they can be inspected with chrome://tracing or
// Perfetto. Each worker's trace uses its rank as the process ID.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Event categories.
const (
	// CatRun is the category of the event spanning a worker's batch
	// loop.
	CatRun = "run"
	// CatBatch is the category of engine call events.
	CatBatch = "batch"
	// CatSkip is the category of instant events marking batches that
	// were skipped because all of their items were already done.
	CatSkip = "skip"
)

// T is a trace.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Start returns the event's start time.
func (e Event) Start() time.Time {
	return time.Unix(0, e.Ts*1e3)
}

// Duration returns the event's duration.
func (e Event) Duration() time.Duration {
	return time.Duration(e.Dur) * time.Microsecond
}

func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}

// Read reads the trace at path, which may be any path supported by
// package file.
func Read(ctx context.Context, path string) (_ *T, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	t := new(T)
	if err := t.Decode(f.Reader(ctx)); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("trace %s", path), err)
	}
	return t, nil
}

// A Recorder accumulates the events of a single worker. Recorders are
// safe for concurrent use.
type Recorder struct {
	pid int

	mu sync.Mutex
	t  T
}

// NewRecorder returns a recorder for events of the given process ID.
func NewRecorder(pid int) *Recorder {
	return &Recorder{pid: pid}
}

// Complete records a complete ("X") event.
func (r *Recorder) Complete(cat, name string, start time.Time, dur time.Duration, args map[string]interface{}) {
	r.add(Event{
		Pid:  r.pid,
		Ts:   start.UnixNano() / 1e3,
		Ph:   "X",
		Dur:  dur.Microseconds(),
		Name: name,
		Cat:  cat,
		Args: args,
	})
}

// Instant records an instant ("i") event.
func (r *Recorder) Instant(cat, name string, at time.Time, args map[string]interface{}) {
	r.add(Event{
		Pid:  r.pid,
		Ts:   at.UnixNano() / 1e3,
		Ph:   "i",
		Name: name,
		Cat:  cat,
		Args: args,
	})
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.t.Events = append(r.t.Events, e)
	r.mu.Unlock()
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.t.Events)
}

// Write writes the recorded events to path, which may be any path
// supported by package file.
func (r *Recorder) Write(ctx context.Context, path string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Discard(ctx)
			return
		}
		err = f.Close(ctx)
	}()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.t.Encode(f.Writer(ctx))
}
