// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/bigbatch/internal/trace"
)

func batchEvent(rank int, ms int64, size int) trace.Event {
	return trace.Event{
		Pid:  rank,
		Ph:   "X",
		Dur:  ms * 1000,
		Cat:  trace.CatBatch,
		Args: map[string]interface{}{"size": float64(size)},
	}
}

func TestRankStats(t *testing.T) {
	events := []trace.Event{
		{Pid: 1, Ph: "i", Cat: trace.CatSkip},
		batchEvent(0, 40, 4),
		batchEvent(0, 10, 4),
		batchEvent(0, 30, 4),
		batchEvent(0, 20, 2),
		{Pid: 0, Ph: "X", Dur: 1e6, Cat: trace.CatRun},
	}
	stats := rankStats(events)
	if got, want := len(stats), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	s := stats[0]
	if got, want := s.rank, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.batches, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.items, 14; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.total, 100*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if s.min != 10*time.Millisecond || s.max != 40*time.Millisecond {
		t.Errorf("got min %v max %v", s.min, s.max)
	}
	if got, want := s.q2, 25*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	s = stats[1]
	if s.rank != 1 || s.skipped != 1 || s.batches != 0 || s.max != 0 {
		t.Errorf("unexpected stats for rank 1: %+v", s)
	}

	var b bytes.Buffer
	writeRankStats(&b, stats)
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if got, want := len(lines), 3; got != want {
		t.Fatalf("got %v, want %v:\n%s", got, want, b.String())
	}
	if !strings.HasPrefix(lines[0], "rank") {
		t.Errorf("bad header %q", lines[0])
	}
}
