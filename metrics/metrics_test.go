// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"github.com/grailbio/bigbatch/metrics"
)

var (
	requests = metrics.NewCounter()
	latency  = metrics.NewMax()
	unused   = metrics.NewCounter()
)

func TestCounter(t *testing.T) {
	var a, b metrics.Scope
	requests.Incr(&a, 2)
	if got, want := requests.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	requests.Incr(&b, 123)
	if got, want := requests.Value(&a), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a.Merge(&b)
	if got, want := requests.Value(&a), int64(125); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := unused.Value(&a), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMax(t *testing.T) {
	var a, b metrics.Scope
	for _, v := range []int64{3, 9, 4} {
		latency.Observe(&a, v)
	}
	latency.Observe(&b, 7)
	if got, want := latency.Value(&a), int64(9); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.Merge(&a)
	if got, want := latency.Value(&b), int64(9); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.Reset()
	if got, want := latency.Value(&b), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestScopeGob(t *testing.T) {
	var scope metrics.Scope
	requests.Incr(&scope, 5)
	latency.Observe(&scope, 11)
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&scope); err != nil {
		t.Fatal(err)
	}
	var decoded metrics.Scope
	if err := gob.NewDecoder(&b).Decode(&decoded); err != nil {
		t.Fatal(err)
	}
	if got, want := requests.Value(&decoded), int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := latency.Value(&decoded), int64(11); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestContextScope(t *testing.T) {
	var scope metrics.Scope
	ctx := metrics.ScopedContext(context.Background(), &scope)
	requests.Incr(metrics.ContextScope(ctx), 1)
	if got, want := requests.Value(&scope), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Without an attached scope, updates are discarded.
	requests.Incr(metrics.ContextScope(context.Background()), 1)
	if got, want := requests.Value(&scope), int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
