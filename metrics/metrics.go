// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics defines user-defined metrics that engines may
// maintain while computing batches. Metric values are kept in a
// Scope; each run of a worker has its own scope, which is attached
// to the context passed to the engine. Scopes are gob-encodable and
// mergeable, so that the scopes of the workers of a cluster job may
// be combined into one.
//
// Metrics must be declared at package initialization time so that
// every process of a cluster job assigns the same identifiers to
// the same metrics.
package metrics

import (
	"sync"
)

type kind int

const (
	kindSum kind = iota
	kindMax
)

var (
	mu sync.Mutex
	// kinds stores the kind of each registered metric, indexed by
	// metric id. Index 0 is reserved so that zero-valued metrics
	// are never used as registered ones.
	kinds = []kind{-1}
)

func register(k kind) int {
	mu.Lock()
	defer mu.Unlock()
	kinds = append(kinds, k)
	return len(kinds) - 1
}

func kindOf(id int) kind {
	mu.Lock()
	defer mu.Unlock()
	return kinds[id]
}

// A Counter is a metric that sums its increments.
type Counter struct {
	id int
}

// NewCounter registers and returns a new counter.
func NewCounter() Counter {
	return Counter{register(kindSum)}
}

// Incr increments the counter's value in scope by n.
func (c Counter) Incr(scope *Scope, n int64) {
	scope.update(c.id, kindSum, n)
}

// Value returns the counter's value in scope.
func (c Counter) Value(scope *Scope) int64 {
	return scope.value(c.id)
}

// A Max is a metric that tracks the largest nonnegative value
// observed. Its value is 0 if nothing was observed.
type Max struct {
	id int
}

// NewMax registers and returns a new max metric.
func NewMax() Max {
	return Max{register(kindMax)}
}

// Observe records the value v in scope.
func (m Max) Observe(scope *Scope, v int64) {
	scope.update(m.id, kindMax, v)
}

// Value returns the largest value observed in scope.
func (m Max) Value(scope *Scope) int64 {
	return scope.value(m.id)
}
