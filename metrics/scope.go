// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
)

// Scope is a collection of metric values. The zero Scope is empty
// and ready to use. Scopes are safe for concurrent use.
type Scope struct {
	mu   sync.Mutex
	vals []int64
}

func (s *Scope) update(id int, k kind, v int64) {
	if id == 0 {
		panic("metrics: uninitialized metric")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.vals) <= id {
		s.vals = append(s.vals, 0)
	}
	apply(k, &s.vals[id], v)
}

func (s *Scope) value(id int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= len(s.vals) {
		return 0
	}
	return s.vals[id]
}

func apply(k kind, x *int64, v int64) {
	switch k {
	case kindSum:
		*x += v
	case kindMax:
		if v > *x {
			*x = v
		}
	default:
		panic(k)
	}
}

// Merge merges the values of scope u into scope s: counters are
// summed and maxima are maximized.
func (s *Scope) Merge(u *Scope) {
	if u == nil || u == s {
		return
	}
	u.mu.Lock()
	uvals := append([]int64(nil), u.vals...)
	u.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.vals) < len(uvals) {
		s.vals = append(s.vals, 0)
	}
	for id := 1; id < len(uvals); id++ {
		apply(kindOf(id), &s.vals[id], uvals[id])
	}
}

// Reset resets the scope to its initial (empty) state.
func (s *Scope) Reset() {
	s.mu.Lock()
	s.vals = nil
	s.mu.Unlock()
}

// GobEncode implements a custom gob encoder for scopes.
func (s *Scope) GobEncode() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(s.vals)
	return b.Bytes(), err
}

// GobDecode implements a custom gob decoder for scopes.
func (s *Scope) GobDecode(p []byte) error {
	var vals []int64
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&vals); err != nil {
		return err
	}
	s.mu.Lock()
	s.vals = vals
	s.mu.Unlock()
	return nil
}

// contextKeyType is used to create unique context key for scopes,
// available only to code in this package.
type contextKeyType struct{}

// contextKey is the key used to attach scopes to contexts.
var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by ContextScope.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to the provided context.
// If none is attached, ContextScope returns a fresh scope whose
// values are discarded, so that engines may be used outside of a
// run.
func ContextScope(ctx context.Context) *Scope {
	if s, ok := ctx.Value(contextKey).(*Scope); ok {
		return s
	}
	return new(Scope)
}
