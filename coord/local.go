// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

// A Group coordinates workers that run within a single process,
// for example as goroutines in tests or in local multi-worker runs.
type Group struct {
	n      int
	mu     sync.Mutex
	cond   *ctxsync.Cond
	rounds map[string]*round
}

type round struct {
	op      Op
	vals    []float64
	arrived []bool
	n       int
	result  float64
}

// NewGroup returns a group of n workers.
func NewGroup(n int) *Group {
	if n < 1 {
		panic(fmt.Sprintf("coord.NewGroup: invalid group size %d", n))
	}
	g := &Group{n: n, rounds: make(map[string]*round)}
	g.cond = ctxsync.NewCond(&g.mu)
	return g
}

// Member returns the coordinator for the worker with the given rank.
func (g *Group) Member(rank int) Coordinator {
	if rank < 0 || rank >= g.n {
		panic(fmt.Sprintf("coord.Group.Member: rank %d out of range [0, %d)", rank, g.n))
	}
	return &member{g, rank}
}

type member struct {
	*Group
	rank int
}

func (m *member) Rank() int      { return m.rank }
func (m *member) WorldSize() int { return m.n }

func (m *member) Barrier(ctx context.Context, name string) error {
	_, err := m.AllReduce(ctx, "barrier:"+name, 0, Sum)
	return err
}

func (m *member) AllReduce(ctx context.Context, name string, v float64, op Op) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rounds[name]
	if r == nil {
		r = &round{op: op, vals: make([]float64, m.n), arrived: make([]bool, m.n)}
		m.rounds[name] = r
	}
	if r.op != op {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("reduction %s: rank %d uses %s, others use %s", name, m.rank, op, r.op))
	}
	if r.arrived[m.rank] {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("reduction %s: rank %d contributed twice", name, m.rank))
	}
	r.vals[m.rank] = v
	r.arrived[m.rank] = true
	r.n++
	if r.n == m.n {
		r.result = op.Reduce(r.vals)
		m.cond.Broadcast()
	}
	for r.n < m.n {
		if err := m.cond.Wait(ctx); err != nil {
			return 0, err
		}
	}
	// Rounds are retained: names are single-use.
	return r.result, nil
}
