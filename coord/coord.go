// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package coord provides rendezvous and reduction among the
// cooperating workers of a multi-worker job.
//
// Workers synchronize twice: at startup, after each has constructed
// its engine, so that no worker starts computing while its siblings
// are still initializing; and at completion, when their statistics
// are reduced into a combined report. Coordination has no timeout: a
// worker that dies before a synchronization point blocks its siblings
// until their contexts are cancelled. Failure detection is left to
// the job scheduler.
package coord

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/grailbio/base/errors"
)

// Op is a reduction operator.
type Op int

const (
	// Sum adds values.
	Sum Op = iota
	// Max takes the largest value.
	Max
	// Min takes the smallest value.
	Min
)

func (op Op) String() string {
	switch op {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case Min:
		return "min"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Reduce reduces vals, which must be nonempty, with op.
func (op Op) Reduce(vals []float64) float64 {
	acc := vals[0]
	for _, v := range vals[1:] {
		switch op {
		case Sum:
			acc += v
		case Max:
			acc = math.Max(acc, v)
		case Min:
			acc = math.Min(acc, v)
		default:
			panic(op)
		}
	}
	return acc
}

// A Coordinator synchronizes a worker with its siblings. Each
// synchronization point is named; every worker must visit the same
// points in the same order, and a name may be used only once.
type Coordinator interface {
	// Rank returns this worker's rank.
	Rank() int
	// WorldSize returns the number of cooperating workers.
	WorldSize() int
	// Barrier returns once every worker has entered the named
	// barrier, or when ctx is done.
	Barrier(ctx context.Context, name string) error
	// AllReduce contributes v to the named reduction and returns the
	// reduction of all workers' contributions under op. Every worker
	// receives the same result.
	AllReduce(ctx context.Context, name string, v float64, op Op) (float64, error)
}

// Single returns the coordinator for a job with a single worker.
func Single() Coordinator { return single{} }

type single struct{}

func (single) Rank() int                                   { return 0 }
func (single) WorldSize() int                              { return 1 }
func (single) Barrier(ctx context.Context, _ string) error { return ctx.Err() }

func (single) AllReduce(ctx context.Context, _ string, v float64, _ Op) (float64, error) {
	return v, ctx.Err()
}

// Agree returns an error unless every worker contributed the same
// value v to the named agreement.
func Agree(ctx context.Context, c Coordinator, name string, v float64) error {
	lo, err := c.AllReduce(ctx, name+"-min", v, Min)
	if err != nil {
		return err
	}
	hi, err := c.AllReduce(ctx, name+"-max", v, Max)
	if err != nil {
		return err
	}
	if lo != hi {
		return errors.E(errors.Invalid, fmt.Sprintf("workers disagree on %s: values range from %v to %v (this worker: %v)", name, lo, hi, v))
	}
	return nil
}

// A Report is a worker's contribution to the completion reduction.
type Report struct {
	// Wall is the wall time of the worker's compute loop.
	Wall time.Duration
	// Samples is the number of items computed by the worker.
	Samples int64
}

// Combined is the reduction of all workers' reports.
type Combined struct {
	// Workers is the number of workers that contributed.
	Workers int
	// Wall is the wall time of the slowest worker: the job is only
	// as fast as its slowest worker.
	Wall time.Duration
	// Samples is the total number of items computed.
	Samples int64
}

// Throughput returns the combined throughput in samples per second.
func (c Combined) Throughput() float64 {
	if c.Wall <= 0 {
		return 0
	}
	return float64(c.Samples) / c.Wall.Seconds()
}

// PerSample returns the effective wall time per sample.
func (c Combined) PerSample() time.Duration {
	if c.Samples == 0 {
		return 0
	}
	return c.Wall / time.Duration(c.Samples)
}

func (c Combined) String() string {
	return fmt.Sprintf("%d workers: %d samples in %s (slowest worker): %.3f samples/s",
		c.Workers, c.Samples, c.Wall.Round(time.Millisecond), c.Throughput())
}

// CombineReports reduces a set of reports: the combined wall time
// is the maximum, and the combined sample count is the sum.
func CombineReports(reports []Report) Combined {
	c := Combined{Workers: len(reports)}
	for _, r := range reports {
		if r.Wall > c.Wall {
			c.Wall = r.Wall
		}
		c.Samples += r.Samples
	}
	return c
}

// Combine performs the completion reduction of report r among the
// workers coordinated by c. All workers must call Combine; all
// receive the same result.
func Combine(ctx context.Context, c Coordinator, r Report) (Combined, error) {
	if err := c.Barrier(ctx, "finish"); err != nil {
		return Combined{}, err
	}
	wall, err := c.AllReduce(ctx, "wall", r.Wall.Seconds(), Max)
	if err != nil {
		return Combined{}, err
	}
	samples, err := c.AllReduce(ctx, "samples", float64(r.Samples), Sum)
	if err != nil {
		return Combined{}, err
	}
	return Combined{
		Workers: c.WorldSize(),
		Wall:    time.Duration(wall * float64(time.Second)),
		Samples: int64(math.Round(samples)),
	}, nil
}
