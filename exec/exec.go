// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the bigbatch worker: it shards a dataset,
// resumes from a worker's prior output, drives the engine over the
// remaining items batch by batch, and hands the results to a
// write-behind writer. Workers of a multi-worker job are synchronized
// by a coord.Coordinator, or, in cluster mode, by a driver that runs
// each worker as a bigmachine service.
package exec

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/coord"
	"github.com/grailbio/bigbatch/metrics"
	"github.com/grailbio/bigbatch/resume"
	"github.com/grailbio/bigbatch/stats"
)

// A Job describes the work of a single worker.
type Job struct {
	// Input is the full, unsharded dataset. Every worker of a job
	// must be given the same dataset.
	Input bigbatch.Source
	// Output is the path of the worker's output file. Each worker of
	// a job must have its own output file; see OutputPath.
	Output string
	// NewEngine constructs the worker's engine. It is called only
	// after the job has been validated.
	NewEngine func(ctx context.Context) (bigbatch.Engine, error)
	// BatchSize is the maximum number of items passed to a single
	// engine call.
	BatchSize int
	// NoResume discards any prior output instead of resuming from it.
	NoResume bool
	// Sync fsyncs the output file after each batch.
	Sync bool
	// Total overrides the number of items used to estimate the
	// remaining time. By default, it is the number of items of the
	// worker's shard that remain after resumption.
	Total int64
	// Trace is the path to which a Chrome trace of the worker's
	// engine calls is written when the run finishes. No trace is
	// written if it is empty.
	Trace string
}

// Registered returns an engine constructor for the registered engine
// with the provided name and options.
func Registered(name string, opts map[string]string) func(ctx context.Context) (bigbatch.Engine, error) {
	return func(ctx context.Context) (bigbatch.Engine, error) {
		return bigbatch.NewEngine(ctx, name, opts)
	}
}

// A Report describes the outcome of a worker's run.
type Report struct {
	// Spec identifies the worker.
	Spec bigbatch.ShardSpec
	// RunID identifies the run; it is stamped into every record.
	RunID string
	// Output is the worker's output file.
	Output string
	// Stats are the batch loop's statistics.
	Stats RunStats
	// Scan describes the resumption scan of the output file.
	Scan resume.ScanStats
	// Writer contains the write-behind writer's counters.
	Writer stats.Values
	// Metrics holds user-defined metrics maintained by the engine.
	Metrics *metrics.Scope
	// Combined is the reduction of all workers' reports. It is
	// set only for multi-worker jobs.
	Combined *coord.Combined
}

// Option represents a run configuration parameter value.
type Option func(o *options)

type options struct {
	coord   coord.Coordinator
	status  *status.Status
	eventer eventlog.Eventer
	runID   string
}

func makeOptions(opts []Option) options {
	o := options{coord: coord.Single(), eventer: eventlog.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.New().String()
	}
	return o
}

// Coordinator configures the run with the coordinator that
// identifies the worker and synchronizes it with its siblings. By
// default, a run is the single worker of its job.
func Coordinator(c coord.Coordinator) Option {
	return func(o *options) {
		o.coord = c
	}
}

// Status configures the run with a status object to which batch
// progress is reported.
func Status(s *status.Status) Option {
	return func(o *options) {
		o.status = s
	}
}

// Eventer configures the run with an Eventer that will be used to
// log run events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(o *options) {
		o.eventer = e
	}
}

// RunID configures the run's identifier. By default, a random
// identifier is generated.
func RunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// Run runs the job as the worker identified by the configured
// coordinator. Run validates the job and computes the worker's shard
// before the engine is constructed. Once the engine is ready, the
// worker waits at the startup barrier for its siblings, resumes from
// its output file, and processes the remaining batches of its shard.
// Finally, the workers' reports are combined.
//
// Output computed before an error is always flushed to the output
// file; a subsequent run resumes after it.
func Run(ctx context.Context, job Job, opts ...Option) (*Report, error) {
	o := makeOptions(opts)
	c := o.coord
	spec := bigbatch.ShardSpec{Rank: c.Rank(), WorldSize: c.WorldSize()}
	w, err := load(ctx, job, spec, o)
	if err != nil {
		return nil, err
	}
	if err := c.Barrier(ctx, "start"); err != nil {
		return nil, errors.E("startup barrier", err)
	}
	if err := coord.Agree(ctx, c, "dataset", w.fingerprint()); err != nil {
		return nil, errors.E(errors.Invalid, "workers were given different datasets", err)
	}
	report, err := w.run(ctx)
	if err != nil {
		return report, err
	}
	if spec.WorldSize == 1 {
		return report, nil
	}
	combined, err := coord.Combine(ctx, c, coord.Report{Wall: report.Stats.Wall, Samples: report.Stats.Computed})
	if err != nil {
		return report, errors.E("combine reports", err)
	}
	report.Combined = &combined
	if spec.Rank == 0 {
		log.Printf("job complete: %s", combined)
	}
	o.eventer.Event("bigbatch:jobFinish",
		"runID", o.runID,
		"rank", spec.Rank,
		"workers", combined.Workers,
		"samples", combined.Samples,
		"wallSeconds", combined.Wall.Seconds())
	return report, nil
}

// load validates the job, computes the worker's shard, and
// constructs the engine.
func load(ctx context.Context, job Job, spec bigbatch.ShardSpec, o options) (*worker, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch {
	case job.Input == nil:
		return nil, errors.E(errors.Invalid, "no input dataset")
	case job.Output == "":
		return nil, errors.E(errors.Invalid, "no output path")
	case job.NewEngine == nil:
		return nil, errors.E(errors.Invalid, "no engine")
	case job.BatchSize < 1:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid batch size %d", job.BatchSize))
	case job.Total < 0:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid total %d", job.Total))
	}
	shard, err := bigbatch.Shard(job.Input.Len(), spec)
	if err != nil {
		return nil, err
	}
	log.Printf("worker %s: %d of %d items, batch size %d, output %s",
		spec, len(shard), job.Input.Len(), job.BatchSize, job.Output)
	engine, err := job.NewEngine(ctx)
	if err != nil {
		return nil, errors.E("construct engine", err)
	}
	return &worker{job: job, spec: spec, shard: shard, engine: engine, opts: o}, nil
}

// fingerprint returns the dataset fingerprint truncated to the 53
// bits that a float64 represents exactly.
func (w *worker) fingerprint() float64 {
	return float64(bigbatch.Fingerprint(w.job.Input) >> 11)
}
