// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/internal/trace"
	"github.com/grailbio/bigbatch/metrics"
	"github.com/grailbio/bigbatch/progress"
	"github.com/grailbio/bigbatch/resume"
	"github.com/grailbio/bigbatch/writebehind"
)

// Batches groups the shard indices into consecutive batches of at
// most size indices, preserving their order. Only the last batch may
// be smaller than size.
func Batches(shard []int, size int) [][]int {
	if size < 1 {
		panic(fmt.Sprintf("exec.Batches: invalid batch size %d", size))
	}
	batches := make([][]int, 0, (len(shard)+size-1)/size)
	for len(shard) > 0 {
		n := size
		if n > len(shard) {
			n = len(shard)
		}
		batches = append(batches, shard[:n:n])
		shard = shard[n:]
	}
	return batches
}

// RunStats are the statistics of a worker's batch loop. Items that
// were skipped because a prior run already produced them are not
// counted as computed; they are reported separately.
type RunStats struct {
	// Items is the number of items in the worker's shard.
	Items int
	// Computed is the number of items passed to the engine.
	Computed int64
	// Skipped is the number of items skipped as already done.
	Skipped int64
	// Batches is the number of engine calls.
	Batches int
	// SkippedBatches is the number of batches whose items were all
	// already done.
	SkippedBatches int
	// BatchTime is the total time spent in engine calls.
	BatchTime time.Duration
	// MaxBatchTime is the duration of the slowest engine call.
	MaxBatchTime time.Duration
	// Wall is the wall time of the batch loop.
	Wall time.Duration
}

// AvgBatchTime returns the average duration of an engine call.
func (s RunStats) AvgBatchTime() time.Duration {
	if s.Batches == 0 {
		return 0
	}
	return s.BatchTime / time.Duration(s.Batches)
}

// AvgPerSample returns the average engine time per computed item.
func (s RunStats) AvgPerSample() time.Duration {
	if s.Computed == 0 {
		return 0
	}
	return s.BatchTime / time.Duration(s.Computed)
}

// Throughput returns the number of items computed per second of
// wall time.
func (s RunStats) Throughput() float64 {
	if s.Wall <= 0 {
		return 0
	}
	return float64(s.Computed) / s.Wall.Seconds()
}

func (s RunStats) String() string {
	return fmt.Sprintf("computed %d, skipped %d of %d items in %d batches (%d skipped); "+
		"wall %s, avg batch %s, avg per sample %s, max batch %s, %.3f samples/s",
		s.Computed, s.Skipped, s.Items, s.Batches, s.SkippedBatches,
		s.Wall.Round(time.Millisecond), s.AvgBatchTime().Round(time.Millisecond),
		s.AvgPerSample().Round(time.Microsecond), s.MaxBatchTime.Round(time.Millisecond),
		s.Throughput())
}

// A worker is a loaded job: its shard is computed and its engine is
// constructed.
type worker struct {
	job    Job
	spec   bigbatch.ShardSpec
	shard  []int
	engine bigbatch.Engine
	opts   options
}

// run resumes from the worker's output file and runs the batch loop.
// The output file is closed, and all enqueued records are flushed,
// on every path out of run.
func (w *worker) run(ctx context.Context) (report *Report, err error) {
	report = &Report{
		Spec:    w.spec,
		RunID:   w.opts.runID,
		Output:  w.job.Output,
		Metrics: new(metrics.Scope),
	}
	report.Stats.Items = len(w.shard)
	skip, scan, err := resume.Scan(ctx, w.job.Output, w.job.NoResume)
	report.Scan = scan
	if err != nil {
		return report, err
	}
	var remaining int64
	for _, i := range w.shard {
		if !skip.Contains(w.job.Input.At(i).ID) {
			remaining++
		}
	}
	if skip.Len() > 0 {
		log.Printf("resuming from %s: %d ids done, %d of %d shard items remain",
			w.job.Output, skip.Len(), remaining, len(w.shard))
	}
	var wopts []writebehind.Option
	if w.job.Sync {
		wopts = append(wopts, writebehind.Sync)
	}
	out, err := writebehind.Open(w.job.Output, wopts...)
	if err != nil {
		return report, err
	}
	var (
		tracer *trace.Recorder
		start  = time.Now()
	)
	if w.job.Trace != "" {
		tracer = trace.NewRecorder(w.spec.Rank)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				err = errors.E(err, fmt.Sprintf("also failed to close output: %v", cerr))
			}
		}
		if tracer != nil {
			tracer.Complete(trace.CatRun, fmt.Sprintf("worker %s", w.spec), start, report.Stats.Wall,
				map[string]interface{}{"computed": report.Stats.Computed, "skipped": report.Stats.Skipped})
			if terr := tracer.Write(ctx, w.job.Trace); terr != nil {
				log.Error.Printf("worker %s: write trace %s: %v", w.spec, w.job.Trace, terr)
			}
		}
		report.Writer = out.Stats()
		log.Printf("worker %s: %s; wrote %s to %s", w.spec, report.Stats,
			data.Size(report.Writer["bytes"]), w.job.Output)
		w.opts.eventer.Event("bigbatch:runFinish",
			"runID", w.opts.runID,
			"rank", w.spec.Rank,
			"computed", report.Stats.Computed,
			"skipped", report.Stats.Skipped,
			"batches", report.Stats.Batches,
			"wallSeconds", report.Stats.Wall.Seconds(),
			"error", err != nil)
	}()

	batches := Batches(w.shard, w.job.BatchSize)
	total := w.job.Total
	if total == 0 {
		total = remaining
	}
	reporter := progress.Reporter{
		Total:     total,
		NumBatch:  len(batches),
		BatchSize: w.job.BatchSize,
	}
	if w.opts.status != nil {
		reporter.Task = w.opts.status.Group(fmt.Sprintf("worker %s", w.spec)).Start()
		defer reporter.Task.Done()
	}
	w.opts.eventer.Event("bigbatch:runStart",
		"runID", w.opts.runID,
		"rank", w.spec.Rank,
		"worldSize", w.spec.WorldSize,
		"items", len(w.shard),
		"remaining", remaining,
		"batchSize", w.job.BatchSize)

	ictx := metrics.ScopedContext(ctx, report.Metrics)
	stats := &report.Stats
	start = time.Now()
	defer func() {
		stats.Wall = time.Since(start)
	}()
	for index, batch := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		items := make([]bigbatch.Item, 0, len(batch))
		for _, i := range batch {
			it := w.job.Input.At(i)
			if skip.Contains(it.ID) {
				stats.Skipped++
				continue
			}
			items = append(items, it)
		}
		if len(items) == 0 {
			stats.SkippedBatches++
			reporter.Skipped(index)
			if tracer != nil {
				tracer.Instant(trace.CatSkip, fmt.Sprintf("batch %d", index), time.Now(), nil)
			}
			continue
		}
		batchStart := time.Now()
		results, err := w.engine.Infer(ictx, items)
		batchTime := time.Since(batchStart)
		if err != nil {
			return report, errors.E(err, fmt.Sprintf("infer batch %d", index))
		}
		if len(results) != len(items) {
			return report, errors.E(errors.Invalid,
				fmt.Sprintf("infer batch %d: engine returned %d results for %d items", index, len(results), len(items)))
		}
		meta := bigbatch.Meta{
			Rank:       w.spec.Rank,
			BatchIndex: index,
			BatchTime:  batchTime,
			PerSample:  batchTime / time.Duration(len(items)),
			RunID:      w.opts.runID,
		}
		records := make([]bigbatch.Record, len(items))
		for i, it := range items {
			records[i] = bigbatch.NewRecord(it, results[i], meta)
		}
		if err := out.Enqueue(records); err != nil {
			return report, err
		}
		if tracer != nil {
			tracer.Complete(trace.CatBatch, fmt.Sprintf("batch %d", index), batchStart, batchTime,
				map[string]interface{}{"size": len(items)})
		}
		stats.Batches++
		stats.Computed += int64(len(items))
		stats.BatchTime += batchTime
		if batchTime > stats.MaxBatchTime {
			stats.MaxBatchTime = batchTime
		}
		reporter.Batch(index, len(items), batchTime, stats.Computed, time.Since(start), out.Pending())
		w.opts.eventer.Event("bigbatch:batch",
			"runID", w.opts.runID,
			"rank", w.spec.Rank,
			"batchIndex", index,
			"size", len(items),
			"batchSeconds", batchTime.Seconds())
	}
	return report, nil
}
