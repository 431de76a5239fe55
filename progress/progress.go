// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package progress computes processing rates and completion
// estimates, and reports per-batch progress lines.
package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
)

// Estimate returns the processing rate (items per second) and the
// estimated time to completion, given the number of items processed
// so far, the time elapsed, and the total number of items to
// process. The rate is zero if no time has elapsed; the estimate is
// zero if the rate is zero or if processed >= total.
func Estimate(processed int64, elapsed time.Duration, total int64) (rate float64, eta time.Duration) {
	if elapsed <= 0 {
		return 0, 0
	}
	rate = float64(processed) / elapsed.Seconds()
	if rate == 0 || processed >= total {
		return rate, 0
	}
	eta = time.Duration(float64(total-processed) / rate * float64(time.Second))
	return rate, eta
}

// A Reporter reports the progress of a worker's batch loop to the
// log and, if provided, to a status task.
type Reporter struct {
	// Task receives the latest progress line. It may be nil.
	Task *status.Task
	// Total is the number of items the worker expects to compute.
	Total int64
	// NumBatch is the number of batches in the worker's shard.
	NumBatch int
	// BatchSize is the configured batch size.
	BatchSize int
}

// Skipped reports that batch index was skipped because all of its
// items were already done.
func (r *Reporter) Skipped(index int) string {
	line := fmt.Sprintf("[batch %d/%d] skipped (already processed)", index+1, r.NumBatch)
	r.print(line)
	return line
}

// Batch reports the completion of batch index, which computed n
// items in batchTime. Processed is the cumulative number of items
// computed and elapsed the time since the loop started; pending is
// the number of batches waiting to be written.
func (r *Reporter) Batch(index, n int, batchTime time.Duration, processed int64, elapsed time.Duration, pending int) string {
	rate, eta := Estimate(processed, elapsed, r.Total)
	var b strings.Builder
	fmt.Fprintf(&b, "[batch %d/%d] %d samples", index+1, r.NumBatch, n)
	if index+1 == r.NumBatch && n < r.BatchSize {
		b.WriteString(" (final partial batch)")
	}
	fmt.Fprintf(&b, " in %s | total: %d/%d | rate: %.1f samples/s | eta: %s | writer queue: %d",
		round(batchTime), processed, r.Total, rate, round(eta), pending)
	line := b.String()
	r.print(line)
	return line
}

func (r *Reporter) print(line string) {
	log.Printf("%s", line)
	if r.Task != nil {
		r.Task.Print(line)
	}
}

func round(d time.Duration) time.Duration {
	if d > time.Minute {
		return d.Round(time.Second)
	}
	return d.Round(10 * time.Millisecond)
}
