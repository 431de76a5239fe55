// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/coord"
	"github.com/grailbio/bigbatch/metrics"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&clusterWorker{})
}

// A ClusterReport describes the outcome of a cluster job.
type ClusterReport struct {
	// Combined is the reduction of the workers' reports.
	Combined coord.Combined
	// Workers contains each worker's report, indexed by rank.
	Workers []*Report
	// Metrics is the merge of the workers' user-defined metrics.
	Metrics *metrics.Scope
}

// Cluster runs the job described by config on n machines of the
// provided bigmachine system, one worker per machine. The driver (the
// process calling Cluster) first loads the job on every machine:
// each machine reads the dataset, computes its shard, and constructs
// its engine. Only once every machine has loaded does the driver
// start the batch loops; it then combines the workers' reports.
//
// As with any bigmachine program, Cluster must be called from the
// binary's main path in a deterministic manner: worker machines run
// the same binary, and registered engines must be available there.
func Cluster(ctx context.Context, system bigmachine.System, config Config, n int, opts ...Option) (*ClusterReport, error) {
	if n < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid cluster size %d", n))
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if system != bigmachine.Local && config.UploadDir == "" {
		return nil, errors.E(errors.Invalid, fmt.Sprintf(
			"cluster jobs on %s require an upload directory: output written to worker machines is lost when they shut down",
			system.Name()))
	}
	o := makeOptions(opts)
	b := bigmachine.Start(system)
	defer b.Shutdown()

	var group *status.Group
	if o.status != nil {
		group = o.status.Group("bigbatch cluster")
	}
	machines, err := b.Start(ctx, n, bigmachine.Services{"Worker": &clusterWorker{}})
	if err != nil {
		return nil, errors.E("start machines", err)
	}
	tasks := make([]*status.Task, len(machines))
	for rank, m := range machines {
		if group != nil {
			tasks[rank] = group.Startf("worker %s", bigbatch.ShardSpec{Rank: rank, WorldSize: n})
			tasks[rank].Print("waiting for machine to boot")
		}
		defer func(task *status.Task) {
			if task != nil {
				task.Done()
			}
		}(tasks[rank])
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.Wait(bigmachine.Running):
		}
		if err := m.Err(); err != nil {
			return nil, errors.E(fmt.Sprintf("machine %s failed to start", m.Addr), err)
		}
		log.Printf("machine %s is ready for rank %d", m.Addr, rank)
	}
	printf := func(rank int, format string, args ...interface{}) {
		if tasks[rank] != nil {
			tasks[rank].Printf(format, args...)
		}
	}

	start := time.Now()
	fingerprints := make([]uint64, n)
	g, gctx := errgroup.WithContext(ctx)
	for rank, m := range machines {
		rank, m := rank, m
		g.Go(func() error {
			printf(rank, "loading")
			req := loadRequest{Config: config, Spec: bigbatch.ShardSpec{Rank: rank, WorldSize: n}, RunID: o.runID}
			if err := m.RetryCall(gctx, "Worker.Load", req, &fingerprints[rank]); err != nil {
				printf(rank, "load failed: %v", err)
				return errors.E(fmt.Sprintf("load rank %d on %s", rank, m.Addr), err)
			}
			printf(rank, "loaded")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for rank, fp := range fingerprints {
		if fp != fingerprints[0] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("rank %d read a different dataset than rank 0", rank))
		}
	}
	log.Printf("all %d workers loaded in %s", n, time.Since(start))

	reports := make([]*Report, n)
	g, gctx = errgroup.WithContext(ctx)
	for rank, m := range machines {
		rank, m := rank, m
		reports[rank] = new(Report)
		g.Go(func() error {
			printf(rank, "running")
			if err := m.Call(gctx, "Worker.Run", struct{}{}, reports[rank]); err != nil {
				printf(rank, "failed: %v", err)
				return errors.E(fmt.Sprintf("run rank %d on %s", rank, m.Addr), err)
			}
			printf(rank, "done: %s", reports[rank].Stats)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report := &ClusterReport{Workers: reports, Metrics: new(metrics.Scope)}
	contributions := make([]coord.Report, n)
	for rank, r := range reports {
		contributions[rank] = coord.Report{Wall: r.Stats.Wall, Samples: r.Stats.Computed}
		report.Metrics.Merge(r.Metrics)
	}
	report.Combined = coord.CombineReports(contributions)
	log.Printf("job complete: %s", report.Combined)
	o.eventer.Event("bigbatch:jobFinish",
		"runID", o.runID,
		"workers", report.Combined.Workers,
		"samples", report.Combined.Samples,
		"wallSeconds", report.Combined.Wall.Seconds())
	return report, nil
}

type loadRequest struct {
	Config Config
	Spec   bigbatch.ShardSpec
	RunID  string
}

// ClusterWorker is the bigmachine service that runs a single worker
// of a cluster job.
type clusterWorker struct {
	// Exported satisfies gob, which requires at least one exported
	// field.
	Exported struct{}

	mu     sync.Mutex
	req    loadRequest
	worker *worker
}

// Load loads the job on the machine and replies with the dataset
// fingerprint. Load is idempotent.
func (c *clusterWorker) Load(ctx context.Context, req loadRequest, fingerprint *uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.worker == nil {
		log.SetPrefix(fmt.Sprintf("[rank %d] ", req.Spec.Rank))
		job, err := req.Config.Job(ctx, req.Spec)
		if err != nil {
			return err
		}
		if req.Config.UploadDir != "" && !req.Config.NoResume {
			if err := download(ctx, req.Config, req.Spec.Rank, job.Output); err != nil {
				return err
			}
		}
		w, err := load(ctx, job, req.Spec, makeOptions([]Option{RunID(req.RunID)}))
		if err != nil {
			return err
		}
		c.req = req
		c.worker = w
	}
	*fingerprint = bigbatch.Fingerprint(c.worker.job.Input)
	return nil
}

// Run runs the loaded job's batch loop and replies with the worker's
// report. Engine panics are returned as fatal errors so that the
// driver does not retry the job on another machine.
func (c *clusterWorker) Run(ctx context.Context, _ struct{}, report *Report) (err error) {
	c.mu.Lock()
	w, config := c.worker, c.req.Config
	c.mu.Unlock()
	if w == nil {
		return errors.E(errors.Invalid, "worker was not loaded")
	}
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = errors.E(errors.Fatal, fmt.Sprintf("panic while running rank %d: %v\n%s", w.spec.Rank, e, stack))
		}
	}()
	if config.UploadDir != "" {
		// Output computed before a failure is uploaded too, so that
		// the next run resumes from it.
		defer func() {
			uerr := upload(ctx, config, w.spec.Rank, w.job)
			if uerr == nil {
				report.Output = OutputPath(config.UploadDir, config.prefix(), w.spec.Rank)
				return
			}
			if err == nil {
				err = uerr
			} else {
				err = errors.E(err, fmt.Sprintf("also failed to upload output: %v", uerr))
			}
		}()
	}
	r, err := w.run(ctx)
	if r != nil {
		*report = *r
	}
	return err
}

// download copies the rank's output from the upload directory to
// path, if it has been uploaded before. Any local output at path is
// replaced.
func download(ctx context.Context, config Config, rank int, path string) error {
	src := OutputPath(config.UploadDir, config.prefix(), rank)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return err
	}
	err := copyFile(ctx, path, src)
	switch {
	case err == nil:
		log.Printf("downloaded prior output %s", src)
		return nil
	case errors.Is(errors.NotExist, err) || os.IsNotExist(err):
		return nil
	default:
		return errors.E(fmt.Sprintf("download %s", src), err)
	}
}

// upload copies the job's output, and its trace if any, to the
// upload directory.
func upload(ctx context.Context, config Config, rank int, job Job) error {
	dst := OutputPath(config.UploadDir, config.prefix(), rank)
	if err := copyFile(ctx, dst, job.Output); err != nil {
		return errors.E(fmt.Sprintf("upload %s", dst), err)
	}
	log.Printf("uploaded output to %s", dst)
	if job.Trace != "" {
		dst := TracePath(config.UploadDir, config.prefix(), rank)
		if err := copyFile(ctx, dst, job.Trace); err != nil {
			log.Error.Printf("upload trace %s: %v", dst, err)
		}
	}
	return nil
}

func copyFile(ctx context.Context, dst, src string) (err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	out, err := file.Create(ctx, dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out.Writer(ctx), in.Reader(ctx)); err != nil {
		out.Discard(ctx)
		return err
	}
	return out.Close(ctx)
}
