// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/dataset"
	"github.com/grailbio/bigmachine"
)

// DefaultBatchSize is the default number of items per engine call.
const DefaultBatchSize = 8

// DefaultOutputPrefix is the default name prefix of workers' output
// files.
const DefaultOutputPrefix = "predictions"

// Config is a serializable description of a job. Unlike a Job, a
// Config describes every worker of the job: each worker derives its
// own Job from it.
type Config struct {
	// Input is the path of the dataset; see package dataset for
	// supported formats.
	Input string
	// MaxItems caps the dataset to its first MaxItems items before
	// it is sharded. Zero means no cap.
	MaxItems int
	// OutputDir is the directory that holds the workers' output
	// files. It must be a local (or locally mounted) directory.
	OutputDir string
	// OutputPrefix is the name prefix of the workers' output files.
	OutputPrefix string
	// Engine is the name of the registered engine.
	Engine string
	// EngineOptions are passed to the engine's factory.
	EngineOptions map[string]string
	// BatchSize, NoResume, Sync, and Total are as in Job.
	BatchSize int
	NoResume  bool
	Sync      bool
	Total     int64
	// Trace writes a Chrome trace of each worker's engine calls next
	// to its output file; see TracePath.
	Trace bool
	// UploadDir is a durable directory, which may be any path
	// supported by github.com/grailbio/base/file (e.g., an S3 prefix).
	// In cluster mode, each worker downloads its prior output from
	// UploadDir before resuming, and uploads its output (and trace)
	// to UploadDir when it finishes, successfully or not. OutputDir is
	// then scratch space on the worker's machine. UploadDir is
	// required for cluster jobs on any system other than
	// bigmachine.Local.
	UploadDir string
}

// Validate checks the configuration for errors. It does not access
// the dataset or construct the engine.
func (c Config) Validate() error {
	switch {
	case c.Input == "":
		return errors.E(errors.Invalid, "no input dataset")
	case c.OutputDir == "":
		return errors.E(errors.Invalid, "no output directory")
	case strings.Contains(c.OutputDir, "://"):
		return errors.E(errors.Invalid, fmt.Sprintf("output directory %s: output must be written to a local path", c.OutputDir))
	case c.Engine == "":
		return errors.E(errors.Invalid, "no engine")
	case c.BatchSize < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid batch size %d", c.BatchSize))
	case c.MaxItems < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid max items %d", c.MaxItems))
	case c.UploadDir != "" && file.Join(c.UploadDir) == file.Join(c.OutputDir):
		return errors.E(errors.Invalid, fmt.Sprintf("upload directory %s is the output directory", c.UploadDir))
	case c.Total < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("invalid total %d", c.Total))
	}
	return nil
}

// Job returns the job of the worker described by spec. The dataset is
// read, but the engine is not constructed until the job is run.
func (c Config) Job(ctx context.Context, spec bigbatch.ShardSpec) (Job, error) {
	if err := c.Validate(); err != nil {
		return Job{}, err
	}
	if err := spec.Validate(); err != nil {
		return Job{}, err
	}
	items, err := dataset.Read(ctx, c.Input)
	if err != nil {
		return Job{}, err
	}
	var src bigbatch.Source = items
	if c.MaxItems > 0 {
		src = bigbatch.Limit(src, c.MaxItems)
	}
	prefix := c.prefix()
	var tracePath string
	if c.Trace {
		tracePath = TracePath(c.OutputDir, prefix, spec.Rank)
	}
	return Job{
		Input:     src,
		Output:    OutputPath(c.OutputDir, prefix, spec.Rank),
		Trace:     tracePath,
		NewEngine: Registered(c.Engine, c.EngineOptions),
		BatchSize: c.BatchSize,
		NoResume:  c.NoResume,
		Sync:      c.Sync,
		Total:     c.Total,
	}, nil
}

// OutputPath returns the path of the output file of the worker with
// the given rank.
func OutputPath(dir, prefix string, rank int) string {
	return file.Join(dir, fmt.Sprintf("%s_rank%d.jsonl", prefix, rank))
}

func (c Config) prefix() string {
	if c.OutputPrefix == "" {
		return DefaultOutputPrefix
	}
	return c.OutputPrefix
}

// TracePath returns the path of the trace file of the worker with the
// given rank.
func TracePath(dir, prefix string, rank int) string {
	return file.Join(dir, fmt.Sprintf("%s_rank%d.trace.json", prefix, rank))
}

// Profile is the execution environment provisioned by the "bigbatch"
// configuration instance.
type Profile struct {
	// BatchSize is the default batch size.
	BatchSize int
	// Sync fsyncs output files after each batch by default.
	Sync bool
	// Workers is the default number of workers in cluster mode.
	Workers int
	// System is the bigmachine system used in cluster mode. It is
	// nil if the profile does not configure one.
	System bigmachine.System
}

func init() {
	config.Register("bigbatch", func(inst *config.Constructor) {
		profile := new(Profile)
		inst.IntVar(&profile.BatchSize, "batch-size", DefaultBatchSize, "number of items per engine call")
		inst.BoolVar(&profile.Sync, "sync", false, "fsync output files after each batch")
		inst.IntVar(&profile.Workers, "workers", 1, "number of workers in cluster mode")
		inst.InstanceVar(&profile.System, "system", "", "the bigmachine system used for cluster jobs")
		inst.Doc = "bigbatch configures the bigbatch runtime"
		inst.New = func() (interface{}, error) {
			if profile.BatchSize < 1 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bigbatch: invalid batch size %d", profile.BatchSize))
			}
			if profile.Workers < 1 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bigbatch: invalid number of workers %d", profile.Workers))
			}
			return profile, nil
		}
	})
}
