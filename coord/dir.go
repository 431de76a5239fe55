// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigbatch"
)

// DefaultPollPolicy is the retry policy used by Dir to poll for
// its siblings' contributions.
var DefaultPollPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// Dir coordinates independently launched workers through a shared
// directory, which may be any path supported by
// github.com/grailbio/base/file (e.g., a local or network directory,
// or an S3 prefix). Each worker publishes its contribution to a
// synchronization point as a small file; workers poll until all
// contributions are present.
//
// The directory must be unique to a single launch of the job:
// contributions are never removed, so a directory reused across
// launches would release barriers prematurely. Launches that share a
// parent directory should rendezvous in per-launch subdirectories.
type Dir struct {
	prefix string
	spec   bigbatch.ShardSpec
	// Policy is the polling policy. It defaults to DefaultPollPolicy.
	Policy retry.Policy
}

// NewDir returns a coordinator for the worker described by spec that
// rendezvous in the directory prefix.
func NewDir(prefix string, spec bigbatch.ShardSpec) (*Dir, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		return nil, errors.E(errors.Invalid, "coordination directory not specified")
	}
	return &Dir{prefix: prefix, spec: spec, Policy: DefaultPollPolicy}, nil
}

// Prefix returns the rendezvous directory.
func (d *Dir) Prefix() string { return d.prefix }

// Rank implements Coordinator.
func (d *Dir) Rank() int { return d.spec.Rank }

// WorldSize implements Coordinator.
func (d *Dir) WorldSize() int { return d.spec.WorldSize }

// Barrier implements Coordinator.
func (d *Dir) Barrier(ctx context.Context, name string) error {
	_, err := d.AllReduce(ctx, "barrier-"+name, 0, Sum)
	return err
}

// AllReduce implements Coordinator.
func (d *Dir) AllReduce(ctx context.Context, name string, v float64, op Op) (float64, error) {
	if strings.ContainsAny(name, "/") {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid synchronization point name %q", name))
	}
	if err := d.publish(ctx, name, v); err != nil {
		return 0, errors.E(fmt.Sprintf("coord %s: publish", name), err)
	}
	var (
		vals  = make([]float64, d.spec.WorldSize)
		found = make([]bool, d.spec.WorldSize)
		start = time.Now()
	)
	vals[d.spec.Rank], found[d.spec.Rank] = v, true
	for retries := 0; ; retries++ {
		err := traverse.Each(d.spec.WorldSize, func(rank int) error {
			if found[rank] {
				return nil
			}
			val, err := d.read(ctx, name, rank)
			if err != nil {
				if notExist(err) {
					return nil
				}
				return err
			}
			vals[rank], found[rank] = val, true
			return nil
		})
		if err != nil {
			return 0, errors.E(fmt.Sprintf("coord %s", name), err)
		}
		missing := 0
		for _, ok := range found {
			if !ok {
				missing++
			}
		}
		if missing == 0 {
			log.Debug.Printf("coord %s: all %d workers arrived after %s", name, d.spec.WorldSize, time.Since(start))
			return op.Reduce(vals), nil
		}
		if retries > 0 && retries%20 == 0 {
			log.Printf("coord %s: waiting for %d of %d workers (%s)", name, missing, d.spec.WorldSize, time.Since(start).Round(time.Second))
		}
		if err := retry.Wait(ctx, d.policy(), retries); err != nil {
			return 0, errors.E(fmt.Sprintf("coord %s: %d workers missing", name, missing), err)
		}
	}
}

func (d *Dir) policy() retry.Policy {
	if d.Policy == nil {
		return DefaultPollPolicy
	}
	return d.Policy
}

func (d *Dir) path(name string, rank int) string {
	return file.Join(d.prefix, name, bigbatch.ShardSpec{Rank: rank, WorldSize: d.spec.WorldSize}.String())
}

func (d *Dir) publish(ctx context.Context, name string, v float64) (err error) {
	f, err := file.Create(ctx, d.path(name, d.spec.Rank))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	_, err = f.Writer(ctx).Write([]byte(strconv.FormatFloat(v, 'g', -1, 64)))
	return err
}

func (d *Dir) read(ctx context.Context, name string, rank int) (float64, error) {
	f, err := file.Open(ctx, d.path(name, rank))
	if err != nil {
		return 0, err
	}
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(p)), 64)
	if err != nil {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("rank %d: malformed contribution %q", rank, p), err)
	}
	return v, nil
}

func notExist(err error) bool {
	return errors.Is(errors.NotExist, err) || os.IsNotExist(err)
}
