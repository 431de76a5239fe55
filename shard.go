// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// ShardSpec identifies a worker among the cooperating workers of a
// job.
type ShardSpec struct {
	// Rank is the worker's zero-based ordinal.
	Rank int
	// WorldSize is the total number of cooperating workers.
	WorldSize int
}

// Validate returns an errors.Invalid error if the spec does not
// describe a valid worker.
func (s ShardSpec) Validate() error {
	switch {
	case s.WorldSize < 1:
		return errors.E(errors.Invalid, fmt.Sprintf("world size %d < 1", s.WorldSize))
	case s.Rank < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d < 0", s.Rank))
	case s.Rank >= s.WorldSize:
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d >= world size %d", s.Rank, s.WorldSize))
	}
	return nil
}

// String returns a "rank-of-size" representation of the spec, e.g.,
// "002-of-016".
func (s ShardSpec) String() string {
	return fmt.Sprintf("%03d-of-%03d", s.Rank, s.WorldSize)
}

// Shard returns the indices of a dataset of n items that are
// assigned to the worker described by spec: the ascending indices i
// with i mod spec.WorldSize == spec.Rank. Shard depends only on its
// arguments, so all workers of a job agree on the partitioning, and
// the union of all shards is [0, n), each index appearing exactly
// once.
func Shard(n int, spec ShardSpec) ([]int, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("negative dataset size %d", n))
	}
	var m int
	if spec.Rank < n {
		m = (n-spec.Rank-1)/spec.WorldSize + 1
	}
	indices := make([]int, 0, m)
	for i := spec.Rank; i < n; i += spec.WorldSize {
		indices = append(indices, i)
	}
	return indices, nil
}

// Fingerprint returns a hash of the ordered ids of src. Workers that
// see the same dataset compute the same fingerprint; it is exchanged
// at startup to detect workers configured with different inputs.
func Fingerprint(src Source) uint64 {
	h := murmur3.New64()
	var b [8]byte
	for i := 0; i < src.Len(); i++ {
		id := src.At(i).ID
		binary.LittleEndian.PutUint64(b[:], uint64(len(id)))
		h.Write(b[:])
		h.Write([]byte(id))
	}
	return h.Sum64()
}
