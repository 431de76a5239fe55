// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

// A Source is an ordered, indexable dataset. The order of a source
// must be the same for every worker of a job and across restarts.
type Source interface {
	// Len returns the number of items in the source.
	Len() int
	// At returns the i'th item.
	At(i int) Item
}

// Items is a Source backed by a slice.
type Items []Item

// Len implements Source.
func (s Items) Len() int { return len(s) }

// At implements Source.
func (s Items) At(i int) Item { return s[i] }

// Limit returns a source containing at most the first n items of
// src. Limit is applied before sharding so that the cap is global to
// the job rather than per worker. A non-positive n means no limit.
func Limit(src Source, n int) Source {
	if n <= 0 || n >= src.Len() {
		return src
	}
	return limitSource{src, n}
}

type limitSource struct {
	Source
	n int
}

func (s limitSource) Len() int { return s.n }
