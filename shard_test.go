// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestShardPartition(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 10, 100, 1001} {
		for _, w := range []int{1, 2, 3, 7, 16, 150} {
			seen := make([]int, n)
			for r := 0; r < w; r++ {
				shard, err := Shard(n, ShardSpec{Rank: r, WorldSize: w})
				if err != nil {
					t.Fatal(err)
				}
				for j, i := range shard {
					if i%w != r {
						t.Errorf("n=%d w=%d: index %d assigned to rank %d", n, w, i, r)
					}
					if j > 0 && shard[j-1] >= i {
						t.Errorf("n=%d w=%d r=%d: shard not ascending: %v", n, w, r, shard)
					}
					seen[i]++
				}
			}
			for i, c := range seen {
				if c != 1 {
					t.Errorf("n=%d w=%d: index %d assigned %d times", n, w, i, c)
				}
			}
		}
	}
}

func TestShardScenario(t *testing.T) {
	for _, c := range []struct {
		rank int
		want []int
	}{
		{0, []int{0, 2, 4, 6, 8}},
		{1, []int{1, 3, 5, 7, 9}},
	} {
		got, err := Shard(10, ShardSpec{Rank: c.rank, WorldSize: 2})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("rank %d: got %v, want %v", c.rank, got, c.want)
		}
	}
}

func TestShardDeterministic(t *testing.T) {
	spec := ShardSpec{Rank: 3, WorldSize: 5}
	first, _ := Shard(1000, spec)
	for i := 0; i < 10; i++ {
		again, _ := Shard(1000, spec)
		if !reflect.DeepEqual(first, again) {
			t.Fatal("shard is not deterministic")
		}
	}
}

func TestShardSpecInvalid(t *testing.T) {
	for _, spec := range []ShardSpec{
		{Rank: 2, WorldSize: 2},
		{Rank: 5, WorldSize: 2},
		{Rank: -1, WorldSize: 2},
		{Rank: 0, WorldSize: 0},
	} {
		_, err := Shard(10, spec)
		if err == nil {
			t.Errorf("%+v: expected error", spec)
			continue
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want invalid", spec, err)
		}
	}
	if got, want := (ShardSpec{Rank: 2, WorldSize: 16}).String(), "002-of-016"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFingerprint(t *testing.T) {
	items := func(ids ...string) Items {
		var s Items
		for _, id := range ids {
			s = append(s, Item{ID: id})
		}
		return s
	}
	a := Fingerprint(items("a", "b", "c"))
	if got, want := Fingerprint(items("a", "b", "c")), a; got != want {
		t.Errorf("got %x, want %x", got, want)
	}
	for _, other := range []Items{items("a", "c", "b"), items("ab", "c"), items("a", "b")} {
		if Fingerprint(other) == a {
			t.Errorf("%v: fingerprint collides with %x", other, a)
		}
	}
}

func TestLimit(t *testing.T) {
	var src Items
	for i := 0; i < 10; i++ {
		src = append(src, Item{ID: fmt.Sprint(i)})
	}
	if got, want := Limit(src, 4).Len(), 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := Limit(src, 4).At(3).ID, "3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := Limit(src, 0).Len(), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := Limit(src, 20).Len(), 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
