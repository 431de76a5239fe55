// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigbatch/internal/trace"
)

func traceUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigbatch trace path...

Command trace summarizes the engine call durations recorded in the
traces written by workers run with -trace. Paths may be local or s3.
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func traceCmd(args []string) {
	flags := flag.NewFlagSet("bigbatch trace", flag.ExitOnError)
	flags.Usage = func() { traceUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() == 0 {
		flags.Usage()
	}
	ctx := context.Background()
	var events []trace.Event
	for _, path := range flags.Args() {
		t, err := trace.Read(ctx, path)
		if err != nil {
			log.Fatalf("read trace %s: %v", path, err)
		}
		events = append(events, t.Events...)
	}
	writeRankStats(os.Stdout, rankStats(events))
}

// rankStat summarizes the engine calls of a single rank.
type rankStat struct {
	rank    int
	batches int
	skipped int
	items   int
	total   time.Duration
	min     time.Duration
	q1      time.Duration
	q2      time.Duration
	q3      time.Duration
	max     time.Duration
}

// rankStats computes per-rank statistics from trace events, ordered
// by rank. Ranks whose batches were all skipped have zero durations.
func rankStats(events []trace.Event) []rankStat {
	var (
		byRank    = make(map[int]*rankStat)
		durations = make(map[int][]time.Duration)
	)
	stat := func(rank int) *rankStat {
		s := byRank[rank]
		if s == nil {
			s = &rankStat{rank: rank}
			byRank[rank] = s
		}
		return s
	}
	for _, e := range events {
		switch e.Cat {
		case trace.CatBatch:
			s := stat(e.Pid)
			s.batches++
			if size, ok := e.Args["size"].(float64); ok {
				s.items += int(size)
			}
			s.total += e.Duration()
			durations[e.Pid] = append(durations[e.Pid], e.Duration())
		case trace.CatSkip:
			stat(e.Pid).skipped++
		}
	}
	stats := make([]rankStat, 0, len(byRank))
	for rank, s := range byRank {
		if ds := durations[rank]; len(ds) > 0 {
			sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
			s.min, s.max = ds[0], ds[len(ds)-1]
			s.q1, s.q2, s.q3 = quartiles(ds)
		}
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].rank < stats[j].rank })
	return stats
}

func writeRankStats(w io.Writer, stats []rankStat) {
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(&tw, "rank\tbatches\tskipped\titems\ttotal\tmin\tq1\tq2\tq3\tmax")
	for _, s := range stats {
		fmt.Fprintf(&tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.rank, s.batches, s.skipped, s.items,
			round(s.total), round(s.min), round(s.q1), round(s.q2), round(s.q3), round(s.max))
	}
	tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
