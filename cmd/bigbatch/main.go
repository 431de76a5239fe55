// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigbatch runs a bigbatch job:
//
//	bigbatch -input s3://bucket/prompts.jsonl -output-dir out \
//		-engine http -engine-opt url=http://localhost:8000/infer
//
// runs a single worker over the whole dataset. Multi-worker jobs are
// launched by starting one process per worker, each identified by
// -rank and -world-size (or $RANK and $WORLD_SIZE, as set by most
// launchers, or $SLURM_PROCID and $SLURM_NTASKS under SLURM), and
// sharing a rendezvous directory given by -coord-dir. Alternatively,
// a cluster job is driven from a single process with -system.
//
// Bigbatch also provides the following commands:
//
//	bigbatch setup-ec2  configure EC2 for cluster jobs
//	bigbatch trace      summarize the traces of workers run with -trace
//	bigbatch engines    list the available engines
package main

import (
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/batchcmd"
	_ "github.com/grailbio/bigbatch/engine/httpengine"
)

func main() {
	log.SetPrefix("bigbatch: ")
	must.Func = log.Fatal
	if len(os.Args) > 1 {
		switch cmd, args := os.Args[1], os.Args[2:]; cmd {
		case "setup-ec2":
			setupEc2Cmd(args)
			return
		case "trace":
			traceCmd(args)
			return
		case "engines":
			for _, name := range bigbatch.Engines() {
				fmt.Println(name)
			}
			return
		}
	}
	batchcmd.Main()
}
