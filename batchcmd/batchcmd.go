// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batchcmd provides utilities for implementing bigbatch
// command line tools. The main entry point, batchcmd.Main, configures
// a job according to a common set of flags and the bigbatch
// configuration profile, and then runs it, either as one worker of a
// (possibly multi-worker) job, or as the driver of a cluster job.
//
// A batchcmd tool registers its engines and then calls Main:
//
//	func init() {
//		bigbatch.RegisterEngine("my-model", newMyModel)
//	}
//
//	func main() {
//		batchcmd.Main()
//	}
package batchcmd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigbatch/batchconfig"
	"github.com/grailbio/bigbatch/batchflags"
	"github.com/grailbio/bigbatch/exec"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

// Main is a convenient entry point for a batchcmd. Main does not
// return. It parses (global) flags and the configuration profile, runs
// the configured job, and terminates the program: if the job fails,
// the error is reported and the process exits with code 1.
//
// Main starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers and the job's
// status at /debug/status.
func Main() {
	var fl batchflags.Flags
	batchflags.RegisterFlags(flag.CommandLine, &fl, "")
	batchconfig.RegisterFlags()
	log.AddFlags()
	flag.Parse()
	profile, err := batchconfig.Profile()
	if err != nil {
		log.Fatal(err)
	}
	if err := Run(context.Background(), &fl, profile, flag.CommandLine); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Apply applies the profile to the flags that were not set
// explicitly in fs.
func Apply(bf *batchflags.Flags, profile *exec.Profile, fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	prefix := bf.Prefix()
	if !set[prefix+"batch-size"] {
		bf.BatchSize = profile.BatchSize
	}
	if !set[prefix+"sync"] {
		bf.Sync = profile.Sync
	}
	if !set[prefix+"workers"] {
		bf.Workers = profile.Workers
	}
}

// Run runs the job configured by the flags and profile. If a system
// is configured, by flag or by profile, the job runs as a cluster
// job on that system, and Run is its driver. Otherwise, Run runs the
// job as the worker identified by the flags and the environment.
func Run(ctx context.Context, bf *batchflags.Flags, profile *exec.Profile, fs *flag.FlagSet) error {
	Apply(bf, profile, fs)
	config, err := bf.Config()
	if err != nil {
		return err
	}
	var st status.Status
	DisplayStatus(*bf, &st)
	opts := []exec.Option{exec.Status(&st)}

	system := profile.System
	if bf.System.Specified {
		system = bf.System.Provider.System()
	}
	if system != nil {
		log.Printf("running cluster job on %d %s workers", bf.Workers, system.Name())
		_, err := exec.Cluster(ctx, system, config, bf.Workers, opts...)
		return err
	}

	spec, err := bf.Spec(os.Getenv)
	if err != nil {
		return err
	}
	log.SetPrefix(fmt.Sprintf("[rank %d] ", spec.Rank))
	c, err := bf.Coordinator(spec, os.Getenv)
	if err != nil {
		return err
	}
	job, err := config.Job(ctx, spec)
	if err != nil {
		return err
	}
	_, err = exec.Run(ctx, job, append(opts, exec.Coordinator(c))...)
	return err
}

// DisplayStatus arranges for the job's status to be displayed on the
// console and/or a web page depending on the flags specified on the
// command line. The web page is hosted at /debug/status on
// http.DefaultServeMux.
func DisplayStatus(bf batchflags.Flags, st *status.Status) {
	if bf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, st)
	}
	if len(bf.HTTPAddress.Address) > 0 {
		http.Handle("/debug/status", status.Handler(st))
		go func() {
			log.Printf("HTTP Status at: %v", bf.HTTPAddress)
			err := http.ListenAndServe(bf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v", bf.HTTPAddress, err)
			}
		}()
	}
}
