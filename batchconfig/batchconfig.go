// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batchconfig provides a mechanism to configure the bigbatch
// runtime from a shared configuration. Batchconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.bigbatch/config. For
// example, the profile
//
//	param bigbatch (
//		batch-size = 16
//		workers = 8
//		system = bigmachine/ec2system
//	)
//
// runs cluster jobs of 8 EC2 workers with batches of 16 items.
package batchconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	"github.com/grailbio/bigbatch/exec"
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path determines the location of the bigbatch profile read
// by RegisterFlags and Parse.
var Path = os.ExpandEnv("$HOME/.bigbatch/config")

// RegisterFlags registers the configuration flags with the default
// flag set. The default profile is read from Path.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Profile processes the configuration flags and returns the
// configured bigbatch profile. Profile must be called after the flags
// registered by RegisterFlags are parsed.
func Profile() (*exec.Profile, error) {
	if err := config.ProcessFlags(); err != nil {
		return nil, err
	}
	var profile *exec.Profile
	err := config.Instance("bigbatch", &profile)
	return profile, err
}

// Parse registers configuration flags and calls flag.Parse. It
// returns the bigbatch profile as configured by Path and any flags
// provided. Parse panics if the profile is invalid.
func Parse() *exec.Profile {
	RegisterFlags()
	flag.Parse()
	profile, err := Profile()
	must.Nil(err)
	return profile
}
