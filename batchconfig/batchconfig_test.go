// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batchconfig

import (
	"strings"
	"testing"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigbatch/exec"
)

func TestProfile(t *testing.T) {
	p := config.New()
	err := p.Parse(strings.NewReader(`
param bigbatch (
	batch-size = 16
	sync = true
	workers = 4
)
`))
	if err != nil {
		t.Fatal(err)
	}
	var profile *exec.Profile
	if err := p.Instance("bigbatch", &profile); err != nil {
		t.Fatal(err)
	}
	if got, want := profile.BatchSize, 16; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := profile.Workers, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !profile.Sync {
		t.Error("expected sync")
	}
	if profile.System != nil {
		t.Errorf("unexpected system %v", profile.System)
	}
}

func TestProfileDefaults(t *testing.T) {
	var profile *exec.Profile
	if err := config.New().Instance("bigbatch", &profile); err != nil {
		t.Fatal(err)
	}
	if got, want := profile.BatchSize, exec.DefaultBatchSize; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := profile.Workers, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestProfileInvalid(t *testing.T) {
	p := config.New()
	if err := p.Parse(strings.NewReader("param bigbatch batch-size = 0\n")); err != nil {
		t.Fatal(err)
	}
	var profile *exec.Profile
	if err := p.Instance("bigbatch", &profile); err == nil {
		t.Error("expected error")
	}
}
