// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package batchtest

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestEngine(t *testing.T) {
	ctx := context.Background()
	data := Dataset(5)
	e := &Engine{Fail: FailAt(1)}
	results, err := e.Infer(ctx, data[:2])
	assert.NoError(t, err)
	expect.EQ(t, results, []interface{}{"result-0", "result-1"})
	_, err = e.Infer(ctx, data[2:])
	expect.True(t, errors.Is(errors.Unavailable, err))
	expect.EQ(t, e.Calls(), [][]string{{"0", "1"}, {"2", "3", "4"}})
	e.Reset()
	expect.EQ(t, len(e.Calls()), 0)
}

func TestReadRecords(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "out.jsonl")
	expect.EQ(t, len(ReadRecords(t, path)), 0)

	data := Dataset(3)
	var p []byte
	for _, it := range data {
		b, err := bigbatch.NewRecord(it, Result(it.ID), bigbatch.Meta{}).MarshalJSON()
		assert.NoError(t, err)
		p = append(p, b...)
		p = append(p, '\n', '\n')
	}
	if err := ioutil.WriteFile(path, p, 0644); err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, ReadIDs(t, path), Strings(0, 1, 2))
}
