// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package trace

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestRecorder(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	start := time.Unix(1000, 0)
	r := NewRecorder(3)
	r.Complete(CatBatch, "batch 0", start, 1500*time.Microsecond, map[string]interface{}{"size": 4})
	r.Instant(CatSkip, "batch 1", start.Add(2*time.Millisecond), nil)
	expect.EQ(t, r.Len(), 2)
	path := filepath.Join(dir, "trace.json")
	assert.NoError(t, r.Write(ctx, path))

	tr, err := Read(ctx, path)
	assert.NoError(t, err)
	assert.EQ(t, len(tr.Events), 2)
	e := tr.Events[0]
	expect.EQ(t, e.Pid, 3)
	expect.EQ(t, e.Ph, "X")
	expect.EQ(t, e.Cat, CatBatch)
	expect.EQ(t, e.Name, "batch 0")
	expect.EQ(t, e.Duration(), 1500*time.Microsecond)
	expect.True(t, e.Start().Equal(start))
	// Numbers decode as float64.
	expect.EQ(t, e.Args["size"], float64(4))
	expect.EQ(t, tr.Events[1].Ph, "i")
	expect.True(t, tr.Events[1].Start().Equal(start.Add(2*time.Millisecond)))
}

func TestReadInvalid(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "bad.json")
	assert.NoError(t, ioutil.WriteFile(path, []byte("not json"), 0644))
	_, err := Read(ctx, path)
	expect.True(t, errors.Is(errors.Invalid, err))
}
