// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package writebehind

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func readRecords(t *testing.T, path string) []bigbatch.Record {
	t.Helper()
	f, err := os.Open(path)
	assert.NoError(t, err)
	defer f.Close()
	var recs []bigbatch.Record
	scan := bufio.NewScanner(f)
	scan.Buffer(nil, 1<<24)
	for scan.Scan() {
		var rec bigbatch.Record
		assert.NoError(t, json.Unmarshal(scan.Bytes(), &rec))
		recs = append(recs, rec)
	}
	assert.NoError(t, scan.Err())
	return recs
}

func TestWriterDurability(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "sub", "out.jsonl")
	w, err := Open(path)
	assert.NoError(t, err)

	fz := fuzz.New()
	fz.NilChance(0)
	var (
		want []string
		next int
	)
	for b := 0; b < 100; b++ {
		var results []string
		fz.NumElements(1, 17).Fuzz(&results)
		batch := make([]bigbatch.Record, len(results))
		for i, result := range results {
			id := fmt.Sprint(next)
			next++
			batch[i] = bigbatch.Record{ID: id, Result: result, Meta: bigbatch.Meta{BatchIndex: b}}
			want = append(want, id)
		}
		assert.NoError(t, w.Enqueue(batch))
	}
	assert.NoError(t, w.Close())

	recs := readRecords(t, path)
	if got, want := len(recs), len(want); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, rec := range recs {
		if got, want := rec.ID, want[i]; got != want {
			t.Fatalf("record %d: got %v, want %v", i, got, want)
		}
	}
	vals := w.Stats()
	expect.EQ(t, vals["records"], int64(len(want)))
	expect.EQ(t, vals["batches"], int64(100))
	info, err := os.Stat(path)
	assert.NoError(t, err)
	expect.EQ(t, vals["bytes"], info.Size())
	expect.EQ(t, w.Pending(), 0)
}

func TestWriterAppends(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "out.jsonl")
	for run := 0; run < 3; run++ {
		w, err := Open(path, Sync)
		assert.NoError(t, err)
		assert.NoError(t, w.Enqueue([]bigbatch.Record{{ID: fmt.Sprint(run), Result: "x"}}))
		assert.NoError(t, w.Close())
	}
	recs := readRecords(t, path)
	expect.EQ(t, len(recs), 3)
	for i, rec := range recs {
		expect.EQ(t, rec.ID, fmt.Sprint(i))
	}
}

func TestWriterClose(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	w, err := Open(filepath.Join(dir, "out.jsonl"))
	assert.NoError(t, err)
	assert.NoError(t, w.Enqueue(nil))
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	err = w.Enqueue([]bigbatch.Record{{ID: "late"}})
	if err == nil {
		t.Fatal("expected error")
	}
	expect.True(t, errors.Is(errors.Invalid, err))
	p, err := ioutil.ReadFile(w.Path())
	assert.NoError(t, err)
	expect.EQ(t, len(p), 0)
}

func TestWriterFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	w, err := Open(filepath.Join(dir, "out.jsonl"))
	assert.NoError(t, err)
	assert.NoError(t, w.Enqueue([]bigbatch.Record{{ID: "0"}}))
	// Wait for the first batch to land, then pull the file out from
	// under the writer.
	for w.Stats()["batches"] == 0 {
		runtime.Gosched()
	}
	assert.NoError(t, w.file.Close())
	assert.NoError(t, w.Enqueue([]bigbatch.Record{{ID: "1"}}))
	for w.Pending() > 0 {
		runtime.Gosched()
	}
	if err := w.Close(); err == nil {
		t.Fatal("expected write error")
	}
	if err := w.Enqueue([]bigbatch.Record{{ID: "2"}}); err == nil {
		t.Fatal("expected error")
	}
	recs := readRecords(t, w.Path())
	expect.EQ(t, len(recs), 1)
}

func TestWriterUnencodable(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	w, err := Open(filepath.Join(dir, "out.jsonl"))
	assert.NoError(t, err)
	assert.NoError(t, w.Enqueue([]bigbatch.Record{{ID: "0"}, {ID: "1", Result: make(chan int)}}))
	assert.NoError(t, w.Enqueue([]bigbatch.Record{{ID: "2"}}))
	if err := w.Close(); err == nil {
		t.Fatal("expected encoding error")
	}
	// No part of the failed batch, nor anything after it, is written.
	expect.EQ(t, len(readRecords(t, w.Path())), 0)
}

func TestWriterTornTail(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "out.jsonl")
	// A previous writer crashed in the middle of record 1.
	assert.NoError(t, ioutil.WriteFile(path, []byte(`{"id":"0","result":"x"}`+"\n"+`{"id":"1","res`), 0644))
	w, err := Open(path)
	assert.NoError(t, err)
	assert.NoError(t, w.Enqueue([]bigbatch.Record{{ID: "1", Result: "y"}, {ID: "2", Result: "y"}}))
	assert.NoError(t, w.Close())

	p, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(p), "\n"), "\n")
	assert.EQ(t, len(lines), 4)
	expect.EQ(t, lines[1], `{"id":"1","res`)
	for _, i := range []int{0, 2, 3} {
		var rec bigbatch.Record
		assert.NoError(t, json.Unmarshal([]byte(lines[i]), &rec))
		expect.EQ(t, rec.ID, fmt.Sprint([]int{0, 0, 1, 2}[i]))
	}
	expect.EQ(t, w.Stats()["bytes"], int64(len(p)-len(lines[0])-len(lines[1])-2))

	// A terminated file is left as is.
	w, err = Open(path)
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	q, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	expect.EQ(t, len(q), len(p))
}
