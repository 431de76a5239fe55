// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package batchtest provides utilities for testing bigbatch engines
// and jobs. The utilities here are generally not optimized for
// performance or robustness; they are strictly intended for unit
// testing.
package batchtest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
)

// Dataset returns a dataset of n items with ids "0", "1", ..., and a
// "prompt" field.
func Dataset(n int) bigbatch.Items {
	items := make(bigbatch.Items, n)
	for i := range items {
		items[i] = bigbatch.Item{
			ID:     fmt.Sprint(i),
			Fields: map[string]interface{}{"prompt": fmt.Sprintf("prompt %d", i)},
		}
	}
	return items
}

// Result returns the result that Engine computes for item id.
func Result(id string) string {
	return "result-" + id
}

// Engine is an engine that records the batches it is called with.
// Its result for an item is Result(item.ID). Engine is safe for
// concurrent use, so that it may be shared by the workers of a
// multi-worker test.
type Engine struct {
	// Fail, if not nil, is called before each batch with the number of
	// prior calls; a non-nil error fails the call.
	Fail func(call int, batch []bigbatch.Item) error
	// Drop, if true, makes the engine return one result too few.
	Drop bool

	mu    sync.Mutex
	calls [][]string
}

// Infer implements bigbatch.Engine.
func (e *Engine) Infer(ctx context.Context, batch []bigbatch.Item) ([]interface{}, error) {
	ids := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = it.ID
	}
	e.mu.Lock()
	call := len(e.calls)
	e.calls = append(e.calls, ids)
	e.mu.Unlock()
	if e.Fail != nil {
		if err := e.Fail(call, batch); err != nil {
			return nil, err
		}
	}
	results := make([]interface{}, len(batch))
	for i, id := range ids {
		results[i] = Result(id)
	}
	if e.Drop {
		results = results[:len(results)-1]
	}
	return results, nil
}

// Calls returns the ids of the batches the engine was called with,
// in call order.
func (e *Engine) Calls() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.calls...)
}

// Reset forgets the engine's recorded calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.calls = nil
	e.mu.Unlock()
}

// FailAt returns a Fail function that fails the call with index n.
func FailAt(n int) func(int, []bigbatch.Item) error {
	return func(call int, _ []bigbatch.Item) error {
		if call == n {
			return errors.E(errors.Unavailable, fmt.Sprintf("injected failure in call %d", call))
		}
		return nil
	}
}

// NewEngine returns an engine constructor that returns e, suitable
// for exec.Job.NewEngine.
func NewEngine(e bigbatch.Engine) func(context.Context) (bigbatch.Engine, error) {
	return func(context.Context) (bigbatch.Engine, error) {
		return e, nil
	}
}

// ReadRecords reads all records from the output file at path. A
// missing file has no records. Errors are reported as fatal to the
// provided t instance.
func ReadRecords(t testing.TB, path string) []bigbatch.Record {
	t.Helper()
	p, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	var records []bigbatch.Record
	scan := bufio.NewScanner(bytes.NewReader(p))
	scan.Buffer(nil, 64<<20)
	for n := 1; scan.Scan(); n++ {
		if len(bytes.TrimSpace(scan.Bytes())) == 0 {
			continue
		}
		var r bigbatch.Record
		if err := r.UnmarshalJSON(scan.Bytes()); err != nil {
			t.Fatalf("%s:%d: %v", path, n, err)
		}
		records = append(records, r)
	}
	if err := scan.Err(); err != nil {
		t.Fatal(err)
	}
	return records
}

// IDs returns the ids of the provided records, in order.
func IDs(records []bigbatch.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// ReadIDs returns the ids of the records in the output file at path.
func ReadIDs(t testing.TB, path string) []string {
	t.Helper()
	return IDs(ReadRecords(t, path))
}

// Strings formats ints as decimal strings.
func Strings(ints ...int) []string {
	s := make([]string, len(ints))
	for i, n := range ints {
		s[i] = fmt.Sprint(n)
	}
	return s
}
