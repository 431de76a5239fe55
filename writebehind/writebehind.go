// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package writebehind implements an asynchronous, append-only
// record writer. Batches of records are queued by a producer and
// written by a single background goroutine, so that the producer
// never waits for disk I/O.
//
// The writer owns its output file exclusively for its lifetime.
// Output order is the order in which batches are enqueued. Close
// must be called on every exit path: it is the only point at which
// the producer waits for queued batches to become durable.
package writebehind

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/stats"
)

// An Option configures a Writer.
type Option func(w *Writer)

// Sync is an option that causes the writer to fsync the output file
// after each batch, in addition to flushing its buffers.
var Sync Option = func(w *Writer) {
	w.sync = true
}

// item is an entry in the writer's queue. A pill item tells the
// writer goroutine to exit; it is always the last item enqueued.
type item struct {
	batch []bigbatch.Record
	pill  bool
}

// Writer is a write-behind writer of newline-delimited JSON records.
type Writer struct {
	path  string
	file  *os.File
	buf   *bufio.Writer
	sync  bool
	stats *stats.Map
	done  chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	closed bool
	// err is the first write error; once set, all subsequent
	// batches are discarded and the error is returned from Enqueue
	// and Close.
	err error
}

// Open opens the file at path for appending, creating it (and its
// directory) if necessary, and starts the writer goroutine.
func Open(path string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, errors.E(err, fmt.Sprintf("writebehind: create directory for %s", path))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.E(err, fmt.Sprintf("writebehind: open %s", path))
	}
	if err := terminate(f); err != nil {
		f.Close()
		return nil, errors.E(err, fmt.Sprintf("writebehind: repair %s", path))
	}
	w := &Writer{
		path:  path,
		file:  f,
		buf:   bufio.NewWriterSize(f, 1<<20),
		stats: stats.NewMap(),
		done:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w, nil
}

// terminate appends a newline to f if its last line is unterminated,
// as it is when a previous writer crashed mid-record. The partial
// record then remains a malformed line of its own, and records
// appended after it stay intact.
func terminate(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	log.Error.Printf("writebehind %s: terminating partial last line", f.Name())
	_, err = f.Write([]byte{'\n'})
	return err
}

// Path returns the path of the writer's output file.
func (w *Writer) Path() string { return w.path }

// Enqueue queues a batch of records to be appended to the output.
// Enqueue does not wait for I/O; the queue is bounded only by
// memory. The writer takes ownership of the batch. Enqueue returns
// an error if a previous batch failed to write, or if the writer
// is closed.
func (w *Writer) Enqueue(batch []bigbatch.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.E(errors.Invalid, fmt.Sprintf("writebehind %s: enqueue after close", w.path))
	}
	if w.err != nil {
		return w.err
	}
	if len(batch) == 0 {
		return nil
	}
	w.queue = append(w.queue, item{batch: batch})
	w.cond.Signal()
	return nil
}

// Pending returns the number of batches that are queued but not yet
// written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stats returns the writer's counters: records and batches written,
// and the number of bytes appended to the output.
func (w *Writer) Stats() stats.Values {
	return w.stats.Snapshot()
}

// Close enqueues the poison pill and waits for the writer goroutine
// to drain the queue and exit. When Close returns, every batch
// enqueued before it has been written and flushed, or else Close
// returns the write error. Close may be called multiple times; later
// calls return the same result.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.queue = append(w.queue, item{pill: true})
		w.cond.Signal()
	}
	w.mu.Unlock()
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 {
			w.cond.Wait()
		}
		it := w.queue[0]
		w.queue[0] = item{}
		w.queue = w.queue[1:]
		failed := w.err != nil
		w.mu.Unlock()

		if it.pill {
			break
		}
		if failed {
			continue
		}
		if err := w.write(it.batch); err != nil {
			log.Error.Printf("writebehind %s: %v", w.path, err)
			w.fail(err)
		}
	}
	if err := w.file.Close(); err != nil {
		w.fail(errors.E(err, fmt.Sprintf("writebehind: close %s", w.path)))
	}
	vals := w.stats.Snapshot()
	log.Debug.Printf("writebehind %s: closed; %d records in %d batches (%s)",
		w.path, vals["records"], vals["batches"], data.Size(vals["bytes"]))
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

// write encodes and appends a batch. The batch is encoded in full
// before anything is written, so that an unencodable record does not
// leave a partial batch in the output.
func (w *Writer) write(batch []bigbatch.Record) error {
	var b bytes.Buffer
	for _, rec := range batch {
		p, err := json.Marshal(rec)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("encode record %s", rec.ID), err)
		}
		b.Write(p)
		b.WriteByte('\n')
	}
	n := b.Len()
	if _, err := b.WriteTo(w.buf); err != nil {
		return errors.E(err, "write")
	}
	if err := w.buf.Flush(); err != nil {
		return errors.E(err, "flush")
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return errors.E(err, "sync")
		}
	}
	w.stats.Int("records").Add(int64(len(batch)))
	w.stats.Int("batches").Add(1)
	w.stats.Int("bytes").Add(int64(n))
	return nil
}
