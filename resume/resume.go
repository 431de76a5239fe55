// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package resume reconstructs the set of already-completed item ids
// from a (possibly partial) output file written by a previous run.
package resume

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch"
)

// maxLine is the largest output line the scanner accepts. Longer
// lines are reported as malformed.
const maxLine = 64 << 20

// A SkipSet is the set of ids that are already durably recorded in
// an output file. It is built once at startup and is read-only
// afterwards.
type SkipSet map[string]struct{}

// Contains tells whether id is in the set.
func (s SkipSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids in the set.
func (s SkipSet) Len() int { return len(s) }

// ScanStats describes the outcome of a resume scan.
type ScanStats struct {
	// Lines is the number of non-blank lines read.
	Lines int
	// Malformed is the number of lines that were skipped because
	// they could not be parsed.
	Malformed int
	// Duplicates is the number of lines whose id had already been
	// seen in the file.
	Duplicates int
	// Truncated is set if the output file was truncated because a
	// fresh start was requested.
	Truncated bool
}

// Scan builds the skip set for the output file at path, which may
// be a local path or any URL supported by grailbio/base/file.
//
// If the file does not exist, the skip set is empty. If fresh is
// true, the skip set is empty and an existing file is truncated, so
// that records from an earlier run cannot coexist with those of the
// new one; Scan must therefore complete before the output is opened
// for appending.
//
// Lines that are not JSON objects with a scalar, non-empty "id" are
// skipped with a warning: resumption is an optimization, and a
// malformed line (for example, one cut short by a crash) must not
// prevent a restart. The returned set never contains an id that is
// not present in the file.
func Scan(ctx context.Context, path string, fresh bool) (SkipSet, ScanStats, error) {
	var stats ScanStats
	if _, err := file.Stat(ctx, path); err != nil {
		if notExist(err) {
			return SkipSet{}, stats, nil
		}
		return nil, stats, errors.E(err, fmt.Sprintf("resume: stat %s", path))
	}
	if fresh {
		if err := truncate(ctx, path); err != nil {
			return nil, stats, err
		}
		stats.Truncated = true
		log.Printf("resume: fresh start; truncated %s", path)
		return SkipSet{}, stats, nil
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, stats, errors.E(err, fmt.Sprintf("resume: open %s", path))
	}
	defer func() {
		if err := f.Close(ctx); err != nil {
			log.Error.Printf("resume: close %s: %v", path, err)
		}
	}()
	set, err := scan(f.Reader(ctx), path, &stats)
	if err != nil {
		return nil, stats, err
	}
	log.Printf("resume: %s: %d completed ids (%d lines, %d malformed, %d duplicate)",
		path, len(set), stats.Lines, stats.Malformed, stats.Duplicates)
	return set, stats, nil
}

func scan(r io.Reader, path string, stats *ScanStats) (SkipSet, error) {
	set := make(SkipSet)
	br := bufio.NewReaderSize(r, 1<<20)
	for lineno := 1; ; lineno++ {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, errors.E(err, fmt.Sprintf("resume: read %s", path))
		}
		if line = bytes.TrimSpace(line); len(line) > 0 {
			stats.Lines++
			id, perr := parseID(line)
			if perr != nil {
				stats.Malformed++
				log.Error.Printf("resume: %s:%d: skipping malformed record: %v", path, lineno, perr)
			} else if set.Contains(id) {
				stats.Duplicates++
			} else {
				set[id] = struct{}{}
			}
		}
		if err == io.EOF {
			return set, nil
		}
	}
}

func parseID(line []byte) (string, error) {
	if len(line) > maxLine {
		return "", errors.E(errors.Invalid, fmt.Sprintf("line of %d bytes exceeds limit", len(line)))
	}
	var rec struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return "", err
	}
	if rec.ID == nil {
		return "", errors.E(errors.Invalid, "record has no id")
	}
	dec := json.NewDecoder(bytes.NewReader(rec.ID))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	return bigbatch.IDString(v)
}

// Truncate replaces the file at path with an empty one.
func truncate(ctx context.Context, path string) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("resume: truncate %s", path))
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(err, fmt.Sprintf("resume: truncate %s", path))
	}
	return nil
}

func notExist(err error) bool {
	return errors.Is(errors.NotExist, err) || os.IsNotExist(err)
}
