// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dataset reads and writes bigbatch datasets. A dataset is
// either a JSON array of objects or a sequence of newline-delimited
// JSON objects (JSONL); each object is an item, and must carry a
// unique "id". Datasets whose path ends in ".zst" are
// zstd-compressed. Paths may name any file supported by
// github.com/grailbio/base/file, including S3 objects.
package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigbatch"
)

// Read reads the dataset at path. Item ids must be unique.
func Read(ctx context.Context, path string) (items bigbatch.Items, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("open dataset %s", path), err)
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil && cerr != nil {
			err = errors.E(fmt.Sprintf("close dataset %s", path), cerr)
		}
	}()
	var r io.Reader = f.Reader(ctx)
	if compressed(path) {
		var zr io.ReadCloser
		if zr, err = zstd.NewReader(r); err != nil {
			return nil, errors.E(fmt.Sprintf("open dataset %s", path), err)
		}
		defer fileio.CloseAndReport(zr, &err)
		r = zr
	}
	items, err = Decode(r)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("read dataset %s", path), err)
	}
	log.Printf("dataset %s: %d items", path, len(items))
	return items, nil
}

// Decode decodes a dataset from r. The format, JSON array or JSONL,
// is inferred from the first non-space byte.
func Decode(r io.Reader) (bigbatch.Items, error) {
	br := bufio.NewReader(r)
	first, err := peek(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items bigbatch.Items
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&items); err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
	} else {
		dec := json.NewDecoder(br)
		for n := 1; ; n++ {
			var it bigbatch.Item
			err := dec.Decode(&it)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("item %d", n), err)
			}
			items = append(items, it)
		}
	}
	seen := make(map[string]int, len(items))
	for i, it := range items {
		if j, ok := seen[it.ID]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("items %d and %d have the same id %q", j, i, it.ID))
		}
		seen[it.ID] = i
	}
	return items, nil
}

func peek(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if !strings.ContainsRune(" \t\r\n", rune(b)) {
			return b, r.UnreadByte()
		}
	}
}

// Write writes items to path as JSONL, compressing it if the path
// ends in ".zst".
func Write(ctx context.Context, path string, items []bigbatch.Item) (err error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("item %s", it.ID), err)
		}
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(fmt.Sprintf("create dataset %s", path), err)
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil && cerr != nil {
			err = errors.E(fmt.Sprintf("close dataset %s", path), cerr)
		}
	}()
	var w io.Writer = f.Writer(ctx)
	if compressed(path) {
		var zw io.WriteCloser
		if zw, err = zstd.NewWriter(w); err != nil {
			return err
		}
		defer fileio.CloseAndReport(zw, &err)
		w = zw
	}
	_, err = w.Write(b.Bytes())
	return err
}

func compressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}
