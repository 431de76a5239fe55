// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataset

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func ids(items bigbatch.Items) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func TestDecode(t *testing.T) {
	for _, c := range []struct {
		name, data string
		want       []string
	}{
		{"array", `[{"id": "a", "x": 1}, {"id": 7}]`, []string{"a", "7"}},
		{"jsonl", "{\"id\": \"a\"}\n\n{\"id\": \"b\", \"text\": \"hi\"}\n", []string{"a", "b"}},
		{"leading space", "  \n[{\"id\": 1}]", []string{"1"}},
		{"empty", "", nil},
		{"empty array", "[]", []string{}},
	} {
		t.Run(c.name, func(t *testing.T) {
			items, err := Decode(strings.NewReader(c.data))
			assert.NoError(t, err)
			expect.EQ(t, len(items), len(c.want))
			for i, id := range ids(items) {
				expect.EQ(t, id, c.want[i])
			}
		})
	}
}

func TestDecodeFields(t *testing.T) {
	items, err := Decode(strings.NewReader(`{"id": "a", "prompt": "describe", "n": 3}`))
	assert.NoError(t, err)
	assert.EQ(t, len(items), 1)
	expect.EQ(t, items[0].Fields["prompt"], "describe")
	_, ok := items[0].Fields["id"]
	expect.False(t, ok)
}

func TestDecodeInvalid(t *testing.T) {
	for _, data := range []string{
		`{"id": "a"}` + "\n" + `{"id": "a"}`,
		`[{"id": "a"}, {"id": "b"}, {"id": "a"}]`,
		`{"x": 1}`,
		`{"id": ""}`,
		`{"id": "a"`,
		`[{"id": "a"}`,
	} {
		_, err := Decode(strings.NewReader(data))
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: got %v, want invalid", data, err)
		}
	}
}

func TestReadWrite(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	items := bigbatch.Items{
		{ID: "0", Fields: map[string]interface{}{"prompt": "a cat"}},
		{ID: "1", Fields: map[string]interface{}{"prompt": "a dog"}},
		{ID: "2", Fields: map[string]interface{}{}},
	}
	for _, name := range []string{"data.jsonl", "data.jsonl.zst"} {
		path := filepath.Join(dir, name)
		assert.NoError(t, Write(ctx, path, items))
		got, err := Read(ctx, path)
		assert.NoError(t, err)
		assert.EQ(t, ids(got), []string{"0", "1", "2"})
		expect.EQ(t, got[1].Fields["prompt"], "a dog")
	}
	// The compressed file starts with the zstd frame magic number.
	p, err := ioutil.ReadFile(filepath.Join(dir, "data.jsonl.zst"))
	assert.NoError(t, err)
	assert.True(t, len(p) > 4)
	expect.EQ(t, p[:4], []byte{0x28, 0xb5, 0x2f, 0xfd})
}

func TestReadMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	_, err := Read(context.Background(), filepath.Join(dir, "missing.jsonl"))
	if err == nil {
		t.Fatal("expected error")
	}
}
