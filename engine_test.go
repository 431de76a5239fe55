// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"context"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestEngineRegistry(t *testing.T) {
	ctx := context.Background()
	RegisterEngine("test-upper", func(_ context.Context, opts map[string]string) (Engine, error) {
		if opts["fail"] != "" {
			return nil, errors.E(errors.Invalid, "bad options")
		}
		return EngineFunc(func(_ context.Context, batch []Item) ([]interface{}, error) {
			results := make([]interface{}, len(batch))
			for i, it := range batch {
				results[i] = "x" + it.ID
			}
			return results, nil
		}), nil
	})
	found := false
	for _, name := range Engines() {
		if name == "test-upper" {
			found = true
		}
	}
	if !found {
		t.Errorf("test-upper not in %v", Engines())
	}
	e, err := NewEngine(ctx, "test-upper", nil)
	if err != nil {
		t.Fatal(err)
	}
	results, err := e.Infer(ctx, []Item{{ID: "a"}, {ID: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := results, []interface{}{"xa", "xb"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := NewEngine(ctx, "test-upper", map[string]string{"fail": "1"}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := NewEngine(ctx, "no-such-engine", nil); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestEcho(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, "echo", nil)
	if err != nil {
		t.Fatal(err)
	}
	fields := map[string]interface{}{"prompt": "hi"}
	results, err := e.Infer(ctx, []Item{{ID: "1", Fields: fields}})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := results, []interface{}{fields}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
