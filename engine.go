// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// An Engine is the compute step driven by bigbatch. Engines are
// typically expensive to construct (e.g., they load a model onto an
// accelerator) and are owned by exactly one worker.
type Engine interface {
	// Infer computes one result per item in batch. The returned
	// slice must have the same length as batch; result i belongs to
	// item i. Infer is never called with an empty batch, and never
	// concurrently. Errors are fatal to the run.
	Infer(ctx context.Context, batch []Item) ([]interface{}, error)
}

// EngineFunc adapts a function to an Engine.
type EngineFunc func(ctx context.Context, batch []Item) ([]interface{}, error)

// Infer implements Engine.
func (f EngineFunc) Infer(ctx context.Context, batch []Item) ([]interface{}, error) {
	return f(ctx, batch)
}

// An EngineFactory constructs an engine from a set of key=value
// options.
type EngineFactory func(ctx context.Context, opts map[string]string) (Engine, error)

var (
	mu      sync.Mutex
	engines = map[string]EngineFactory{} // protected by mu
)

// RegisterEngine registers a named engine factory. Engines are
// selected by name on the command line and by cluster workers, which
// construct their own engine instances.
func RegisterEngine(name string, factory EngineFactory) {
	mu.Lock()
	defer mu.Unlock()
	if engines[name] != nil {
		log.Panicf("engine %s is already registered", name)
	}
	engines[name] = factory
}

// NewEngine constructs the named engine with the provided options.
func NewEngine(ctx context.Context, name string, opts map[string]string) (Engine, error) {
	mu.Lock()
	factory := engines[name]
	mu.Unlock()
	if factory == nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("engine %q is not registered; available: %v", name, Engines()))
	}
	return factory(ctx, opts)
}

// Engines returns the sorted names of the registered engines.
func Engines() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterEngine("echo", func(context.Context, map[string]string) (Engine, error) {
		return EngineFunc(Echo), nil
	})
}

// Echo is an engine function that returns each item's fields as its
// result. It is useful for testing and dry runs.
func Echo(_ context.Context, batch []Item) ([]interface{}, error) {
	results := make([]interface{}, len(batch))
	for i, it := range batch {
		results[i] = it.Fields
	}
	return results, nil
}
