// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package httpengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/metrics"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

// server returns a test server that answers each input with its
// "prompt" field in upper case, failing the first nfail requests
// with the provided status code.
func server(t *testing.T, nfail int32, code int) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= nfail {
			http.Error(w, "try again", code)
			return
		}
		var req struct {
			Inputs []map[string]interface{} `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		outputs := make([]interface{}, len(req.Inputs))
		for i, in := range req.Inputs {
			outputs[i] = map[string]interface{}{"id": in["id"], "text": in["prompt"]}
		}
		if err := json.NewEncoder(w).Encode(map[string]interface{}{"outputs": outputs}); err != nil {
			t.Error(err)
		}
	}))
	return srv, &calls
}

func batch() []bigbatch.Item {
	return []bigbatch.Item{
		{ID: "a", Fields: map[string]interface{}{"prompt": "one"}},
		{ID: "b", Fields: map[string]interface{}{"prompt": "two"}},
	}
}

func newEngine(t *testing.T, url string) *Engine {
	t.Helper()
	e, err := New(map[string]string{"url": url, "retries": "2"})
	assert.NoError(t, err)
	e.Policy = retry.Backoff(time.Millisecond, time.Millisecond, 1)
	return e
}

func TestInfer(t *testing.T) {
	srv, _ := server(t, 0, 0)
	defer srv.Close()
	var scope metrics.Scope
	ctx := metrics.ScopedContext(context.Background(), &scope)
	outputs, err := newEngine(t, srv.URL).Infer(ctx, batch())
	assert.NoError(t, err)
	assert.EQ(t, len(outputs), 2)
	expect.EQ(t, outputs[1], map[string]interface{}{"id": "b", "text": "two"})
	expect.EQ(t, Requests.Value(&scope), int64(1))
	expect.EQ(t, Retries.Value(&scope), int64(0))
}

func TestInferRetry(t *testing.T) {
	srv, calls := server(t, 2, http.StatusServiceUnavailable)
	defer srv.Close()
	var scope metrics.Scope
	ctx := metrics.ScopedContext(context.Background(), &scope)
	outputs, err := newEngine(t, srv.URL).Infer(ctx, batch())
	assert.NoError(t, err)
	expect.EQ(t, len(outputs), 2)
	expect.EQ(t, atomic.LoadInt32(calls), int32(3))
	expect.EQ(t, Retries.Value(&scope), int64(2))
}

func TestInferRetriesExhausted(t *testing.T) {
	srv, calls := server(t, 10, http.StatusInternalServerError)
	defer srv.Close()
	_, err := newEngine(t, srv.URL).Infer(context.Background(), batch())
	expect.True(t, errors.Is(errors.Unavailable, err))
	expect.EQ(t, atomic.LoadInt32(calls), int32(3))
}

func TestInferClientError(t *testing.T) {
	srv, calls := server(t, 1, http.StatusBadRequest)
	defer srv.Close()
	_, err := newEngine(t, srv.URL).Infer(context.Background(), batch())
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.EQ(t, atomic.LoadInt32(calls), int32(1))
}

func TestNew(t *testing.T) {
	for _, opts := range []map[string]string{
		{},
		{"url": "ftp://host/x"},
		{"url": "http://host/x", "timeout": "soon"},
		{"url": "http://host/x", "retries": "-1"},
		{"url": "http://host/x", "model": "big"},
	} {
		_, err := New(opts)
		expect.True(t, errors.Is(errors.Invalid, err))
	}
	e, err := bigbatch.NewEngine(context.Background(), "http", map[string]string{"url": "http://host/x", "timeout": "1s"})
	assert.NoError(t, err)
	expect.EQ(t, e.(*Engine).Client.Timeout, time.Second)
}
