// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package httpengine implements a bigbatch engine that delegates
// batches to a remote batch inference endpoint. Each batch is sent as
// a single POST request with the JSON body
//
//	{"inputs": [{"id": ..., <fields>...}, ...]}
//
// and the endpoint must reply with
//
//	{"outputs": [<result>, ...]}
//
// carrying exactly one result per input, in order.
//
// The engine is registered as "http"; its options are:
//
//	url      the endpoint URL (required)
//	timeout  the per-request timeout (default 10m)
//	retries  the number of retries of failed requests (default 3)
package httpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigbatch"
	"github.com/grailbio/bigbatch/metrics"
)

// Metrics maintained by the engine in the run's metrics scope.
var (
	Requests  = metrics.NewCounter()
	Retries   = metrics.NewCounter()
	LatencyMS = metrics.NewMax()
)

// DefaultRetryPolicy is the policy used to retry failed requests.
var DefaultRetryPolicy = retry.Backoff(time.Second, 30*time.Second, 2)

func init() {
	bigbatch.RegisterEngine("http", func(_ context.Context, opts map[string]string) (bigbatch.Engine, error) {
		return New(opts)
	})
}

// Engine is an HTTP batch inference engine.
type Engine struct {
	URL     string
	Client  *http.Client
	Retries int
	Policy  retry.Policy
}

// New returns an engine configured with the provided options.
func New(opts map[string]string) (*Engine, error) {
	e := &Engine{Retries: 3, Policy: DefaultRetryPolicy}
	timeout := 10 * time.Minute
	for key, val := range opts {
		var err error
		switch key {
		case "url":
			var u *url.URL
			if u, err = url.Parse(val); err == nil && (u.Scheme != "http" && u.Scheme != "https") {
				err = fmt.Errorf("unsupported scheme %q", u.Scheme)
			}
			e.URL = val
		case "timeout":
			timeout, err = time.ParseDuration(val)
		case "retries":
			e.Retries, err = strconv.Atoi(val)
			if err == nil && e.Retries < 0 {
				err = fmt.Errorf("negative value")
			}
		default:
			err = fmt.Errorf("unsupported option")
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("httpengine: option %s=%s", key, val), err)
		}
	}
	if e.URL == "" {
		return nil, errors.E(errors.Invalid, "httpengine: option url is required")
	}
	e.Client = &http.Client{Timeout: timeout}
	return e, nil
}

type request struct {
	Inputs []bigbatch.Item `json:"inputs"`
}

type response struct {
	Outputs []interface{} `json:"outputs"`
}

// Infer implements bigbatch.Engine. Requests that fail with a network
// error or a server error are retried.
func (e *Engine) Infer(ctx context.Context, batch []bigbatch.Item) ([]interface{}, error) {
	body, err := json.Marshal(request{batch})
	if err != nil {
		return nil, errors.E(errors.Invalid, "httpengine: encode batch", err)
	}
	scope := metrics.ContextScope(ctx)
	for retries := 0; ; retries++ {
		start := time.Now()
		outputs, err := e.post(ctx, body)
		Requests.Incr(scope, 1)
		LatencyMS.Observe(scope, time.Since(start).Milliseconds())
		if err == nil {
			if len(outputs) != len(batch) {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("httpengine: %d outputs for %d inputs", len(outputs), len(batch)))
			}
			return outputs, nil
		}
		if !errors.IsTemporary(err) || retries >= e.Retries {
			return nil, err
		}
		log.Error.Printf("httpengine: %s: %v; retrying", e.URL, err)
		Retries.Incr(scope, 1)
		if werr := retry.Wait(ctx, e.Policy, retries); werr != nil {
			return nil, err
		}
	}
}

func (e *Engine) post(ctx context.Context, body []byte) ([]interface{}, error) {
	req, err := http.NewRequest("POST", e.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.E(errors.Net, errors.Temporary, "httpengine: post", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<10))
		err := fmt.Sprintf("httpengine: %s: %s: %s", e.URL, resp.Status, bytes.TrimSpace(msg))
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return nil, errors.E(errors.Unavailable, errors.Temporary, err)
		default:
			return nil, errors.E(errors.Invalid, err)
		}
	}
	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.E(errors.Invalid, "httpengine: decode response", err)
	}
	return r.Outputs, nil
}
