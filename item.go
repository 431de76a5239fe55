// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigbatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
)

// Reserved record keys. Item fields with these names are shadowed
// in output records.
const (
	KeyID         = "id"
	KeyResult     = "result"
	KeyRank       = "rank"
	KeyBatchIndex = "batch_index"
	KeyBatchTime  = "batch_time_s"
	KeyPerSample  = "per_sample_s"
	KeyRunID      = "run_id"
)

// An Item is a single unit of input. Its ID must be unique across
// the full (unsharded) dataset and stable across runs: resumption
// relies on it. Fields are opaque to bigbatch; they are passed to
// the engine and copied into the item's output record.
type Item struct {
	ID     string
	Fields map[string]interface{}
}

// MarshalJSON encodes the item as a flat JSON object.
func (it Item) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(it.Fields)+1)
	for k, v := range it.Fields {
		m[k] = v
	}
	m[KeyID] = it.ID
	return json.Marshal(m)
}

// UnmarshalJSON decodes a flat JSON object into an item. The object
// must carry a scalar "id"; all other keys become fields.
func (it *Item) UnmarshalJSON(p []byte) error {
	m, err := decodeObject(p)
	if err != nil {
		return err
	}
	raw, ok := m[KeyID]
	if !ok {
		return errors.E(errors.Invalid, "item has no id")
	}
	id, err := IDString(raw)
	if err != nil {
		return err
	}
	delete(m, KeyID)
	it.ID = id
	it.Fields = m
	return nil
}

// Meta is the timing and provenance metadata attached to each
// output record.
type Meta struct {
	// Rank is the rank of the worker that produced the record.
	Rank int
	// BatchIndex is the index of the batch within the worker's shard.
	BatchIndex int
	// BatchTime is the wall time of the engine call that produced
	// the record's batch.
	BatchTime time.Duration
	// PerSample is BatchTime divided by the (filtered) batch size.
	PerSample time.Duration
	// RunID identifies the process run that produced the record.
	RunID string
}

// A Record is the output produced for a single Item. Records are
// serialized as self-describing JSON objects: the item's fields are
// flattened at the top level alongside the reserved keys.
type Record struct {
	ID     string
	Fields map[string]interface{}
	Result interface{}
	Meta   Meta
}

// NewRecord returns the record for item it with the given result.
func NewRecord(it Item, result interface{}, meta Meta) Record {
	return Record{ID: it.ID, Fields: it.Fields, Result: result, Meta: meta}
}

// MarshalJSON implements json.Marshaler.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Fields)+7)
	for k, v := range r.Fields {
		m[k] = v
	}
	m[KeyID] = r.ID
	m[KeyResult] = r.Result
	m[KeyRank] = r.Meta.Rank
	m[KeyBatchIndex] = r.Meta.BatchIndex
	m[KeyBatchTime] = seconds(r.Meta.BatchTime)
	m[KeyPerSample] = seconds(r.Meta.PerSample)
	if r.Meta.RunID != "" {
		m[KeyRunID] = r.Meta.RunID
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler. It is the inverse of
// MarshalJSON, except that numeric fields are decoded as
// json.Number.
func (r *Record) UnmarshalJSON(p []byte) error {
	m, err := decodeObject(p)
	if err != nil {
		return err
	}
	raw, ok := m[KeyID]
	if !ok {
		return errors.E(errors.Invalid, "record has no id")
	}
	if r.ID, err = IDString(raw); err != nil {
		return err
	}
	r.Result = m[KeyResult]
	r.Meta.Rank = int(number(m[KeyRank]))
	r.Meta.BatchIndex = int(number(m[KeyBatchIndex]))
	r.Meta.BatchTime = time.Duration(number(m[KeyBatchTime]) * float64(time.Second))
	r.Meta.PerSample = time.Duration(number(m[KeyPerSample]) * float64(time.Second))
	r.Meta.RunID, _ = m[KeyRunID].(string)
	for _, key := range []string{KeyID, KeyResult, KeyRank, KeyBatchIndex, KeyBatchTime, KeyPerSample, KeyRunID} {
		delete(m, key)
	}
	r.Fields = m
	return nil
}

// IDString normalizes a decoded JSON id to its string form. Strings
// are returned as is; numbers are returned as their JSON text, so
// that the id 7 and the id "7" are the same. Empty and non-scalar ids
// are invalid.
func IDString(v interface{}) (string, error) {
	var id string
	switch v := v.(type) {
	case string:
		id = v
	case json.Number:
		id = v.String()
	case float64:
		id = fmt.Sprint(v)
	default:
		return "", errors.E(errors.Invalid, fmt.Sprintf("invalid id %v of type %T", v, v))
	}
	if strings.TrimSpace(id) == "" {
		return "", errors.E(errors.Invalid, "empty id")
	}
	return id, nil
}

func decodeObject(p []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	if m == nil {
		return nil, errors.E(errors.Invalid, "not a JSON object")
	}
	return m, nil
}

func number(v interface{}) float64 {
	switch v := v.(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case float64:
		return v
	}
	return 0
}

// Seconds returns d in seconds, rounded to four decimal places.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1e4) / 1e4
}
