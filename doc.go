// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigbatch implements a resumable, sharded batch runner for
	expensive synchronous compute steps such as model inference.

	A bigbatch job walks an ordered dataset of Items. Each cooperating
	worker (a "rank" out of a "world size") is statically assigned the
	items whose index is congruent to its rank; see Shard. The worker
	groups its shard into fixed-size batches and calls its Engine once
	per batch. Results are handed to a write-behind writer
	(package writebehind) which appends them, one JSON object per line,
	to the worker's output file on a separate goroutine so that disk
	I/O never stalls the engine.

	Output files double as checkpoints. When a job is restarted with
	resume enabled, the ids already present in the output are skipped
	(package resume): batches whose items are all done are never sent to
	the engine, and partially done batches are filtered down to the
	remaining items. Thus an item is produced at most once per output
	file, and a crash costs at most the batch in flight.

	Multi-worker jobs rendezvous before computing and reduce their
	statistics when done (package coord): the combined wall time is
	that of the slowest worker, and the combined sample count is the
	sum over all workers.

	The runtime lives in package exec; command line tooling in
	batchflags and cmd/bigbatch.
*/
package bigbatch
