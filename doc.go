/*
Package flowpipe provides the buffered output side of a streaming
connection: pooled memory segments, a pipe writer that batches writes
before they reach a byte sink, a wrapper that keeps accepting writes while
a flush is in flight, and rate control that aborts peers which stop
draining.

Buffers (pkg/buffers):
  - memory: slab and array pools of write buffers
  - segment: buffer segments and a bounded segment stack

Streaming (pkg/streaming):
  - pipe: the Writer contract and shareable flush tasks
  - writer: BufferedWriter over a Sink
  - concurrent: writes while a flush is outstanding
  - timing: minimum data rate enforcement

Scheduling (pkg/scheduling):
  - heartbeat: periodic ticks for rate control

Example usage:

	import (
		"github.com/vnykmshr/flowpipe/pkg/buffers/memory"
		"github.com/vnykmshr/flowpipe/pkg/streaming/concurrent"
		"github.com/vnykmshr/flowpipe/pkg/streaming/pipe"
		"github.com/vnykmshr/flowpipe/pkg/streaming/writer"
	)

	bw := writer.New(writer.NewSink(conn))
	cw := concurrent.New(bw, memory.Default(), nil)

	pipe.Write(cw, payload)
	res, err := cw.FlushAsync(ctx).Result()
*/
package flowpipe
