/*
Package writer provides BufferedWriter, a pipe.Writer that buffers response
bytes in pooled segments and writes them to a byte sink on flush.

Producers ask for memory, fill it and commit what they wrote. Nothing
reaches the sink until FlushAsync runs, and then every committed byte is
written in the order it was advanced, followed by a sink-level flush.

# Quick Start

	conn, _ := net.Dial("tcp", "example.com:80")
	w := writer.New(writer.NewSink(conn))
	defer w.Complete(nil)

	buf, _ := w.GetMemory(0)
	n := copy(buf, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	_ = w.Advance(n)

	res, err := w.Flush(context.Background())

# Configuration

	config := writer.Config{
		MinimumSegmentSize: 4096,                 // smallest block per segment
		Pool:               memory.Default(),     // shared slab pool
		MaxSegmentPoolSize: 256,                  // idle segments kept for reuse
		LeaveOpen:          true,                 // do not close the sink on Complete
		Name:               "conn-42",            // metric and log label
		Metrics:            metrics.DefaultRegistry,
	}

	w, err := writer.NewWithConfig(sink, config)

Requests larger than the pool's MaxBufferSize are served from memory.Shared.

# Flushing and Cancellation

FlushAsync returns a *pipe.FlushTask. With nothing buffered the task is
already finished and the sink is not touched.

CancelPendingFlush interrupts the running flush, or the next one that has
data, and that flush reports FlushResult.IsCanceled. The writer stays
usable and bytes that were not written stay buffered. Canceling the context
passed to FlushAsync fails the task with the context error instead.

# Completion

Complete(nil) writes and flushes whatever is still buffered, releases all
segments and closes the sink. Complete with an error drops buffered bytes.
Repeated calls do nothing.

# Thread Safety

A BufferedWriter has one producer, and GetMemory and Advance must not run
while one of its flushes is in flight. Wrap it in a concurrent.Writer when
the producer must keep writing during a flush.
*/
package writer
