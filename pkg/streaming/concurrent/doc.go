/*
Package concurrent provides Writer, a pipe.Writer wrapper that lets a
producer keep writing while a flush of the wrapped writer is still in
flight.

An HTTP response producer should not stall mid-response just because the
previous chunk has not finished going over the wire. Writer forwards calls
to the inner writer while nothing is outstanding (passthrough mode) and
switches to local, pooled segments while a flush is running (buffering
mode). A background loop copies those segments into the inner writer and
flushes again as soon as the previous flush lands.

# Usage

	bw := writer.New(writer.NewSink(conn))
	cw := concurrent.New(bw, memory.Default(), nil, concurrent.WithName("conn-42"))

	_, _ = pipe.Write(cw, header)
	task := cw.FlushAsync(ctx) // does not block

	_, _ = pipe.Write(cw, body) // buffered locally while the header flushes
	res, err := cw.FlushAsync(ctx).Result()

# Flush Cycles

Callers of FlushAsync during an outstanding flush share one task and all
observe the same outcome. When the inner flush reports a canceled result
the current awaiters get that result and data written after them is
flushed under a fresh task. The ctx passed to FlushAsync bounds only that
caller's wait.

An inner flush error is final: the awaiters get it and every later
FlushAsync returns it without touching the inner writer.

# Abort, Complete and Reset

Abort drops buffered bytes without writing them. Complete copies what is
left into the inner writer and completes it. Both defer their cleanup
until an outstanding flush completes. Reset clears the terminal state so a
pooled connection can reuse the writer.

# Locking

New accepts the sync.Locker guarding the writer, so it can be shared with
the owning connection. A nil locker gets a private mutex.
*/
package concurrent
