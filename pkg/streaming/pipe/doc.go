/*
Package pipe defines the writer contract shared by the flowpipe writers.

Higher layers (HTTP/1.1 output producers, HTTP/2 frame writers) talk to a
Writer only:

	buf, _ := w.GetMemory(len(chunk))
	n := copy(buf, chunk)
	_ = w.Advance(n)

	res, err := w.FlushAsync(ctx).Result()
	if err != nil {
		// the sink failed; tear the connection down
	}
	if res.IsCanceled {
		// CancelPendingFlush was called; the writer is still usable
	}

FlushAsync returns a FlushTask rather than blocking, so a producer can start
a flush and keep going. A FlushTask can be awaited by any number of
goroutines; they all see the same FlushResult or the same error.

Cancellation is reported two ways. A canceled ctx surfaces as ctx.Err()
from the flush. CancelPendingFlush surfaces as FlushResult.IsCanceled, so
callers can tell an interrupted wait apart from a failed write.
*/
package pipe
