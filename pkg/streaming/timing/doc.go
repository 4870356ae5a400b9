/*
Package timing enforces a minimum response data rate on flushes.

Flusher wraps a pipe.Writer. Before each flush it charges the bytes being
flushed to a TimeoutControl, and while an asynchronous flush is waited on
it marks the write as timed. RateControl is the TimeoutControl used in
production: ticked once per HeartbeatInterval, it reports
TimeoutWriteDataRate when a timed write outlives its deadline.

# Deadlines

For a write of n bytes at MinDataRate r the deadline is the later of

	last tick + HeartbeatInterval + max(r.GracePeriod, n / r.BytesPerSecond)
	previous deadline + n / r.BytesPerSecond

so one small write always gets the grace period, while back to back writes
add up without accumulating grace.

# Aborts

A flush that ends canceled is treated as fatal to the connection: the
OutputAborter gets pipe.ErrConnectionAborted with ReasonWriteCanceled.
Other flush errors are logged and reported as an empty result.

	rc := timing.NewRateControl(timing.TimeoutHandlerFunc(func(timing.TimeoutReason) {
		cancelConn()
	}), nil)
	f := timing.New(rc, logger)
	f.Initialize(w)

	rate, _ := timing.NewMinDataRate(240, 5*time.Second)
	res, err := f.FlushAsync(ctx, rate, int64(n), conn).Result()
*/
package timing
