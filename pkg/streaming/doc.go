/*
Package streaming holds the response output pipeline.

  - pipe: Writer interface, FlushResult and FlushTask
  - writer: BufferedWriter, segments written to a Sink on flush
  - concurrent: Writer that buffers locally while the inner flush runs
  - timing: Flusher and RateControl for minimum response data rates

Basic usage:

	bw := writer.New(writer.NewSink(conn))
	cw := concurrent.New(bw, memory.Default(), nil)

	f := timing.New(rateControl, logger)
	f.Initialize(cw)

	pipe.Write(cw, chunk)
	res, err := f.FlushAsync(ctx, minRate, int64(len(chunk)), conn).Result()

Every Writer accepts GetMemory, Advance and FlushAsync from one producer.
concurrent.Writer is the only one that allows writes while a flush is
outstanding.
*/
package streaming
