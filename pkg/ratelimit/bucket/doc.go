/*
Package bucket provides a token bucket measured in bytes.

A Bucket refills at Rate bytes per second up to Burst bytes. WaitN blocks
until n bytes may pass; a request larger than the burst is admitted by
going into debt, so the following request waits for it.

The flowpipe command uses a Bucket behind writer.Throttle to simulate a
peer that drains slowly:

	b := bucket.New(64*1024, 16*1024) // 64 KiB/s, 16 KiB burst
	sink := writer.Throttle(writer.NewSink(conn), b)
*/
package bucket
