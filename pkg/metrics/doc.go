// Package metrics provides Prometheus instrumentation for flowpipe components.
//
// Writers, concurrent writers and timing flushers accept a *Registry and
// record into it under the writer name they were given. A nil registry
// disables collection.
//
// # Quick Start
//
//	reg := metrics.NewRegistry(prometheus.NewRegistry())
//
//	w, _ := writer.NewWithConfig(sink, writer.Config{
//		Name:    "conn-42",
//		Metrics: reg,
//	})
//
// Then expose metrics via HTTP:
//
//	http.Handle("/metrics", promhttp.Handler())
//	log.Fatal(http.ListenAndServe(":9090", nil))
//
// # Available Metrics
//
// ## Buffered Writer
//
//   - flowpipe_writer_flushes_total: Flushes that reached the sink
//   - flowpipe_writer_bytes_flushed_total: Bytes written to the sink
//   - flowpipe_writer_flushes_canceled_total: Flushes ended by CancelPendingFlush
//   - flowpipe_writer_flush_errors_total: Flushes that failed
//   - flowpipe_writer_flush_duration_seconds: Time spent writing and flushing
//
// ## Segments
//
//   - flowpipe_segment_pool_size: Idle segments held for reuse
//   - flowpipe_segment_allocations_total: Segment rentals, labeled by source ("pool" or "array")
//
// ## Concurrent Writer
//
//   - flowpipe_concurrent_buffered_bytes: Bytes held locally during a flush
//   - flowpipe_concurrent_mode_switches_total: Passthrough/buffering transitions
//   - flowpipe_concurrent_coalesced_flushes_total: Flush calls that joined an outstanding flush
//
// ## Timing
//
//   - flowpipe_timing_write_timeouts_total: Writes below the minimum data rate
//   - flowpipe_timing_aborts_total: Connections aborted, labeled by reason
//
// # Labels
//
//   - writer_name / flusher_name: User-provided component name
//   - source: Memory source of a segment
//   - mode: Mode entered by a concurrent writer
//   - reason: Connection end reason
//
// # Configuration
//
//	config := metrics.Config{
//		Enabled:  true,
//		Registry: prometheus.NewRegistry(), // nil uses DefaultRegistry
//	}
//	reg := config.Resolve()
package metrics
