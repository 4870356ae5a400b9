/*
Package heartbeat drives periodic Tick calls on a cron schedule.

Rate control needs to be ticked about once a second to notice writes that
outlive their deadline. A Heartbeat owns one cron runner and fans each
tick out to every registered Ticker:

	hb := heartbeat.New() // "@every 1s"
	handle := hb.Register(rateControl)
	hb.Start()
	defer hb.Stop(context.Background())
	...
	hb.Unregister(handle)

Ticks that overrun the next scheduled tick are skipped rather than queued,
and a panicking Ticker is recovered and logged.
*/
package heartbeat
