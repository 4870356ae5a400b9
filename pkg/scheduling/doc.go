/*
Package scheduling groups the periodic machinery used by the flowpipe
writers.

  - heartbeat: cron driven ticks for rate control and other timers
*/
package scheduling
