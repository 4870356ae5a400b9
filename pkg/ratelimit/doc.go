/*
Package ratelimit provides bandwidth limiting primitives.

  - bucket: byte token bucket used to pace sinks
*/
package ratelimit
