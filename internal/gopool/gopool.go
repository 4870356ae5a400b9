// Package gopool runs short-lived background jobs (flush loops, flush
// awaiters) on a shared ants worker pool, falling back to plain goroutines
// when the pool is saturated or released.
package gopool

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// DefaultPoolSize is the capacity of the shared pool.
	DefaultPoolSize = 1 << 14

	// ExpiryDuration is how long an idle worker lives before it is reaped.
	ExpiryDuration = 10 * time.Second
)

type antsLogger struct {
	l zerolog.Logger
}

func (a antsLogger) Printf(format string, args ...interface{}) {
	a.l.Error().Msgf(format, args...)
}

var (
	mu     sync.Mutex
	global *ants.Pool
)

func pool() *ants.Pool {
	mu.Lock()
	defer mu.Unlock()

	if global != nil {
		return global
	}

	logger := log.Logger.With().Str("component", "gopool").Logger()
	p, err := ants.NewPool(DefaultPoolSize, ants.WithOptions(ants.Options{
		ExpiryDuration: ExpiryDuration,
		Nonblocking:    true,
		PanicHandler: func(v interface{}) {
			logger.Error().Interface("panic", v).Str("stack", string(debug.Stack())).Msg("panic on worker")
		},
		Logger: antsLogger{l: logger},
	}))
	if err != nil {
		logger.Warn().Err(err).Msg("worker pool unavailable, using plain goroutines")
		return nil
	}
	global = p
	return global
}

// Submit runs task in the background.
func Submit(task func()) {
	if p := pool(); p != nil {
		if err := p.Submit(task); err == nil {
			return
		}
	}
	go task()
}

// Release stops the shared pool's idle workers. Later Submit calls start a
// fresh pool.
func Release() {
	mu.Lock()
	p := global
	global = nil
	mu.Unlock()

	if p != nil {
		p.Release()
	}
}

// Running returns the number of busy workers.
func Running() int {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		return 0
	}
	return global.Running()
}
