package timing

import (
	"time"

	"github.com/vnykmshr/flowpipe/pkg/common/errors"
	"github.com/vnykmshr/flowpipe/pkg/common/validation"
)

const module = "timing"

// HeartbeatInterval is how often rate control is expected to be ticked.
const HeartbeatInterval = time.Second

// MinDataRate is the slowest a connection may drain its response before
// it is considered stalled.
type MinDataRate struct {
	// BytesPerSecond is the required rate.
	BytesPerSecond float64

	// GracePeriod is how long a single write may take regardless of size.
	GracePeriod time.Duration
}

// NewMinDataRate validates and returns a MinDataRate. The grace period
// must exceed HeartbeatInterval.
func NewMinDataRate(bytesPerSecond float64, gracePeriod time.Duration) (*MinDataRate, error) {
	if err := validation.ValidatePositiveFloat(module, "bytes_per_second", bytesPerSecond); err != nil {
		return nil, err
	}
	if gracePeriod <= HeartbeatInterval {
		return nil, errors.NewValidationError(module, "grace_period", gracePeriod, "must exceed the heartbeat interval").
			WithHint("use a grace period longer than " + HeartbeatInterval.String())
	}
	return &MinDataRate{BytesPerSecond: bytesPerSecond, GracePeriod: gracePeriod}, nil
}

// timeToWrite is how long count bytes take at the minimum rate.
func (r *MinDataRate) timeToWrite(count int64) time.Duration {
	return time.Duration(float64(count) / r.BytesPerSecond * float64(time.Second))
}

// EndReason says why a connection was ended.
type EndReason int

const (
	ReasonUnknown EndReason = iota
	ReasonClientDisconnect
	ReasonWriteCanceled
	ReasonMinResponseDataRate
)

// String returns the reason name.
func (r EndReason) String() string {
	switch r {
	case ReasonClientDisconnect:
		return "client_disconnect"
	case ReasonWriteCanceled:
		return "write_canceled"
	case ReasonMinResponseDataRate:
		return "min_response_data_rate"
	default:
		return "unknown"
	}
}

// TimeoutReason says which timeout fired.
type TimeoutReason int

const (
	TimeoutNone TimeoutReason = iota
	TimeoutWriteDataRate
)

// String returns the timeout name.
func (r TimeoutReason) String() string {
	switch r {
	case TimeoutWriteDataRate:
		return "write_data_rate"
	default:
		return "none"
	}
}

// TimeoutControl tracks bytes written against a minimum data rate.
type TimeoutControl interface {
	// BytesWrittenToBuffer extends the write deadline for count bytes
	// about to be flushed.
	BytesWrittenToBuffer(minRate *MinDataRate, count int64)

	// StartTimingWrite marks the start of a flush being waited on.
	StartTimingWrite()

	// StopTimingWrite marks its end.
	StopTimingWrite()
}

// OutputAborter owns the connection lifecycle.
type OutputAborter interface {
	// OnInputOrOutputCompleted is called when the sink reports it will
	// consume no more data.
	OnInputOrOutputCompleted()

	// Abort tears the connection down.
	Abort(err error, reason EndReason)
}

// TimeoutHandler is told when a timeout fires.
type TimeoutHandler interface {
	OnTimeout(reason TimeoutReason)
}

// TimeoutHandlerFunc adapts a function to TimeoutHandler.
type TimeoutHandlerFunc func(reason TimeoutReason)

// OnTimeout calls f(reason).
func (f TimeoutHandlerFunc) OnTimeout(reason TimeoutReason) {
	f(reason)
}

// Clock provides the current time. It can be mocked for testing.
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the system time.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
