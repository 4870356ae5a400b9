package writer

import (
	"context"
	"io"
)

// Sink is the byte-oriented transport a BufferedWriter drains into, such
// as a socket or TLS stream.
type Sink interface {
	// Write writes p in full or returns an error.
	Write(p []byte) (int, error)

	// Flush pushes written bytes further down the transport.
	Flush(ctx context.Context) error

	// Close releases the transport.
	Close() error
}

type flusher interface {
	Flush() error
}

type syncer interface {
	Sync() error
}

type ioSink struct {
	w io.Writer
}

// NewSink adapts w to a Sink. Flush calls w.Flush or w.Sync when w has
// one and Close calls w.Close when w is an io.Closer.
func NewSink(w io.Writer) Sink {
	if s, ok := w.(Sink); ok {
		return s
	}
	return ioSink{w: w}
}

func (s ioSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s ioSink) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch f := s.w.(type) {
	case flusher:
		return f.Flush()
	case syncer:
		return f.Sync()
	}
	return nil
}

func (s ioSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
