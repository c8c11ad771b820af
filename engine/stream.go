package engine

import (
	"context"
	"errors"
	"io"

	"github.com/BaSui01/geoflow/types"
)

// Stream is a lazy, finite, non-restartable sequence of records, consumed
// item by item. Next returns io.EOF after the last record. Implementations
// must observe ctx between pulls so a cancelled run stops promptly
// mid-stream.
type Stream interface {
	Next(ctx context.Context) (types.Record, error)
	Close() error
}

// sliceStream adapts a materialized record collection to the Stream
// contract.
type sliceStream struct {
	records []types.Record
	pos     int
	closed  bool
}

// NewSliceStream wraps materialized records in a Stream.
func NewSliceStream(records []types.Record) Stream {
	return &sliceStream{records: records}
}

func (s *sliceStream) Next(ctx context.Context) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed || s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// concatStream pulls from each source in order, draining one before moving
// to the next. It is how multiple predecessor outputs feed one streaming
// consumer.
type concatStream struct {
	sources []Stream
	idx     int
}

// ConcatStreams chains several streams into one finite sequence.
func ConcatStreams(sources ...Stream) Stream {
	return &concatStream{sources: sources}
}

func (c *concatStream) Next(ctx context.Context) (types.Record, error) {
	for c.idx < len(c.sources) {
		rec, err := c.sources[c.idx].Next(ctx)
		if errors.Is(err, io.EOF) {
			c.idx++
			continue
		}
		return rec, err
	}
	return nil, io.EOF
}

func (c *concatStream) Close() error {
	var firstErr error
	for _, s := range c.sources {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FuncStream builds a Stream from a pull function, for node implementations
// that generate records on demand. close may be nil.
func FuncStream(next func(ctx context.Context) (types.Record, error), closeFn func() error) Stream {
	return &funcStream{next: next, closeFn: closeFn}
}

type funcStream struct {
	next    func(ctx context.Context) (types.Record, error)
	closeFn func() error
	done    bool
}

func (f *funcStream) Next(ctx context.Context) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.done {
		return nil, io.EOF
	}
	rec, err := f.next(ctx)
	if err != nil {
		f.done = true
	}
	return rec, err
}

func (f *funcStream) Close() error {
	f.done = true
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

// Materialize drains a stream into a slice, checking cancellation between
// pulls and consulting the memory tracker before growing the buffer. It is
// the bridge from a streaming producer to a batch-only consumer.
func Materialize(ctx context.Context, s Stream, tracker *MemoryTracker) ([]types.Record, error) {
	defer s.Close()

	var out []types.Record
	for {
		rec, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if tracker != nil && len(out)%materializeCheckEvery == 0 {
			if err := tracker.CheckPressure(); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
}

// materializeCheckEvery bounds how often Materialize consults the memory
// tracker; ReadMemStats is too expensive to call per record.
const materializeCheckEvery = 1024
