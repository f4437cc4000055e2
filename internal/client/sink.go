package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ErrSinkOpen is returned while the breaker is refusing traffic.
var ErrSinkOpen = errors.New("telemetry sink circuit open")

// Sink ships step telemetry to an Arrow Flight collector.
type Sink struct {
	client  *FlightClient
	builder *RecordBuilder
	breaker *Breaker
	dataset string
}

type SinkOption func(*Sink)

// WithBreaker overrides the default breaker thresholds.
func WithBreaker(maxFailures int, cooldown time.Duration) SinkOption {
	return func(s *Sink) { s.breaker = NewBreaker(maxFailures, cooldown) }
}

func NewSink(addr, dataset string, opts ...SinkOption) (*Sink, error) {
	fc, err := NewFlightClient(addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	s := &Sink{
		client:  fc,
		builder: NewRecordBuilder(memory.NewGoAllocator()),
		breaker: NewBreaker(5, 30*time.Second),
		dataset: dataset,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Push sends one batch of step rows. A refused or failed push returns
// an error for the caller to log; it must never be treated as fatal.
func (s *Sink) Push(ctx context.Context, rows []StepRow) error {
	if len(rows) == 0 {
		return nil
	}
	if !s.breaker.Allow() {
		return ErrSinkOpen
	}

	rec, err := s.builder.BuildRecord(rows)
	if err != nil {
		return fmt.Errorf("build record: %w", err)
	}
	defer rec.Release()

	if err := s.client.DoPut(ctx, s.dataset, rec); err != nil {
		s.breaker.Failure()
		return fmt.Errorf("push %d rows: %w", len(rows), err)
	}
	s.breaker.Success()
	return nil
}

// State exposes the breaker state for stats reporting.
func (s *Sink) State() BreakerState {
	return s.breaker.State()
}

func (s *Sink) Close() error {
	return s.client.Close()
}
