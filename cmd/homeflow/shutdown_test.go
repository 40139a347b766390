package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// stuckService only returns when its stop deadline expires.
type stuckService struct {
	stops atomic.Int32
}

func (s *stuckService) Stop(ctx context.Context) error {
	s.stops.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type quickService struct {
	stopped atomic.Bool
}

func (s *quickService) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func TestStopAll_EachServiceHasItsOwnDeadline(t *testing.T) {
	climate, flora := &stuckService{}, &stuckService{}
	energy := &quickService{}
	timeout := 100 * time.Millisecond

	start := time.Now()
	err := stopAll([]namedService{
		{name: "climate", service: climate},
		{name: "flora", service: flora},
		{name: "energy", service: energy},
	}, timeout, zerolog.Nop())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), climate.stops.Load())
	assert.Equal(t, int32(1), flora.stops.Load())
	assert.True(t, energy.stopped.Load())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*timeout, "services must stop in parallel, not one after another")
}

func TestStopAll_NoServices(t *testing.T) {
	assert.NoError(t, stopAll(nil, time.Second, zerolog.Nop()))
}
