package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// serviceStopTimeout is each service's own drain budget. A store write that
// is retrying keeps its full retry budget inside it.
const serviceStopTimeout = 30 * time.Second

type stoppable interface {
	Stop(ctx context.Context) error
}

type namedService struct {
	name    string
	service stoppable
}

// stopAll stops every service in parallel, each under its own deadline, so
// one slow store cannot use up another family's drain time. It returns once
// every service has stopped.
func stopAll(services []namedService, timeout time.Duration, logger zerolog.Logger) error {
	var g errgroup.Group
	for _, s := range services {
		s := s
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := s.service.Stop(ctx); err != nil {
				logger.Error().Err(err).Str("service", s.name).Msg("Service did not stop cleanly.")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
