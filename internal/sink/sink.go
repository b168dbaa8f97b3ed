// Package sink defines the consumer side of the pipeline. Every sink owns one
// relay queue and forwards what it pops to its transport.
package sink

import (
	"context"

	"github.com/srg/rowflo/internal/queue"
)

// Sink forwards telemetry lines until ctx is done or its transport fails.
type Sink interface {
	Run(ctx context.Context) error
}

// Drain pops lines from q and hands each to fn until ctx is done. An error
// from fn ends the drain.
func Drain(ctx context.Context, q *queue.RelayQueue[string], fn func(line string) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-q.C():
			if !ok {
				return nil
			}
			if err := fn(line); err != nil {
				return err
			}
		}
	}
}
