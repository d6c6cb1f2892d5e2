package orchestrator

import (
	"context"
	"errors"
	"time"
)

// Error classes reported to metrics and used by the polling loop.
const (
	ClassTransport  = "transport"
	ClassCheckpoint = "checkpoint"
	ClassFatal      = "fatal"
)

// Classify maps a tick error onto its class.
func Classify(err error) string {
	switch {
	case errors.Is(err, ErrCheckpoint):
		return ClassCheckpoint
	case errors.Is(err, ErrTransport), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassTransport
	default:
		return ClassFatal
	}
}

// IsFatal reports whether the polling loop must stop: submission and merge
// failures need an operator, and a checkpoint that cannot be written makes
// further progress unsafe. Transport errors are retried next interval.
func IsFatal(err error) bool {
	return err != nil && Classify(err) != ClassTransport
}

// Run ticks immediately and then once per interval until the queue is empty,
// a fatal error occurs, or ctx is cancelled. A tick in progress always runs
// to completion before cancellation is observed.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// A tick is a bounded unit of work and is not interrupted mid-way.
		err := o.Tick(context.WithoutCancel(ctx))
		switch {
		case err == nil:
		case IsFatal(err):
			o.log.Error("Tick failed; operator intervention required", "error", err)
			return err
		default:
			o.log.Warn("Tick failed; retrying next interval", "error", err, "interval", interval)
		}

		if o.queue.Len() == 0 {
			o.log.Info("All experiments processed")
			return nil
		}

		select {
		case <-ctx.Done():
			o.log.Info("Stopping; state is checkpointed", "remaining", o.queue.Len())
			return nil
		case <-ticker.C:
		}
	}
}
