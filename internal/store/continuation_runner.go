// Package store provides the ContinuationRunner for executing deferred
// flow continuations.
package store

import (
	"context"
	"log/slog"
	"time"
)

// ContinuationHandler executes one continuation: it re-reads the contact's
// context and advances the flow. Returning an error schedules a retry.
type ContinuationHandler func(ctx context.Context, cont Continuation) error

// ContinuationRunner periodically claims due continuations from the database
// and dispatches them to the handler.
type ContinuationRunner struct {
	repo           ContinuationRepo
	handler        ContinuationHandler
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewContinuationRunner creates a new ContinuationRunner.
func NewContinuationRunner(repo ContinuationRepo, handler ContinuationHandler, pollInterval time.Duration) *ContinuationRunner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ContinuationRunner{
		repo:           repo,
		handler:        handler,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RecoverStale requeues continuations that were claimed when the process
// crashed. Should be called once at startup.
func (r *ContinuationRunner) RecoverStale() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleContinuations(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("ContinuationRunner.RecoverStale: requeued stale continuations", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *ContinuationRunner) Run(ctx context.Context) {
	slog.Info("ContinuationRunner.Run: starting continuation runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("ContinuationRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// Poll claims and executes due continuations once. Exposed for tests and for
// the synchronous continue endpoint.
func (r *ContinuationRunner) Poll(ctx context.Context) {
	r.poll(ctx)
}

func (r *ContinuationRunner) poll(ctx context.Context) {
	now := time.Now()
	conts, err := r.repo.ClaimDueContinuations(now, r.claimLimit)
	if err != nil {
		slog.Error("ContinuationRunner.poll: claim failed", "error", err)
		return
	}

	for _, cont := range conts {
		slog.Debug("ContinuationRunner.poll: executing continuation", "id", cont.ID, "contactID", cont.ContactID, "attempt", cont.Attempt)
		if err := r.handler(ctx, cont); err != nil {
			slog.Error("ContinuationRunner.poll: continuation failed", "id", cont.ID, "contactID", cont.ContactID, "error", err)
			// Exponential backoff: 30s, 60s, 120s, ...
			backoff := time.Duration(30*(1<<cont.Attempt)) * time.Second
			nextRun := now.Add(backoff)
			if err := r.repo.FailContinuation(cont.ID, err.Error(), nextRun); err != nil {
				slog.Error("ContinuationRunner.poll: fail continuation error", "id", cont.ID, "error", err)
			}
		} else {
			if err := r.repo.CompleteContinuation(cont.ID); err != nil {
				slog.Error("ContinuationRunner.poll: complete continuation error", "id", cont.ID, "error", err)
			}
			slog.Debug("ContinuationRunner.poll: continuation completed", "id", cont.ID, "contactID", cont.ContactID)
		}
	}
}
