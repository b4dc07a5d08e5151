// Package finalize writes the final message of a terminal execution to its
// conversation thread exactly once.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/switchyard/internal/model"
	"github.com/seantiz/switchyard/internal/store"
)

// ErrNotTerminal is returned by PersistFinal for an execution that is still
// pending or running.
var ErrNotTerminal = errors.New("execution is not terminal")

// Outcome describes what PersistFinal did.
type Outcome string

const (
	// OutcomePosted means the final message was written by this call.
	OutcomePosted Outcome = "posted"

	// OutcomeAlreadyPosted means another call owns or completed the write.
	OutcomeAlreadyPosted Outcome = "already_posted"

	// OutcomeSkipped means there was nothing to write: the execution has
	// no thread or was cancelled.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeRederived means both writes reported errors but reading the
	// thread back showed the final message had landed.
	OutcomeRederived Outcome = "rederived"
)

// DefaultRetryDelay is the pause before the second write attempt.
const DefaultRetryDelay = 500 * time.Millisecond

// readBackLimit bounds how much of the thread is scanned when reconciling.
const readBackLimit = 10

// releaseTimeout bounds dropping a claim after a failed write. The caller's
// context may already be done at that point.
const releaseTimeout = 5 * time.Second

// Bridge persists final messages. It is safe for concurrent use.
type Bridge struct {
	threads    store.ThreadStore
	claims     store.FinalizationClaims
	logger     *slog.Logger
	retryDelay time.Duration

	// marks holds executions whose final message is being written. Without
	// durable claims it also remembers finished writes.
	marks sync.Map
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRetryDelay sets the pause before the second write attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bridge) { b.retryDelay = d }
}

// WithClaims records finalizations durably so a restarted process does not
// write the same final message again.
func WithClaims(claims store.FinalizationClaims) Option {
	return func(b *Bridge) { b.claims = claims }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// New creates a Bridge writing to threads.
func New(threads store.ThreadStore, opts ...Option) *Bridge {
	b := &Bridge{
		threads:    threads,
		logger:     slog.Default(),
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PersistFinal appends the final message of exec to its thread. Concurrent
// and repeated calls for the same execution write at most once; every caller
// but the first gets OutcomeAlreadyPosted. If the write fails it is retried
// once after the retry delay, then the thread is read back to check whether
// the message landed anyway. A call that ends in an error releases the
// marker so a later call can try again.
func (b *Bridge) PersistFinal(ctx context.Context, exec *model.Execution) (Outcome, error) {
	if exec == nil || !model.IsTerminal(exec.Status) {
		return "", ErrNotTerminal
	}
	msg, ok := FinalMessage(exec)
	if exec.ThreadID == "" || !ok {
		finalizationsTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		return OutcomeSkipped, nil
	}

	if _, loaded := b.marks.LoadOrStore(exec.ID, struct{}{}); loaded {
		finalizationsTotal.WithLabelValues(string(OutcomeAlreadyPosted)).Inc()
		return OutcomeAlreadyPosted, nil
	}

	logger := b.logger.With("execution_id", exec.ID, "thread_id", exec.ThreadID)
	if b.claims != nil {
		defer b.marks.Delete(exec.ID)
		claimed, err := b.claims.ClaimFinalization(ctx, exec.ID)
		if err != nil {
			finalizationsTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("claim finalization: %w", err)
		}
		if !claimed {
			finalizationsTotal.WithLabelValues(string(OutcomeAlreadyPosted)).Inc()
			return OutcomeAlreadyPosted, nil
		}
	}

	outcome, err := b.write(ctx, logger, exec.ThreadID, msg)
	if err != nil {
		b.release(logger, exec.ID)
		finalizationsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	finalizationsTotal.WithLabelValues(string(outcome)).Inc()
	logger.Info("final message persisted", "outcome", string(outcome), "role", msg.Role())
	return outcome, nil
}

// release undoes a claim after a failed write so a later call can retry.
func (b *Bridge) release(logger *slog.Logger, executionID string) {
	if b.claims == nil {
		b.marks.Delete(executionID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := b.claims.ReleaseFinalization(ctx, executionID); err != nil {
		logger.Error("release finalization claim", "error", err)
	}
}

// Posted reports whether a final message for the execution has been
// written or is being written.
func (b *Bridge) Posted(ctx context.Context, executionID string) bool {
	if _, ok := b.marks.Load(executionID); ok {
		return true
	}
	if b.claims == nil {
		return false
	}
	claimed, err := b.claims.FinalizationClaimed(ctx, executionID)
	if err != nil {
		b.logger.Error("read finalization claim", "execution_id", executionID, "error", err)
		return false
	}
	return claimed
}

func (b *Bridge) write(ctx context.Context, logger *slog.Logger, threadID string, msg model.Message) (Outcome, error) {
	err := b.threads.AppendMessage(ctx, threadID, msg)
	if err == nil {
		return OutcomePosted, nil
	}
	logger.Warn("final message write failed, retrying", "error", err, "delay_ms", b.retryDelay.Milliseconds())

	timer := time.NewTimer(b.retryDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return "", fmt.Errorf("persist final message: %w", errors.Join(err, ctx.Err()))
	case <-timer.C:
	}

	retryErr := b.threads.AppendMessage(ctx, threadID, msg)
	if retryErr == nil {
		return OutcomePosted, nil
	}
	logger.Warn("final message retry failed, reading thread back", "error", retryErr)

	recent, readErr := b.threads.ReadRecentMessages(ctx, threadID, readBackLimit)
	if readErr != nil {
		return "", fmt.Errorf("persist final message: %w", errors.Join(retryErr, readErr))
	}
	if containsMessage(recent, msg) {
		return OutcomeRederived, nil
	}
	return "", fmt.Errorf("persist final message: %w", retryErr)
}

// FinalMessage derives the message to persist for a terminal execution.
// Completed executions yield the final AI answer, failed ones a system
// notice. Cancelled executions have no final message.
func FinalMessage(exec *model.Execution) (model.Message, bool) {
	at := time.Now()
	if exec.EndTime != nil {
		at = *exec.EndTime
	}
	switch exec.Status {
	case model.StatusCompleted:
		content := exec.Result
		workerID := exec.TargetWorkerID
		for i := len(exec.Messages) - 1; i >= 0; i-- {
			ai, ok := exec.Messages[i].(model.AIMessage)
			if !ok || ai.Content == "" {
				continue
			}
			if content == "" {
				content = ai.Content
			}
			if ai.WorkerID != "" {
				workerID = ai.WorkerID
			}
			break
		}
		if content == "" {
			return nil, false
		}
		return model.AIMessage{Content: content, WorkerID: workerID, SentAt: at}, true
	case model.StatusFailed:
		reason := exec.Error
		if reason == "" {
			reason = "unknown error"
		}
		return model.SystemMessage{Content: "The request could not be completed: " + reason, SentAt: at}, true
	}
	return nil, false
}

func containsMessage(msgs model.Messages, want model.Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == want.Role() && msgs[i].Text() == want.Text() {
			return true
		}
	}
	return false
}
