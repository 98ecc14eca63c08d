// Package poll drives the job-status polling state machine. A Watcher
// owns exactly one timer-driven loop per flow and guarantees at-most-once
// delivery of the terminal outcome, however the loop ends.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/pkg/logger"
)

// DefaultInterval is the fixed polling cadence.
const DefaultInterval = 2 * time.Second

// User-visible terminal messages. ConnectionLost is deliberately distinct
// from a server-reported failure: the job may still be running remotely.
const (
	MsgCompleted      = "audit completed"
	MsgNoResults      = "analysis completed but no results returned"
	MsgServerFailed   = "audit process failed on the server"
	MsgConnectionLost = "lost connection to status server"
)

// StatusSource queries the remote job status. Implementations convert
// transport and decode failures into errors; the watcher maps any error
// to the connection-lost outcome.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (audit.JobStatus, []json.RawMessage, error)
}

// StatusFunc adapts a function to the StatusSource interface.
type StatusFunc func(ctx context.Context, jobID string) (audit.JobStatus, []json.RawMessage, error)

func (f StatusFunc) Status(ctx context.Context, jobID string) (audit.JobStatus, []json.RawMessage, error) {
	return f(ctx, jobID)
}

// Outcome is the single terminal result delivered by a watcher.
type Outcome struct {
	State   audit.FlowState // FlowCompleted, FlowCompletedEmpty, FlowFailed or FlowConnectionLost
	Results []json.RawMessage
	Message string
}

// Watcher polls one job until a terminal state. It must not be reused
// for a second job; each flow owns a fresh watcher.
type Watcher struct {
	source   StatusSource
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	done    bool
}

// NewWatcher creates a watcher over the given status source. A zero
// interval falls back to DefaultInterval.
func NewWatcher(source StatusSource, interval time.Duration, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.NewDefault("poll")
	}
	return &Watcher{source: source, interval: interval, log: log}
}

// Start begins polling jobID, delivering the terminal outcome to deliver
// exactly once. Starting an already-running or finished watcher is an
// error: callers must cancel the previous loop before starting another.
func (w *Watcher) Start(ctx context.Context, jobID string, deliver func(Outcome)) error {
	if deliver == nil {
		return fmt.Errorf("deliver callback required")
	}

	w.mu.Lock()
	if w.running || w.done {
		w.mu.Unlock()
		return fmt.Errorf("watcher already active for this flow")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if w.tick(runCtx, jobID, deliver) {
					return
				}
			}
		}
	}()

	w.log.WithField("job_id", jobID).Info("polling started")
	return nil
}

// tick performs one status query and reports whether the loop reached a
// terminal state.
func (w *Watcher) tick(ctx context.Context, jobID string, deliver func(Outcome)) bool {
	tickCtx, cancel := context.WithTimeout(ctx, w.interval*3)
	status, results, err := w.source.Status(tickCtx, jobID)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-query; the loop owner already moved on.
			return true
		}
		w.log.WithError(err).WithField("job_id", jobID).Warn("status query failed")
		return w.finish(deliver, Outcome{State: audit.FlowConnectionLost, Message: MsgConnectionLost})
	}

	switch status {
	case audit.JobCompleted:
		if len(results) == 0 {
			return w.finish(deliver, Outcome{State: audit.FlowCompletedEmpty, Message: MsgNoResults})
		}
		return w.finish(deliver, Outcome{State: audit.FlowCompleted, Results: results, Message: MsgCompleted})
	case audit.JobFailed:
		return w.finish(deliver, Outcome{State: audit.FlowFailed, Message: MsgServerFailed})
	default:
		w.log.WithField("job_id", jobID).WithField("status", string(status)).Debug("job still in progress")
		return false
	}
}

// finish performs the terminal transition: the timer is cancelled inside
// the same critical section that flips the done flag, so a racing tick
// can never deliver a second outcome.
func (w *Watcher) finish(deliver func(Outcome), outcome Outcome) bool {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return true
	}
	w.done = true
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	deliver(outcome)
	return true
}

// Active reports whether the poll loop is still running.
func (w *Watcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stop cancels any in-flight polling without delivering an outcome.
// It is idempotent and safe to call from any state; it returns once the
// loop goroutine has drained or ctx expires.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
