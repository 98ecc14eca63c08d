// Package flow orchestrates one audit end to end: validation, rate
// limiting, submission, and the status poll that follows the job to a
// terminal state.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/internal/app/metrics"
	"github.com/solguard/auditd/internal/app/services/poll"
	"github.com/solguard/auditd/internal/app/services/ratelimit"
	"github.com/solguard/auditd/internal/app/services/result"
	"github.com/solguard/auditd/internal/app/services/stats"
	"github.com/solguard/auditd/internal/app/services/validate"
	"github.com/solguard/auditd/internal/app/storage"
	"github.com/solguard/auditd/pkg/logger"
)

// maxStatusMessages bounds each flow's status log.
const maxStatusMessages = 50

// ErrInProgress reports that the client already has an active flow. A
// new submission is refused rather than silently replacing the poll.
var ErrInProgress = errors.New("an audit is already in progress for this client")

// RateLimitError carries the limiter's reset time to the caller.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// Submitter sends a validated request to the ingest endpoint.
type Submitter interface {
	Submit(ctx context.Context, req audit.Request) (string, error)
}

// StatsReporter posts usage increments after completed audits.
type StatsReporter interface {
	Report(update stats.Update)
}

// Service owns at most one active poll per client.
type Service struct {
	store     storage.FlowStore
	limiter   ratelimit.Checker
	submitter Submitter
	source    poll.StatusSource
	reporter  StatsReporter
	interval  time.Duration
	log       *logger.Logger

	mu       sync.Mutex
	watchers map[string]*entry
}

type entry struct {
	watcher *poll.Watcher
	flowID  string
}

// New constructs the orchestrator. A nil store panics: the caller wires
// storage through app.Stores, which defaults missing stores to memory.
func New(store storage.FlowStore, limiter ratelimit.Checker, submitter Submitter, source poll.StatusSource, reporter StatsReporter, interval time.Duration, log *logger.Logger) *Service {
	if store == nil {
		panic("flow: nil store")
	}
	if log == nil {
		log = logger.NewDefault("flow")
	}
	return &Service{
		store:     store,
		limiter:   limiter,
		submitter: submitter,
		source:    source,
		reporter:  reporter,
		interval:  interval,
		log:       log,
		watchers:  make(map[string]*entry),
	}
}

// Name implements system.Service.
func (s *Service) Name() string { return "flow" }

// Start implements system.Service. Flows are created on demand.
func (s *Service) Start(ctx context.Context) error { return nil }

// Stop cancels every active poll.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.watchers))
	for _, e := range s.watchers {
		entries = append(entries, e)
	}
	s.watchers = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		if err := e.watcher.Stop(ctx); err != nil {
			return fmt.Errorf("stop watcher for flow %s: %w", e.flowID, err)
		}
	}
	return nil
}

// Submit validates the request, consults the rate limiter, forwards the
// payload to the ingest endpoint and begins polling the returned job.
// The flow record reflects each stage.
func (s *Service) Submit(ctx context.Context, clientID string, req audit.Request) (audit.Flow, error) {
	if clientID == "" {
		return audit.Flow{}, fmt.Errorf("client id required")
	}
	if err := validate.Validate(req); err != nil {
		return audit.Flow{}, err
	}

	service := req.Service()

	// Reserve the client's slot before any remote call so two racing
	// submissions cannot both pass the in-progress check.
	s.mu.Lock()
	if _, busy := s.watchers[clientID]; busy {
		s.mu.Unlock()
		return audit.Flow{}, ErrInProgress
	}
	reserved := &entry{watcher: poll.NewWatcher(s.source, s.interval, s.log)}
	s.watchers[clientID] = reserved
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		if s.watchers[clientID] == reserved {
			delete(s.watchers, clientID)
		}
		s.mu.Unlock()
	}

	decision, err := s.limiter.Check(ctx, clientID, service)
	if err != nil {
		release()
		return audit.Flow{}, fmt.Errorf("check rate limit: %w", err)
	}
	if !decision.Allowed {
		release()
		metrics.RecordRateLimitDenial(string(service))
		return audit.Flow{}, &RateLimitError{ResetAt: decision.ResetAt}
	}

	now := time.Now().UTC()
	flow := audit.Flow{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Service:   service,
		AIMode:    req.AIMode,
		State:     audit.FlowSubmitting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	flow.Messages = appendMessage(flow.Messages, "submitting audit request")
	flow, err = s.store.CreateFlow(ctx, flow)
	if err != nil {
		release()
		return audit.Flow{}, fmt.Errorf("create flow: %w", err)
	}
	reserved.flowID = flow.ID

	jobID, err := s.submitter.Submit(ctx, req)
	if err != nil {
		release()
		metrics.RecordSubmission(string(service), "rejected")
		flow.State = audit.FlowFailed
		flow.Error = err.Error()
		flow.Messages = appendMessage(flow.Messages, "submission failed")
		flow.UpdatedAt = time.Now().UTC()
		if _, uerr := s.store.UpdateFlow(ctx, flow); uerr != nil {
			s.log.WithError(uerr).WithField("flow", flow.ID).Error("failed to record submission failure")
		}
		return audit.Flow{}, fmt.Errorf("submit audit: %w", err)
	}
	metrics.RecordSubmission(string(service), "accepted")

	flow.JobID = jobID
	flow.State = audit.FlowPolling
	flow.Messages = appendMessage(flow.Messages, "audit request submitted, waiting for results")
	flow.UpdatedAt = time.Now().UTC()
	flow, err = s.store.UpdateFlow(ctx, flow)
	if err != nil {
		release()
		return audit.Flow{}, fmt.Errorf("update flow: %w", err)
	}

	// The poll outlives the submitting request, so it runs on a
	// background context and ends only on a terminal status or Stop.
	snapshot := flow
	err = reserved.watcher.Start(context.Background(), jobID, func(outcome poll.Outcome) {
		s.finish(snapshot, outcome)
		release()
	})
	if err != nil {
		release()
		return audit.Flow{}, fmt.Errorf("start status poll: %w", err)
	}
	return flow, nil
}

// finish applies a terminal poll outcome to the flow record. It runs on
// the watcher's goroutine and must not call the watcher's Stop.
func (s *Service) finish(flow audit.Flow, outcome poll.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flow.State = outcome.State
	flow.Messages = appendMessage(flow.Messages, outcome.Message)
	flow.UpdatedAt = time.Now().UTC()

	if outcome.State == audit.FlowCompleted {
		adapted, err := result.AdaptAll(outcome.Results)
		if err != nil {
			flow.State = audit.FlowFailed
			flow.Error = err.Error()
			flow.Messages = appendMessage(flow.Messages, "failed to read audit results")
		} else {
			flow.Result = &adapted
			if !adapted.Success && adapted.Error != "" {
				flow.Error = adapted.Error
			}
		}
	} else if outcome.Message != "" && outcome.State != audit.FlowCompletedEmpty {
		flow.Error = outcome.Message
	}

	if _, err := s.store.UpdateFlow(ctx, flow); err != nil {
		s.log.WithError(err).WithField("flow", flow.ID).Error("failed to record flow outcome")
	}

	metrics.RecordFlowOutcome(string(flow.Service), string(flow.State), flow.UpdatedAt.Sub(flow.CreatedAt))

	if s.reporter != nil && flow.Result != nil && flow.Result.Success {
		if summary, ok := flow.Result.Summary(); ok {
			s.reporter.Report(stats.Update{
				ContractsAudited:     1,
				VulnerabilitiesFound: summary.VulnerabilityCount(),
			})
		}
	}

	s.log.WithFields(map[string]interface{}{
		"flow":  flow.ID,
		"state": flow.State,
	}).Info("audit flow finished")
}

// Cancel stops the client's active poll, if any. The flow keeps its
// record but is marked idle so a later submission can proceed.
func (s *Service) Cancel(ctx context.Context, clientID string) error {
	s.mu.Lock()
	e, ok := s.watchers[clientID]
	if ok {
		delete(s.watchers, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := e.watcher.Stop(ctx); err != nil {
		return fmt.Errorf("stop status poll: %w", err)
	}
	if e.flowID == "" {
		return nil
	}

	flow, err := s.store.GetFlow(ctx, e.flowID)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}
	if flow.State.Terminal() {
		return nil
	}
	flow.State = audit.FlowIdle
	flow.Messages = appendMessage(flow.Messages, "polling cancelled")
	flow.UpdatedAt = time.Now().UTC()
	if _, err := s.store.UpdateFlow(ctx, flow); err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	return nil
}

// Active reports whether the client has a flow in progress.
func (s *Service) Active(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchers[clientID]
	return ok
}

// Get returns one flow by id.
func (s *Service) Get(ctx context.Context, id string) (audit.Flow, error) {
	return s.store.GetFlow(ctx, id)
}

// List returns the client's flows, newest first per the store contract.
func (s *Service) List(ctx context.Context, clientID string) ([]audit.Flow, error) {
	return s.store.ListFlows(ctx, clientID)
}

func appendMessage(messages []audit.StatusMessage, text string) []audit.StatusMessage {
	messages = append(messages, audit.StatusMessage{Time: time.Now().UTC(), Text: text})
	if len(messages) > maxStatusMessages {
		messages = messages[len(messages)-maxStatusMessages:]
	}
	return messages
}
