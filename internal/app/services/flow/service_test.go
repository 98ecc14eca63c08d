package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/internal/app/services/poll"
	"github.com/solguard/auditd/internal/app/services/ratelimit"
	"github.com/solguard/auditd/internal/app/services/stats"
	"github.com/solguard/auditd/internal/app/storage/memory"
	"github.com/solguard/auditd/pkg/logger"
)

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    int
}

func (f *fakeLimiter) Check(context.Context, string, audit.ServiceType) (ratelimit.Decision, error) {
	f.calls++
	return f.decision, f.err
}

type fakeSubmitter struct {
	jobID string
	err   error
	calls int
}

func (f *fakeSubmitter) Submit(context.Context, audit.Request) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}

type recordingStats struct {
	mu      sync.Mutex
	updates []stats.Update
}

func (r *recordingStats) Report(update stats.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	r.mu.Unlock()
}

func (r *recordingStats) all() []stats.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stats.Update, len(r.updates))
	copy(out, r.updates)
	return out
}

// scriptedSource replays canned status responses, clamping at the last.
type scriptedSource struct {
	mu        sync.Mutex
	responses []statusResponse
	calls     int
}

type statusResponse struct {
	status  audit.JobStatus
	results []json.RawMessage
	err     error
}

func (s *scriptedSource) Status(context.Context, string) (audit.JobStatus, []json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[idx]
	return r.status, r.results, r.err
}

func quietLog(t *testing.T) *logger.Logger {
	t.Helper()
	log := logger.NewDefault("flow-test")
	log.SetOutput(io.Discard)
	return log
}

func fileRequest() audit.Request {
	return audit.Request{
		Kind:      audit.FileUpload,
		Name:      "contracts.zip",
		SizeBytes: 2048,
		Content:   []byte("zip-bytes"),
	}
}

func newService(t *testing.T, store *memory.Store, limiter ratelimit.Checker, submitter Submitter, source poll.StatusSource, reporter StatsReporter) *Service {
	t.Helper()
	return New(store, limiter, submitter, source, reporter, 5*time.Millisecond, quietLog(t))
}

func waitTerminal(t *testing.T, svc *Service, id string) audit.Flow {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		flow, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get flow: %v", err)
		}
		if flow.State.Terminal() {
			return flow
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("flow never reached a terminal state")
	return audit.Flow{}
}

func waitInactive(t *testing.T, svc *Service, clientID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !svc.Active(clientID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client %s still has an active flow", clientID)
}

func TestSubmit_CompletesAndReportsStats(t *testing.T) {
	store := memory.New()
	reporter := &recordingStats{}
	source := &scriptedSource{responses: []statusResponse{
		{status: audit.JobProcessing},
		{status: audit.JobCompleted, results: []json.RawMessage{json.RawMessage(
			`{"success":true,"contractName":"Token","results":{"summary":{"critical":1,"major":2,"informational":5},"projectId":"p-1"}}`,
		)}},
	}}
	svc := newService(t, store, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, &fakeSubmitter{jobID: "job-1"}, source, reporter)

	flow, err := svc.Submit(context.Background(), "client-1", fileRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if flow.State != audit.FlowPolling || flow.JobID != "job-1" {
		t.Fatalf("unexpected flow after submit: state=%s job=%s", flow.State, flow.JobID)
	}

	final := waitTerminal(t, svc, flow.ID)
	if final.State != audit.FlowCompleted {
		t.Fatalf("expected completed flow, got %s", final.State)
	}
	if final.Result == nil || !final.Result.Success {
		t.Fatalf("expected successful result, got %+v", final.Result)
	}
	if final.Result.ContractName == nil || *final.Result.ContractName != "Token" {
		t.Fatalf("contract name not adapted: %+v", final.Result.ContractName)
	}

	waitInactive(t, svc, "client-1")
	updates := reporter.all()
	if len(updates) != 1 {
		t.Fatalf("expected exactly one stats update, got %d", len(updates))
	}
	if updates[0].ContractsAudited != 1 || updates[0].VulnerabilitiesFound != 3 {
		t.Fatalf("unexpected stats update: %+v", updates[0])
	}
}

func TestSubmit_RejectsConcurrentFlow(t *testing.T) {
	store := memory.New()
	source := &scriptedSource{responses: []statusResponse{{status: audit.JobProcessing}}}
	svc := newService(t, store, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, &fakeSubmitter{jobID: "job-1"}, source, nil)

	if _, err := svc.Submit(context.Background(), "client-1", fileRequest()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := svc.Submit(context.Background(), "client-1", fileRequest()); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}

	// A different client is unaffected.
	if _, err := svc.Submit(context.Background(), "client-2", fileRequest()); err != nil {
		t.Fatalf("second client submit: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second).UTC()
	svc := newService(t, memory.New(), &fakeLimiter{decision: ratelimit.Decision{Allowed: false, ResetAt: resetAt}}, &fakeSubmitter{jobID: "job-1"}, nil, nil)

	_, err := svc.Submit(context.Background(), "client-1", fileRequest())
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if !rle.ResetAt.Equal(resetAt) {
		t.Fatalf("reset time not propagated: %v", rle.ResetAt)
	}
	if svc.Active("client-1") {
		t.Fatal("denied submission must not hold the client slot")
	}
}

func TestSubmit_LimiterUnavailableFailsClosed(t *testing.T) {
	submitter := &fakeSubmitter{jobID: "job-1"}
	svc := newService(t, memory.New(), &fakeLimiter{err: ratelimit.ErrUnavailable}, submitter, nil, nil)

	if _, err := svc.Submit(context.Background(), "client-1", fileRequest()); !errors.Is(err, ratelimit.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if submitter.calls != 0 {
		t.Fatalf("submission must not proceed without a limiter decision, got %d calls", submitter.calls)
	}
}

func TestSubmit_InvalidRequestShortCircuits(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	svc := newService(t, memory.New(), limiter, &fakeSubmitter{jobID: "job-1"}, nil, nil)

	req := fileRequest()
	req.Name = "contracts.exe"
	if _, err := svc.Submit(context.Background(), "client-1", req); err == nil {
		t.Fatal("expected validation error for unsupported extension")
	}
	if svc.Active("client-1") {
		t.Fatal("invalid request must not hold the client slot")
	}
	if limiter.calls != 0 {
		t.Fatalf("validation must run before the rate limiter, got %d checks", limiter.calls)
	}
}

func TestSubmit_IngestFailureRecordsFailedFlow(t *testing.T) {
	store := memory.New()
	svc := newService(t, store, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, &fakeSubmitter{err: fmt.Errorf("ingest returned 500")}, nil, nil)

	if _, err := svc.Submit(context.Background(), "client-1", fileRequest()); err == nil {
		t.Fatal("expected submission error")
	}
	flows, err := store.ListFlows(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("list flows: %v", err)
	}
	if len(flows) != 1 || flows[0].State != audit.FlowFailed {
		t.Fatalf("expected one failed flow, got %+v", flows)
	}
	if svc.Active("client-1") {
		t.Fatal("failed submission must release the client slot")
	}
}

func TestSubmit_ServerFailureMarksFlowFailed(t *testing.T) {
	store := memory.New()
	reporter := &recordingStats{}
	source := &scriptedSource{responses: []statusResponse{{status: audit.JobFailed}}}
	svc := newService(t, store, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, &fakeSubmitter{jobID: "job-9"}, source, reporter)

	flow, err := svc.Submit(context.Background(), "client-1", fileRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, svc, flow.ID)
	if final.State != audit.FlowFailed {
		t.Fatalf("expected failed flow, got %s", final.State)
	}
	if final.Error != poll.MsgServerFailed {
		t.Fatalf("unexpected flow error: %q", final.Error)
	}
	waitInactive(t, svc, "client-1")
	if got := reporter.all(); len(got) != 0 {
		t.Fatalf("failed audits must not report stats, got %+v", got)
	}
}

func TestSubmit_EmptyResults(t *testing.T) {
	store := memory.New()
	source := &scriptedSource{responses: []statusResponse{{status: audit.JobCompleted}}}
	svc := newService(t, store, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, &fakeSubmitter{jobID: "job-2"}, source, nil)

	flow, err := svc.Submit(context.Background(), "client-1", fileRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final := waitTerminal(t, svc, flow.ID)
	if final.State != audit.FlowCompletedEmpty {
		t.Fatalf("expected completed_empty, got %s", final.State)
	}
	if final.Error != "" {
		t.Fatalf("empty results are not an error, got %q", final.Error)
	}
}

func TestCancel_ReleasesSlotAndMarksIdle(t *testing.T) {
	store := memory.New()
	source := &scriptedSource{responses: []statusResponse{{status: audit.JobProcessing}}}
	svc := newService(t, store, &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, &fakeSubmitter{jobID: "job-3"}, source, nil)

	flow, err := svc.Submit(context.Background(), "client-1", fileRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Cancel(context.Background(), "client-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if svc.Active("client-1") {
		t.Fatal("cancel must release the client slot")
	}

	got, err := svc.Get(context.Background(), flow.ID)
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if got.State != audit.FlowIdle {
		t.Fatalf("expected idle flow after cancel, got %s", got.State)
	}

	// Cancel with no active flow is a no-op.
	if err := svc.Cancel(context.Background(), "client-1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	// The slot is free for a fresh submission.
	if _, err := svc.Submit(context.Background(), "client-1", fileRequest()); err != nil {
		t.Fatalf("resubmit after cancel: %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStop_CancelsAllWatchers(t *testing.T) {
	source := &scriptedSource{responses: []statusResponse{{status: audit.JobProcessing}}}
	svc := newService(t, memory.New(), &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}, &fakeSubmitter{jobID: "job-4"}, source, nil)

	for _, client := range []string{"a", "b", "c"} {
		if _, err := svc.Submit(context.Background(), client, fileRequest()); err != nil {
			t.Fatalf("submit for %s: %v", client, err)
		}
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, client := range []string{"a", "b", "c"} {
		if svc.Active(client) {
			t.Fatalf("client %s still active after stop", client)
		}
	}
}
