// Package stats reports global usage counters to the statistics sink.
// Reporting is fire-and-forget: it runs detached from the audit flow and
// its failures are logged, never propagated, so a broken sink can never
// change the outcome a user sees.
package stats

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/solguard/auditd/pkg/logger"
)

// Update is the increment payload. Both fields are optional; zero values
// are omitted so the sink can accept partial input.
type Update struct {
	ContractsAudited     int `json:"contractsAudited,omitempty"`
	VulnerabilitiesFound int `json:"vulnerabilitiesFound,omitempty"`
}

// Reporter posts usage increments to the statistics endpoint.
type Reporter struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
	log      *logger.Logger
	wg       sync.WaitGroup
}

// New constructs a reporter. An empty endpoint yields a disabled reporter
// whose Report calls are no-ops.
func New(client *http.Client, endpoint string, log *logger.Logger) *Reporter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("stats")
	}
	return &Reporter{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		timeout:  5 * time.Second,
		log:      log,
	}
}

// Report issues the increment on a detached goroutine with its own
// deadline, independent of the caller's context and lifetime.
func (r *Reporter) Report(update Update) {
	if r.endpoint == "" {
		return
	}
	if update.ContractsAudited == 0 && update.VulnerabilitiesFound == 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.send(ctx, update); err != nil {
			r.log.WithError(err).Warn("statistics update failed")
		}
	}()
}

// Flush waits for in-flight reports, primarily for tests and shutdown.
func (r *Reporter) Flush() {
	r.wg.Wait()
}

func (r *Reporter) send(ctx context.Context, update Update) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("stats sink status %d", resp.StatusCode)
	}
	return nil
}
