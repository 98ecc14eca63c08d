package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/pkg/logger"
)

// HTTPStatusSource queries the backend status endpoint:
// GET <endpoint>?jobId=<id> -> {status, results?}.
type HTTPStatusSource struct {
	client   *http.Client
	endpoint *url.URL
	log      *logger.Logger
}

// NewHTTPStatusSource constructs a status source for the endpoint.
func NewHTTPStatusSource(client *http.Client, endpoint string, log *logger.Logger) (*HTTPStatusSource, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("status endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse status endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("poll-status")
	}
	return &HTTPStatusSource{client: client, endpoint: parsed, log: log}, nil
}

// Status performs one status query. Any transport, HTTP or decode
// failure is returned as an error for the watcher to map to the
// connection-lost outcome.
func (s *HTTPStatusSource) Status(ctx context.Context, jobID string) (audit.JobStatus, []json.RawMessage, error) {
	requestURL := *s.endpoint
	q := requestURL.Query()
	q.Set("jobId", jobID)
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return "", nil, fmt.Errorf("build status request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Status  string            `json:"status"`
		Results []json.RawMessage `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", nil, fmt.Errorf("decode status response: %w", err)
	}

	status, err := parseStatus(payload.Status)
	if err != nil {
		return "", nil, err
	}
	return status, payload.Results, nil
}

func parseStatus(raw string) (audit.JobStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued":
		return audit.JobQueued, nil
	case "processing":
		return audit.JobProcessing, nil
	case "completed":
		return audit.JobCompleted, nil
	case "failed":
		return audit.JobFailed, nil
	}
	return "", fmt.Errorf("unknown job status %q", raw)
}
