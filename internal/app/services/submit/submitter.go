// Package submit serializes audit requests into the ingestion endpoint's
// multipart contract and returns the opaque job identifier the poller
// will track.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/pkg/logger"
)

// Form field names fixed by the ingestion endpoint contract.
const (
	fieldFiles     = "files"
	fieldAddresses = "addresses"
	fieldAIMode    = "ai_mode"
)

// StatusError is a non-2xx response from the ingestion endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("submission rejected with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("submission rejected with status %d", e.StatusCode)
}

// Submitter posts audit requests to the ingestion endpoint.
type Submitter struct {
	client   *http.Client
	endpoint string
	log      *logger.Logger
}

// New constructs a submitter for the given ingestion endpoint.
func New(client *http.Client, endpoint string, log *logger.Logger) (*Submitter, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("ingestion endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("submitter")
	}
	return &Submitter{client: client, endpoint: endpoint, log: log}, nil
}

// Submit serializes the request as a multipart form and returns the job
// identifier on success. A 2xx response without a job id is treated as a
// malformed success and reported as an error.
func (s *Submitter) Submit(ctx context.Context, req audit.Request) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	switch req.Kind {
	case audit.FileUpload:
		part, err := writer.CreateFormFile(fieldFiles, req.Name)
		if err != nil {
			return "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(req.Content); err != nil {
			return "", fmt.Errorf("write form file: %w", err)
		}
	case audit.AddressLookup:
		if err := writer.WriteField(fieldAddresses, strings.ToLower(req.Address)); err != nil {
			return "", fmt.Errorf("write address field: %w", err)
		}
	default:
		return "", fmt.Errorf("unknown request kind %q", req.Kind)
	}

	if err := writer.WriteField(fieldAIMode, strconv.FormatBool(req.AIMode)); err != nil {
		return "", fmt.Errorf("write ai_mode field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build submission request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit audit: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read submission response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: errorMessage(respBody)}
	}

	var payload struct {
		JobID string `json:"jobId"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", fmt.Errorf("decode submission response: %w", err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return "", fmt.Errorf("submission accepted but no job id returned")
	}

	s.log.WithField("job_id", payload.JobID).
		WithField("kind", string(req.Kind)).
		WithField("ai_mode", req.AIMode).
		Info("audit submitted")
	return payload.JobID, nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
