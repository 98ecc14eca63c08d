package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/pkg/logger"
)

// ErrUnavailable reports that the remote limiter could not be reached.
// The client fails closed: submissions are blocked until the limiter
// answers, rather than silently allowing unlimited traffic.
var ErrUnavailable = errors.New("rate limiter unavailable")

// Client queries a remote rate-limit authority over HTTP.
type Client struct {
	client   *http.Client
	endpoint *url.URL
	log      *logger.Logger
}

// NewClient constructs a client for the limiter endpoint.
func NewClient(client *http.Client, endpoint string, log *logger.Logger) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("limiter endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse limiter endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("ratelimit-client")
	}
	return &Client{client: client, endpoint: parsed, log: log}, nil
}

// Check asks the remote limiter for a decision.
func (c *Client) Check(ctx context.Context, clientID string, service audit.ServiceType) (Decision, error) {
	requestURL := *c.endpoint
	q := requestURL.Query()
	q.Set("client", clientID)
	q.Set("service", string(service))
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return Decision{}, fmt.Errorf("build limiter request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WithError(err).Warn("rate limiter unreachable; failing closed")
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return decision, nil
}
