// Package stream consumes the assistant's Server-Sent-Events endpoint.
// It shares the poller's ownership discipline: one cancellable stream
// handle per client, replaced only after the previous one is cancelled.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/solguard/auditd/pkg/logger"
)

// Query describes one assistant request.
type Query struct {
	Text  string
	Agent string
	File  string
}

// Event kinds in the tagged stream.
const (
	eventToken  = "token"
	eventStatus = "status"
	eventError  = "error"
	eventEnd    = "end"
)

// Client is a cancellable SSE consumer. Token events accumulate into a
// buffer and are also delivered incrementally to the OnToken callback.
type Client struct {
	httpClient *http.Client
	endpoint   *url.URL
	log        *logger.Logger

	onToken  func(string)
	onStatus func(string)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	buf     strings.Builder
	lastErr error
}

// New constructs a stream client for the assistant endpoint.
func New(httpClient *http.Client, endpoint string, log *logger.Logger) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("stream endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stream endpoint: %w", err)
	}
	if httpClient == nil {
		// No overall timeout: streams are long-lived and ended by cancellation.
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logger.NewDefault("stream")
	}
	return &Client{httpClient: httpClient, endpoint: parsed, log: log}, nil
}

// OnToken registers the incremental token callback. Set before Start.
func (c *Client) OnToken(fn func(string)) { c.onToken = fn }

// OnStatus registers the status-message callback. Set before Start.
func (c *Client) OnStatus(fn func(string)) { c.onStatus = fn }

// Start opens a stream for the query. Any previous in-flight stream is
// cancelled and replaced; the accumulated buffer is reset.
func (c *Client) Start(ctx context.Context, query Query) error {
	if strings.TrimSpace(query.Text) == "" {
		return fmt.Errorf("query text required")
	}

	// Replacement cancels the previous stream and drains its goroutine
	// before the buffer resets, so two streams never write it at once.
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.buf.Reset()
	c.lastErr = nil
	c.mu.Unlock()

	requestURL := *c.endpoint
	q := requestURL.Query()
	q.Set("query", query.Text)
	if query.Agent != "" {
		q.Set("agent", query.Agent)
	}
	if query.File != "" {
		q.Set("file", query.File)
	}
	requestURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer resp.Body.Close()
		c.consume(runCtx, resp)
	}()
	return nil
}

func (c *Client) consume(ctx context.Context, resp *http.Response) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	event := ""
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				if c.dispatch(event, data.String()) {
					return
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		// Cancellation is teardown, not a failure.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.log.WithError(err).Warn("stream read failed")
	}
}

// dispatch handles one complete event, returning true when the stream
// is finished.
func (c *Client) dispatch(event, data string) bool {
	switch event {
	case eventToken:
		text := data
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.Text != "" {
			text = payload.Text
		}
		c.mu.Lock()
		c.buf.WriteString(text)
		c.mu.Unlock()
		if c.onToken != nil {
			c.onToken(text)
		}
	case eventStatus:
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.log.WithField("data", data).Debug("malformed status event ignored")
			return false
		}
		if c.onStatus != nil {
			c.onStatus(payload.Message)
		}
	case eventError:
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.log.WithField("data", data).Debug("malformed error event ignored")
			return false
		}
		c.mu.Lock()
		c.lastErr = errors.New(payload.Message)
		c.mu.Unlock()
		return true
	case eventEnd:
		return true
	}
	return false
}

// Stop aborts any in-flight stream. Idempotent; it never reports an
// error for a stream that was simply cancelled.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Text returns the accumulated token text.
func (c *Client) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Err returns the last stream error, nil after cancellation.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Streaming reports whether a stream handle is currently owned.
func (c *Client) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}
