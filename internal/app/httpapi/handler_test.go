package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	app "github.com/solguard/auditd/internal/app"
	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/internal/config"
	"github.com/solguard/auditd/pkg/logger"
)

type backend struct {
	ingest *httptest.Server
	status *httptest.Server
}

// newBackend fakes the remote audit service: every submission is
// accepted and every status query reports the given response.
func newBackend(t *testing.T, statusBody string) *backend {
	t.Helper()
	b := &backend{}
	b.ingest = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jobId":"job-1"}`)
	}))
	b.status = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("jobId") == "" {
			http.Error(w, "missing jobId", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, statusBody)
	}))
	t.Cleanup(b.ingest.Close)
	t.Cleanup(b.status.Close)
	return b
}

func newTestServer(t *testing.T, statusBody string) *httptest.Server {
	t.Helper()
	b := newBackend(t, statusBody)

	cfg := config.Default()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Endpoints.Ingest = b.ingest.URL
	cfg.Endpoints.Status = b.status.URL

	log := logger.NewDefault("httpapi-test")
	log.SetOutput(io.Discard)

	application, err := app.New(cfg, app.Stores{}, nil, log)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}

	srv := httptest.NewServer(NewHandler(application))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		if err := application.Stop(context.Background()); err != nil {
			t.Errorf("stop application: %v", err)
		}
	})
	return srv
}

func postAddressAudit(t *testing.T, srv *httptest.Server, clientID, address string) *http.Response {
	t.Helper()
	body := fmt.Sprintf(`{"address":%q,"network":"mainnet"}`, address)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/audits", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", clientID)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post audit: %v", err)
	}
	return resp
}

func decodeFlow(t *testing.T, resp *http.Response) audit.Flow {
	t.Helper()
	defer resp.Body.Close()
	var flow audit.Flow
	if err := json.NewDecoder(resp.Body).Decode(&flow); err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	return flow
}

func TestPostAudit_AddressLookup(t *testing.T) {
	srv := newTestServer(t, `{"status":"Completed","results":[{"success":true,"contractName":"Token","results":{"summary":{"major":1}}}]}`)

	resp := postAddressAudit(t, srv, "client-1", "0x00112233445566778899aabbccddeeff00112233")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	flow := decodeFlow(t, resp)
	if flow.State != audit.FlowPolling || flow.JobID != "job-1" {
		t.Fatalf("unexpected flow: %+v", flow)
	}

	// The poll finishes in the background; the record converges.
	deadline := time.Now().Add(2 * time.Second)
	for {
		getResp, err := srv.Client().Get(srv.URL + "/audits/" + flow.ID)
		if err != nil {
			t.Fatalf("get audit: %v", err)
		}
		got := decodeFlow(t, getResp)
		if got.State.Terminal() {
			if got.State != audit.FlowCompleted {
				t.Fatalf("expected completed flow, got %s", got.State)
			}
			if got.Result == nil || !got.Result.Success {
				t.Fatalf("expected successful result, got %+v", got.Result)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("flow never completed, state %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPostAudit_InvalidAddress(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp := postAddressAudit(t, srv, "client-1", "not-an-address")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPostAudit_MissingClientID(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/audits", strings.NewReader(`{"address":"0x00112233445566778899aabbccddeeff00112233"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post audit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPostAudit_ConflictWhileInProgress(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	first := postAddressAudit(t, srv, "client-1", "0x00112233445566778899aabbccddeeff00112233")
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", first.StatusCode)
	}

	second := postAddressAudit(t, srv, "client-1", "0x00112233445566778899aabbccddeeff00112233")
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.StatusCode)
	}
}

func TestPostAudit_FileUpload(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "contracts.zip")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("zip-bytes")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/audits", &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Client-ID", "uploader")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post upload: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	flow := decodeFlow(t, resp)
	if flow.Service != audit.ServiceZipUpload {
		t.Fatalf("expected zip-upload service, got %s", flow.Service)
	}
}

func TestDeleteAudit_CancelsFlow(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp := postAddressAudit(t, srv, "client-1", "0x00112233445566778899aabbccddeeff00112233")
	flow := decodeFlow(t, resp)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/audits/"+flow.ID, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	delResp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("delete audit: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}

	getResp, err := srv.Client().Get(srv.URL + "/audits/" + flow.ID)
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	got := decodeFlow(t, getResp)
	if got.State != audit.FlowIdle {
		t.Fatalf("expected idle flow after cancel, got %s", got.State)
	}
}

func TestGetAuditMessages(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp := postAddressAudit(t, srv, "client-1", "0x00112233445566778899aabbccddeeff00112233")
	flow := decodeFlow(t, resp)

	msgResp, err := srv.Client().Get(srv.URL + "/audits/" + flow.ID + "/messages")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	defer msgResp.Body.Close()
	if msgResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", msgResp.StatusCode)
	}
	var messages []audit.StatusMessage
	if err := json.NewDecoder(msgResp.Body).Decode(&messages); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(messages) < 2 {
		t.Fatalf("expected submission messages, got %+v", messages)
	}
	if messages[0].Text != "submitting audit request" {
		t.Fatalf("unexpected first message: %q", messages[0].Text)
	}
}

func TestGetAudit_NotFound(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp, err := srv.Client().Get(srv.URL + "/audits/absent")
	if err != nil {
		t.Fatalf("get audit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp, err := srv.Client().Get(srv.URL + "/ratelimit?client=c1&service=zip-upload")
	if err != nil {
		t.Fatalf("get ratelimit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var decision struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("fresh client should be allowed")
	}

	missing, err := srv.Client().Get(srv.URL + "/ratelimit")
	if err != nil {
		t.Fatalf("get ratelimit: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing params, got %d", missing.StatusCode)
	}
}

func TestPayments_NotConfigured(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp, err := srv.Client().Post(srv.URL+"/payments", "application/json", strings.NewReader(`{"instrument":"token"}`))
	if err != nil {
		t.Fatalf("post payment: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAssistant_NotConfigured(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp, err := srv.Client().Get(srv.URL + "/assistant")
	if err != nil {
		t.Fatalf("get assistant: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, `{"status":"Processing"}`)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
