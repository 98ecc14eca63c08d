// Package httpapi exposes the gateway's REST surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/solguard/auditd/internal/app"
	"github.com/solguard/auditd/internal/app/domain/audit"
	domain "github.com/solguard/auditd/internal/app/domain/payment"
	"github.com/solguard/auditd/internal/app/services/flow"
	paymentsvc "github.com/solguard/auditd/internal/app/services/payment"
	"github.com/solguard/auditd/internal/app/services/ratelimit"
	"github.com/solguard/auditd/internal/app/services/stream"
	"github.com/solguard/auditd/internal/app/services/validate"
)

// maxUploadMemory bounds the in-memory portion of multipart parsing;
// larger files spill to disk.
const maxUploadMemory = 10 << 20

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the gateway REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/audits", h.audits)
	mux.HandleFunc("/audits/", h.auditResource)
	mux.HandleFunc("/payments", h.payments)
	mux.HandleFunc("/payments/quote", h.paymentQuote)
	mux.HandleFunc("/ratelimit", h.rateLimit)
	mux.HandleFunc("/assistant", h.assistant)
	mux.HandleFunc("/healthz", h.health)
	return mux
}

func (h *handler) audits(w http.ResponseWriter, r *http.Request) {
	if h.app.Flows == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("audit service not configured"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		clientID := clientID(r)
		if clientID == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("client id required"))
			return
		}

		req, err := decodeAuditRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		created, err := h.app.Flows.Submit(r.Context(), clientID, req)
		if err != nil {
			writeSubmitError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, created)

	case http.MethodGet:
		flows, err := h.app.Flows.List(r.Context(), r.URL.Query().Get("client"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, flows)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *handler) auditResource(w http.ResponseWriter, r *http.Request) {
	if h.app.Flows == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("audit service not configured"))
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/audits/"), "/")
	if rest, ok := strings.CutSuffix(id, "/messages"); ok {
		h.auditMessages(w, r, rest)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("audit flow not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		got, err := h.app.Flows.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, got)

	case http.MethodDelete:
		got, err := h.app.Flows.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err := h.app.Flows.Cancel(r.Context(), got.ClientID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// auditMessages returns just the status message log for a flow, oldest
// first, so clients can render progress without the full result payload.
func (h *handler) auditMessages(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("audit flow not found"))
		return
	}
	got, err := h.app.Flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	messages := got.Messages
	if messages == nil {
		messages = []audit.StatusMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

// decodeAuditRequest reads either a multipart file upload or a JSON
// address-audit body.
func decodeAuditRequest(r *http.Request) (audit.Request, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			return audit.Request{}, fmt.Errorf("parse upload: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return audit.Request{}, fmt.Errorf("file field required: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(io.LimitReader(file, validate.MaxFileSize+1))
		if err != nil {
			return audit.Request{}, fmt.Errorf("read upload: %w", err)
		}
		return audit.Request{
			Kind:      audit.FileUpload,
			Name:      header.Filename,
			SizeBytes: int64(len(content)),
			Content:   content,
			AIMode:    r.FormValue("aiMode") == "true",
		}, nil
	}

	var payload struct {
		Address string `json:"address"`
		Network string `json:"network"`
		AIMode  bool   `json:"aiMode"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return audit.Request{}, err
	}
	return audit.Request{
		Kind:    audit.AddressLookup,
		Address: payload.Address,
		Network: payload.Network,
		AIMode:  payload.AIMode,
	}, nil
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var validationErr *validate.Error
	var rateLimitErr *flow.RateLimitError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &rateLimitErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":    err.Error(),
			"reset_at": rateLimitErr.ResetAt.Format(time.RFC3339),
		})
	case errors.Is(err, flow.ErrInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ratelimit.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func (h *handler) payments(w http.ResponseWriter, r *http.Request) {
	if h.app.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("payments not configured"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Instrument string `json:"instrument"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		instrument := domain.Instrument(payload.Instrument)
		if instrument != domain.NativeCoin && instrument != domain.FungibleToken {
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown payment instrument %q", payload.Instrument))
			return
		}

		tx, err := h.app.Payments.Pay(r.Context(), instrument)
		if err != nil {
			writePaymentError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tx)

	case http.MethodGet:
		history, err := h.app.Payments.History(r.Context(), r.URL.Query().Get("sender"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, history)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, paymentsvc.ErrWalletRequired):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, paymentsvc.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, paymentsvc.ErrTxFailed):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, paymentsvc.ErrConfirmationTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *handler) paymentQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.app.Prices == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("price conversion not configured"))
		return
	}

	nativeAmount, err := strconv.ParseFloat(r.URL.Query().Get("native_amount"), 64)
	if err != nil || nativeAmount <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("native_amount must be a positive number"))
		return
	}

	tokens, err := h.app.Prices.RequiredTokens(r.Context(), nativeAmount)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"tokens": tokens})
}

func (h *handler) rateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	client := r.URL.Query().Get("client")
	service := audit.ServiceType(r.URL.Query().Get("service"))
	if client == "" || service == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("client and service query parameters required"))
		return
	}

	decision, err := h.app.Authority.Check(r.Context(), client, service)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *handler) assistant(w http.ResponseWriter, r *http.Request) {
	if h.app.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("assistant not configured"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Query string `json:"query"`
			Agent string `json:"agent"`
			File  string `json:"file"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// The stream outlives this request; it ends via DELETE or a
		// replacement query.
		err := h.app.Stream.Start(context.Background(), stream.Query{
			Text:  payload.Query,
			Agent: payload.Agent,
			File:  payload.File,
		})
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case http.MethodGet:
		response := map[string]interface{}{
			"text":      h.app.Stream.Text(),
			"streaming": h.app.Stream.Streaming(),
		}
		if err := h.app.Stream.Err(); err != nil {
			response["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, response)

	case http.MethodDelete:
		h.app.Stream.Stop()
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.FormValue("clientId"))
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
