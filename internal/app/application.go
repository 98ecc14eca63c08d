// Package app assembles the audit gateway: stores, domain services and
// their lifecycle manager.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/internal/app/services/flow"
	paymentsvc "github.com/solguard/auditd/internal/app/services/payment"
	"github.com/solguard/auditd/internal/app/services/poll"
	"github.com/solguard/auditd/internal/app/services/price"
	"github.com/solguard/auditd/internal/app/services/ratelimit"
	"github.com/solguard/auditd/internal/app/services/stats"
	"github.com/solguard/auditd/internal/app/services/stream"
	"github.com/solguard/auditd/internal/app/services/submit"
	"github.com/solguard/auditd/internal/app/storage"
	"github.com/solguard/auditd/internal/app/storage/memory"
	"github.com/solguard/auditd/internal/app/system"
	"github.com/solguard/auditd/internal/chain"
	"github.com/solguard/auditd/internal/config"
	"github.com/solguard/auditd/pkg/logger"
)

// Stores bundles the persistence interfaces. Nil fields default to the
// shared in-memory store.
type Stores struct {
	Flows    storage.FlowStore
	Payments storage.PaymentStore
}

// Application wires the gateway services together.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Flows     *flow.Service
	Payments  *paymentsvc.Service
	Authority *ratelimit.Authority
	Stream    *stream.Client
	Prices    *price.Converter
	Stats     *stats.Reporter
}

// New builds a fully initialised application from the configuration.
// Components whose endpoints are unset stay nil and are reported as
// unavailable by the HTTP layer.
func New(cfg config.Config, stores Stores, signer paymentsvc.Signer, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Flows == nil {
		stores.Flows = mem
	}
	if stores.Payments == nil {
		stores.Payments = mem
	}

	manager := system.NewManager()
	httpClient := &http.Client{Timeout: 30 * time.Second}

	quotas := make(map[audit.ServiceType]ratelimit.Quota, len(cfg.Quotas))
	for service, quota := range cfg.Quotas {
		quotas[audit.ServiceType(service)] = ratelimit.Quota{Interval: quota.Interval, Burst: quota.Burst}
	}
	authority := ratelimit.NewAuthority(quotas, log)

	// Outbound checks go to the remote limiter when one is configured;
	// otherwise the local authority decides.
	var limiter ratelimit.Checker = authority
	if cfg.Endpoints.Limiter != "" {
		remote, err := ratelimit.NewClient(httpClient, cfg.Endpoints.Limiter, log)
		if err != nil {
			return nil, fmt.Errorf("configure rate limit client: %w", err)
		}
		limiter = remote
	}

	reporter := stats.New(httpClient, cfg.Endpoints.Stats, log)
	if cfg.Endpoints.Stats == "" {
		log.Warn("stats endpoint not set; usage reporting disabled")
	}

	application := &Application{
		manager:   manager,
		log:       log,
		Authority: authority,
		Stats:     reporter,
	}

	if cfg.Endpoints.Ingest != "" && cfg.Endpoints.Status != "" {
		submitter, err := submit.New(httpClient, cfg.Endpoints.Ingest, log)
		if err != nil {
			return nil, fmt.Errorf("configure submitter: %w", err)
		}
		source, err := poll.NewHTTPStatusSource(httpClient, cfg.Endpoints.Status, log)
		if err != nil {
			return nil, fmt.Errorf("configure status source: %w", err)
		}
		application.Flows = flow.New(stores.Flows, limiter, submitter, source, reporter, cfg.PollInterval, log)
		if err := manager.Register(application.Flows); err != nil {
			return nil, fmt.Errorf("register flow service: %w", err)
		}
	} else {
		log.Warn("ingest or status endpoint not set; audit flows disabled")
	}

	if cfg.Chain.RPCURL != "" && cfg.Payment.Receiver != "" {
		rpc, err := chain.NewClient(chain.Config{RPCURL: cfg.Chain.RPCURL})
		if err != nil {
			return nil, fmt.Errorf("configure chain client: %w", err)
		}
		gate, err := paymentsvc.NewGate(rpc, signer, paymentsvc.Config{
			Receiver:        cfg.Payment.Receiver,
			TokenMint:       cfg.Payment.TokenMint,
			TokenAmount:     cfg.Payment.TokenAmount,
			TokenDecimals:   uint8(cfg.Payment.TokenDecimals),
			NativeAmount:    cfg.Payment.NativeAmount,
			ConfirmInterval: cfg.Payment.ConfirmInterval,
			MaxConfirmPolls: cfg.Payment.MaxConfirmPolls,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("configure payment gate: %w", err)
		}
		application.Payments = paymentsvc.NewService(gate, stores.Payments, log)
	} else {
		log.Warn("chain rpc or receiver not set; payments disabled")
	}

	if cfg.Endpoints.Price != "" {
		fetcher, err := price.NewHTTPFetcher(httpClient, cfg.Endpoints.Price, log)
		if err != nil {
			return nil, fmt.Errorf("configure price fetcher: %w", err)
		}
		converter, err := price.NewConverter(fetcher, cfg.Price.NativeAssetID, cfg.Price.TokenAssetID)
		if err != nil {
			return nil, fmt.Errorf("configure price converter: %w", err)
		}
		application.Prices = converter
	}

	if cfg.Endpoints.Stream != "" {
		client, err := stream.New(nil, cfg.Endpoints.Stream, log)
		if err != nil {
			return nil, fmt.Errorf("configure stream client: %w", err)
		}
		application.Stream = client
		if err := manager.Register(streamService{client}); err != nil {
			return nil, fmt.Errorf("register stream service: %w", err)
		}
	}

	if err := manager.Register(system.NoopService{ServiceName: "ratelimit"}); err != nil {
		return nil, fmt.Errorf("register ratelimit service: %w", err)
	}

	return application, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Log exposes the application logger for the HTTP layer.
func (a *Application) Log() *logger.Logger {
	return a.log
}

// streamService adapts the stream client to the lifecycle manager.
type streamService struct {
	client *stream.Client
}

func (s streamService) Name() string                { return "stream" }
func (s streamService) Start(context.Context) error { return nil }
func (s streamService) Stop(context.Context) error {
	s.client.Stop()
	return nil
}
