// Package app composes the audit gateway.
//
// The gateway fronts a remote smart-contract audit service: clients
// upload contract archives or point at deployed addresses, the gateway
// validates and submits the request, then polls the backend until the
// audit reaches a terminal state. Premium analysis is unlocked by an
// on-chain micropayment verified against the chain RPC.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── audit/          # Requests, jobs, results, flows
//	│   └── payment/        # Payment transactions
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # FlowStore and PaymentStore
//	│   ├── memory/         # In-memory implementation, default and test store
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic
//	│   ├── flow/           # End-to-end audit orchestration
//	│   ├── validate/       # Request validation
//	│   ├── ratelimit/      # Local authority and remote limiter client
//	│   ├── submit/         # Ingest endpoint client
//	│   ├── poll/           # Job status polling
//	│   ├── result/         # Backend payload normalization
//	│   ├── payment/        # Micropayment gate and signer
//	│   ├── price/          # USD price conversion
//	│   ├── stats/          # Fire-and-forget usage reporting
//	│   └── stream/         # Assistant SSE consumer
//	├── httpapi/            # HTTP handlers and routing
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// Domain models carry no behavior beyond simple accessors; business
// rules live in services, and the composition root in application.go
// wires them to stores and remote endpoints from the configuration.
package app
