package storage

import (
	"context"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/internal/app/domain/payment"
)

// FlowStore persists audit flow records.
type FlowStore interface {
	CreateFlow(ctx context.Context, flow audit.Flow) (audit.Flow, error)
	UpdateFlow(ctx context.Context, flow audit.Flow) (audit.Flow, error)
	GetFlow(ctx context.Context, id string) (audit.Flow, error)
	ListFlows(ctx context.Context, clientID string) ([]audit.Flow, error)
}

// PaymentStore persists payment transaction projections.
type PaymentStore interface {
	CreatePayment(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)
	UpdatePayment(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)
	ListPayments(ctx context.Context, sender string) ([]payment.Transaction, error)
}
