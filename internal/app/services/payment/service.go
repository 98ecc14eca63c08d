package payment

import (
	"context"
	"time"

	domain "github.com/solguard/auditd/internal/app/domain/payment"
	"github.com/solguard/auditd/internal/app/metrics"
	"github.com/solguard/auditd/internal/app/storage"
	"github.com/solguard/auditd/pkg/logger"
)

// Service fronts the gate with persistence: every broadcast attempt is
// recorded, whatever its final status.
type Service struct {
	gate  *Gate
	store storage.PaymentStore
	log   *logger.Logger
}

// NewService wraps the gate with the payment store.
func NewService(gate *Gate, store storage.PaymentStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payment")
	}
	return &Service{gate: gate, store: store, log: log}
}

// Pay runs the payment gate and records the transaction. Recording is
// best effort; a store failure does not undo a confirmed payment.
func (s *Service) Pay(ctx context.Context, instrument domain.Instrument) (domain.Transaction, error) {
	tx, err := s.gate.SendPayment(ctx, instrument)
	if tx.Signature != "" && s.store != nil {
		if _, serr := s.store.CreatePayment(ctx, tx); serr != nil {
			s.log.WithError(serr).WithField("signature", tx.Signature).Error("failed to record payment")
		}
	}
	var confirmation time.Duration
	if tx.Status == domain.StatusConfirmed {
		confirmation = tx.UpdatedAt.Sub(tx.CreatedAt)
	}
	metrics.RecordPayment(string(instrument), string(tx.Status), confirmation)
	return tx, err
}

// OnConfirmed forwards the confirmation continuation to the gate.
func (s *Service) OnConfirmed(fn func(domain.Transaction)) {
	s.gate.OnConfirmed(fn)
}

// History lists recorded payments for a sender, newest first.
func (s *Service) History(ctx context.Context, sender string) ([]domain.Transaction, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListPayments(ctx, sender)
}
