// Package memory provides a thread-safe in-memory persistence layer
// implementing the storage interfaces. It backs tests and is the default
// store when no external persistence is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/internal/app/domain/payment"
)

// Store is the in-memory implementation of the storage interfaces.
type Store struct {
	mu       sync.RWMutex
	nextID   int64
	flows    map[string]audit.Flow
	payments map[string]payment.Transaction
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:   1,
		flows:    make(map[string]audit.Flow),
		payments: make(map[string]payment.Transaction),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// FlowStore implementation ----------------------------------------------------

func (s *Store) CreateFlow(_ context.Context, flow audit.Flow) (audit.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if flow.ID == "" {
		flow.ID = s.nextIDLocked()
	} else if _, exists := s.flows[flow.ID]; exists {
		return audit.Flow{}, fmt.Errorf("flow %s already exists", flow.ID)
	}

	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	s.flows[flow.ID] = cloneFlow(flow)
	return cloneFlow(flow), nil
}

func (s *Store) UpdateFlow(_ context.Context, flow audit.Flow) (audit.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.flows[flow.ID]
	if !ok {
		return audit.Flow{}, fmt.Errorf("flow %s not found", flow.ID)
	}

	flow.CreatedAt = original.CreatedAt
	flow.UpdatedAt = time.Now().UTC()

	s.flows[flow.ID] = cloneFlow(flow)
	return cloneFlow(flow), nil
}

func (s *Store) GetFlow(_ context.Context, id string) (audit.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return audit.Flow{}, fmt.Errorf("flow %s not found", id)
	}
	return cloneFlow(flow), nil
}

func (s *Store) ListFlows(_ context.Context, clientID string) ([]audit.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]audit.Flow, 0, len(s.flows))
	for _, flow := range s.flows {
		if clientID != "" && flow.ClientID != clientID {
			continue
		}
		result = append(result, cloneFlow(flow))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// PaymentStore implementation -------------------------------------------------

func (s *Store) CreatePayment(_ context.Context, tx payment.Transaction) (payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Signature == "" {
		tx.Signature = s.nextIDLocked()
	} else if _, exists := s.payments[tx.Signature]; exists {
		return payment.Transaction{}, fmt.Errorf("payment %s already exists", tx.Signature)
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	s.payments[tx.Signature] = tx
	return tx, nil
}

func (s *Store) UpdatePayment(_ context.Context, tx payment.Transaction) (payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.payments[tx.Signature]
	if !ok {
		return payment.Transaction{}, fmt.Errorf("payment %s not found", tx.Signature)
	}

	tx.CreatedAt = original.CreatedAt
	tx.UpdatedAt = time.Now().UTC()

	s.payments[tx.Signature] = tx
	return tx, nil
}

func (s *Store) ListPayments(_ context.Context, sender string) ([]payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.Transaction, 0, len(s.payments))
	for _, tx := range s.payments {
		if sender != "" && tx.Sender != sender {
			continue
		}
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func cloneFlow(flow audit.Flow) audit.Flow {
	out := flow
	if flow.Messages != nil {
		out.Messages = make([]audit.StatusMessage, len(flow.Messages))
		copy(out.Messages, flow.Messages)
	}
	if flow.Result != nil {
		res := *flow.Result
		out.Result = &res
	}
	return out
}
