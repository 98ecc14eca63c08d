// Package postgres implements the storage interfaces backed by
// PostgreSQL for deployments that outlive a single process.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/solguard/auditd/internal/app/domain/audit"
	"github.com/solguard/auditd/internal/app/domain/payment"
	"github.com/solguard/auditd/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.FlowStore = (*Store)(nil)
var _ storage.PaymentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_flows (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			service    TEXT NOT NULL,
			ai_mode    BOOLEAN NOT NULL DEFAULT FALSE,
			state      TEXT NOT NULL,
			job_id     TEXT NOT NULL DEFAULT '',
			result     JSONB,
			error      TEXT NOT NULL DEFAULT '',
			messages   JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS audit_flows_client_idx ON audit_flows (client_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS payments (
			signature  TEXT PRIMARY KEY,
			instrument TEXT NOT NULL,
			amount     BIGINT NOT NULL,
			sender     TEXT NOT NULL,
			receiver   TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS payments_sender_idx ON payments (sender, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// --- FlowStore --------------------------------------------------------------

func (s *Store) CreateFlow(ctx context.Context, flow audit.Flow) (audit.Flow, error) {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now

	resultJSON, messagesJSON, err := encodeFlow(flow)
	if err != nil {
		return audit.Flow{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_flows (id, client_id, service, ai_mode, state, job_id, result, error, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, flow.ID, flow.ClientID, string(flow.Service), flow.AIMode, string(flow.State), flow.JobID,
		resultJSON, flow.Error, messagesJSON, flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		return audit.Flow{}, err
	}
	return flow, nil
}

func (s *Store) UpdateFlow(ctx context.Context, flow audit.Flow) (audit.Flow, error) {
	existing, err := s.GetFlow(ctx, flow.ID)
	if err != nil {
		return audit.Flow{}, err
	}
	flow.CreatedAt = existing.CreatedAt
	flow.UpdatedAt = time.Now().UTC()

	resultJSON, messagesJSON, err := encodeFlow(flow)
	if err != nil {
		return audit.Flow{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_flows
		SET state = $2, job_id = $3, result = $4, error = $5, messages = $6, updated_at = $7
		WHERE id = $1
	`, flow.ID, string(flow.State), flow.JobID, resultJSON, flow.Error, messagesJSON, flow.UpdatedAt)
	if err != nil {
		return audit.Flow{}, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return audit.Flow{}, fmt.Errorf("flow %s not found", flow.ID)
	}
	return flow, nil
}

func (s *Store) GetFlow(ctx context.Context, id string) (audit.Flow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, service, ai_mode, state, job_id, result, error, messages, created_at, updated_at
		FROM audit_flows WHERE id = $1
	`, id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return audit.Flow{}, fmt.Errorf("flow %s not found", id)
	}
	return flow, err
}

func (s *Store) ListFlows(ctx context.Context, clientID string) ([]audit.Flow, error) {
	query := `
		SELECT id, client_id, service, ai_mode, state, job_id, result, error, messages, created_at, updated_at
		FROM audit_flows
	`
	args := []interface{}{}
	if clientID != "" {
		query += " WHERE client_id = $1"
		args = append(args, clientID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []audit.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFlow(row rowScanner) (audit.Flow, error) {
	var (
		flow         audit.Flow
		service      string
		state        string
		resultJSON   []byte
		messagesJSON []byte
	)
	err := row.Scan(&flow.ID, &flow.ClientID, &service, &flow.AIMode, &state, &flow.JobID,
		&resultJSON, &flow.Error, &messagesJSON, &flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return audit.Flow{}, err
	}
	flow.Service = audit.ServiceType(service)
	flow.State = audit.FlowState(state)

	if len(resultJSON) > 0 {
		var result audit.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return audit.Flow{}, fmt.Errorf("decode flow result: %w", err)
		}
		flow.Result = &result
	}
	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &flow.Messages); err != nil {
			return audit.Flow{}, fmt.Errorf("decode flow messages: %w", err)
		}
	}
	return flow, nil
}

func encodeFlow(flow audit.Flow) ([]byte, []byte, error) {
	var resultJSON []byte
	if flow.Result != nil {
		encoded, err := json.Marshal(flow.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("encode flow result: %w", err)
		}
		resultJSON = encoded
	}
	messages := flow.Messages
	if messages == nil {
		messages = []audit.StatusMessage{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, nil, fmt.Errorf("encode flow messages: %w", err)
	}
	return resultJSON, messagesJSON, nil
}

// --- PaymentStore -----------------------------------------------------------

func (s *Store) CreatePayment(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	if tx.Signature == "" {
		tx.Signature = uuid.NewString()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (signature, instrument, amount, sender, receiver, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tx.Signature, string(tx.Instrument), int64(tx.Amount), tx.Sender, tx.Receiver, string(tx.Status), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return payment.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) UpdatePayment(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	tx.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $2, updated_at = $3 WHERE signature = $1
	`, tx.Signature, string(tx.Status), tx.UpdatedAt)
	if err != nil {
		return payment.Transaction{}, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return payment.Transaction{}, fmt.Errorf("payment %s not found", tx.Signature)
	}
	return tx, nil
}

func (s *Store) ListPayments(ctx context.Context, sender string) ([]payment.Transaction, error) {
	query := `
		SELECT signature, instrument, amount, sender, receiver, status, created_at, updated_at
		FROM payments
	`
	args := []interface{}{}
	if sender != "" {
		query += " WHERE sender = $1"
		args = append(args, sender)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []payment.Transaction
	for rows.Next() {
		var (
			tx         payment.Transaction
			instrument string
			status     string
			amount     int64
		)
		if err := rows.Scan(&tx.Signature, &instrument, &amount, &tx.Sender, &tx.Receiver, &status, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		tx.Instrument = payment.Instrument(instrument)
		tx.Status = payment.Status(status)
		tx.Amount = uint64(amount)
		payments = append(payments, tx)
	}
	return payments, rows.Err()
}
