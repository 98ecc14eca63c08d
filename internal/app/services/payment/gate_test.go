package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solguard/auditd/internal/app/domain/payment"
	"github.com/solguard/auditd/internal/chain"
)

// fakeRPC scripts the chain surface and records broadcasts.
type fakeRPC struct {
	tokenBalance    chain.TokenBalance
	tokenBalanceErr error
	nativeBalance   uint64
	statuses        []*chain.SignatureStatus
	statusErr       error

	sendCalls   atomic.Int64
	statusCalls atomic.Int64
}

func (f *fakeRPC) LatestBlockhash(_ context.Context) (chain.Blockhash, error) {
	return chain.Blockhash{Hash: "fresh-hash", LastValidBlockHeight: 100}, nil
}

func (f *fakeRPC) Balance(_ context.Context, _ string) (uint64, error) {
	return f.nativeBalance, nil
}

func (f *fakeRPC) TokenBalance(_ context.Context, _, _ string) (chain.TokenBalance, error) {
	if f.tokenBalanceErr != nil {
		return chain.TokenBalance{}, f.tokenBalanceErr
	}
	return f.tokenBalance, nil
}

func (f *fakeRPC) SendTransaction(_ context.Context, _ string) (string, error) {
	f.sendCalls.Add(1)
	return "sig-test", nil
}

func (f *fakeRPC) SignatureStatus(_ context.Context, _ string) (*chain.SignatureStatus, error) {
	n := f.statusCalls.Add(1)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	idx := int(n - 1)
	if idx >= len(f.statuses) {
		if len(f.statuses) == 0 {
			return nil, nil
		}
		idx = len(f.statuses) - 1
	}
	return f.statuses[idx], nil
}

func testConfig() Config {
	return Config{
		Receiver:        "receiver-pubkey",
		TokenMint:       "mint-pubkey",
		TokenAmount:     1000000, // 1.0 at 6 decimals
		TokenDecimals:   6,
		NativeAmount:    50000000,
		ConfirmInterval: 2 * time.Millisecond,
		MaxConfirmPolls: 5,
	}
}

func newTestGate(t *testing.T, rpc RPC) *Gate {
	t.Helper()
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	gate, err := NewGate(rpc, signer, testConfig(), nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return gate
}

func TestSendPayment_WalletRequired(t *testing.T) {
	gate, err := NewGate(&fakeRPC{}, nil, testConfig(), nil)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	_, err = gate.SendPayment(context.Background(), payment.FungibleToken)
	if !errors.Is(err, ErrWalletRequired) {
		t.Fatalf("expected ErrWalletRequired, got %v", err)
	}
}

func TestSendPayment_InsufficientTokenBalance(t *testing.T) {
	rpc := &fakeRPC{tokenBalance: chain.TokenBalance{Account: "ata", Amount: 400000, Decimals: 6}}
	gate := newTestGate(t, rpc)

	_, err := gate.SendPayment(context.Background(), payment.FungibleToken)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := rpc.sendCalls.Load(); got != 0 {
		t.Fatalf("no transaction may be broadcast on shortfall, got %d sends", got)
	}
}

func TestSendPayment_MissingTokenAccount(t *testing.T) {
	rpc := &fakeRPC{tokenBalanceErr: chain.ErrNoTokenAccount}
	gate := newTestGate(t, rpc)

	_, err := gate.SendPayment(context.Background(), payment.FungibleToken)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := rpc.sendCalls.Load(); got != 0 {
		t.Fatalf("no transaction may be broadcast without a token account, got %d sends", got)
	}
}

func TestSendPayment_ConfirmedAfterPending(t *testing.T) {
	rpc := &fakeRPC{
		tokenBalance: chain.TokenBalance{Account: "ata", Amount: 5000000, Decimals: 6},
		statuses: []*chain.SignatureStatus{
			nil,
			{ConfirmationStatus: "processed"},
			{ConfirmationStatus: "finalized"},
		},
	}
	gate := newTestGate(t, rpc)

	var unlocked atomic.Int64
	gate.OnConfirmed(func(tx payment.Transaction) {
		if tx.Status != payment.StatusConfirmed {
			t.Errorf("continuation must observe confirmed status, got %s", tx.Status)
		}
		unlocked.Add(1)
	})

	tx, err := gate.SendPayment(context.Background(), payment.FungibleToken)
	if err != nil {
		t.Fatalf("send payment: %v", err)
	}
	if tx.Status != payment.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", tx.Status)
	}
	if tx.Signature != "sig-test" {
		t.Fatalf("expected signature from broadcast, got %q", tx.Signature)
	}
	if unlocked.Load() != 1 {
		t.Fatalf("continuation must run exactly once, ran %d times", unlocked.Load())
	}
}

func TestSendPayment_ConfirmationTimeout(t *testing.T) {
	rpc := &fakeRPC{
		tokenBalance: chain.TokenBalance{Account: "ata", Amount: 5000000, Decimals: 6},
		statuses:     []*chain.SignatureStatus{{ConfirmationStatus: "processed"}},
	}
	gate := newTestGate(t, rpc)

	var unlocked atomic.Int64
	gate.OnConfirmed(func(payment.Transaction) { unlocked.Add(1) })

	tx, err := gate.SendPayment(context.Background(), payment.FungibleToken)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	if tx.Status != payment.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", tx.Status)
	}
	if unlocked.Load() != 0 {
		t.Fatalf("continuation must never run without confirmation")
	}
	if got := rpc.statusCalls.Load(); got != int64(testConfig().MaxConfirmPolls) {
		t.Fatalf("expected %d status polls, got %d", testConfig().MaxConfirmPolls, got)
	}
}

func TestSendPayment_OnChainFailure(t *testing.T) {
	rpc := &fakeRPC{
		tokenBalance: chain.TokenBalance{Account: "ata", Amount: 5000000, Decimals: 6},
		statuses: []*chain.SignatureStatus{
			{ConfirmationStatus: "processed", Err: json.RawMessage(`{"InstructionError": [0, "Custom"]}`)},
		},
	}
	gate := newTestGate(t, rpc)

	tx, err := gate.SendPayment(context.Background(), payment.FungibleToken)
	if !errors.Is(err, ErrTxFailed) {
		t.Fatalf("expected ErrTxFailed, got %v", err)
	}
	if tx.Status != payment.StatusFailed {
		t.Fatalf("expected failed, got %s", tx.Status)
	}
}

func TestSendPayment_NativeInstrument(t *testing.T) {
	rpc := &fakeRPC{
		nativeBalance: 100000000,
		statuses:      []*chain.SignatureStatus{{ConfirmationStatus: "confirmed"}},
	}
	gate := newTestGate(t, rpc)

	tx, err := gate.SendPayment(context.Background(), payment.NativeCoin)
	if err != nil {
		t.Fatalf("send payment: %v", err)
	}
	if tx.Amount != testConfig().NativeAmount {
		t.Fatalf("expected configured native amount, got %d", tx.Amount)
	}
	if tx.Status != payment.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", tx.Status)
	}
}

func TestSendPayment_NativeInsufficient(t *testing.T) {
	rpc := &fakeRPC{nativeBalance: 10}
	gate := newTestGate(t, rpc)

	_, err := gate.SendPayment(context.Background(), payment.NativeCoin)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if rpc.sendCalls.Load() != 0 {
		t.Fatalf("no broadcast expected on native shortfall")
	}
}
