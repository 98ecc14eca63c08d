// Package payment gates premium audit features behind a verified
// on-chain transfer. The gate checks balances before constructing a
// transaction, broadcasts a signed single-instruction transfer, and
// polls for confirmation under a bounded retry budget. The caller's
// continuation runs only after confirmation is observed on chain.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	domain "github.com/solguard/auditd/internal/app/domain/payment"
	"github.com/solguard/auditd/internal/chain"
	"github.com/solguard/auditd/pkg/logger"
)

var (
	// ErrWalletRequired reports that no wallet is connected; the
	// premium toggle must request a connection instead of paying.
	ErrWalletRequired = errors.New("wallet connection required")

	// ErrInsufficientBalance reports a pre-flight shortfall. No
	// transaction is ever broadcast in this case.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTxFailed reports an on-chain execution failure: the transfer
	// was broadcast and the chain rejected it.
	ErrTxFailed = errors.New("transaction failed on chain")

	// ErrConfirmationTimeout reports that the confirmation budget was
	// exhausted with the transaction status still unknown.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
)

// RPC is the chain surface the gate depends on; *chain.Client
// satisfies it, and tests inject fakes.
type RPC interface {
	LatestBlockhash(ctx context.Context) (chain.Blockhash, error)
	Balance(ctx context.Context, address string) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint string) (chain.TokenBalance, error)
	SendTransaction(ctx context.Context, encodedTx string) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*chain.SignatureStatus, error)
}

// Config fixes the payment parameters. Amounts are configuration, not
// derived at runtime, except where the USD-pegged conversion advises the
// token amount.
type Config struct {
	Receiver        string
	TokenMint       string
	TokenAmount     uint64 // base units
	TokenDecimals   uint8
	NativeAmount    uint64 // base units (lamports)
	ConfirmInterval time.Duration
	MaxConfirmPolls int
}

// Gate verifies payment for premium access.
type Gate struct {
	rpc    RPC
	signer Signer
	cfg    Config
	log    *logger.Logger

	onConfirmed func(domain.Transaction)
	confirmOnce sync.Once
}

// NewGate constructs a payment gate. signer may be nil for a
// disconnected wallet; SendPayment then fails with ErrWalletRequired.
func NewGate(rpc RPC, signer Signer, cfg Config, log *logger.Logger) (*Gate, error) {
	if rpc == nil {
		return nil, fmt.Errorf("chain rpc required")
	}
	if cfg.Receiver == "" {
		return nil, fmt.Errorf("receiver address required")
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 2 * time.Second
	}
	if cfg.MaxConfirmPolls <= 0 {
		cfg.MaxConfirmPolls = 30
	}
	if log == nil {
		log = logger.NewDefault("payment")
	}
	return &Gate{rpc: rpc, signer: signer, cfg: cfg, log: log}, nil
}

// OnConfirmed registers the continuation unlocked by a confirmed
// payment. It runs at most once, and never before confirmation.
func (g *Gate) OnConfirmed(fn func(domain.Transaction)) {
	g.onConfirmed = fn
}

// transferMessage is the canonical signing payload for the
// single-instruction transfer.
type transferMessage struct {
	Instrument      string `json:"instrument"`
	Sender          string `json:"sender"`
	Receiver        string `json:"receiver"`
	Mint            string `json:"mint,omitempty"`
	Amount          uint64 `json:"amount"`
	RecentBlockhash string `json:"recentBlockhash"`
}

// SendPayment verifies balance, builds and signs a transfer with a fresh
// recent blockhash, broadcasts it, and polls until confirmation, failure
// or timeout. The returned transaction carries the terminal status.
func (g *Gate) SendPayment(ctx context.Context, instrument domain.Instrument) (domain.Transaction, error) {
	if g.signer == nil {
		return domain.Transaction{}, ErrWalletRequired
	}

	sender := g.signer.PublicKey()
	tx := domain.Transaction{
		Instrument: instrument,
		Sender:     sender,
		Receiver:   g.cfg.Receiver,
		Status:     domain.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	switch instrument {
	case domain.FungibleToken:
		tx.Amount = g.cfg.TokenAmount
		if err := g.checkTokenBalance(ctx, sender); err != nil {
			return tx, err
		}
	case domain.NativeCoin:
		tx.Amount = g.cfg.NativeAmount
		if err := g.checkNativeBalance(ctx, sender); err != nil {
			return tx, err
		}
	default:
		return tx, fmt.Errorf("unknown payment instrument %q", instrument)
	}

	blockhash, err := g.rpc.LatestBlockhash(ctx)
	if err != nil {
		return tx, fmt.Errorf("fetch recent blockhash: %w", err)
	}

	encoded, err := g.buildAndSign(instrument, sender, tx.Amount, blockhash.Hash)
	if err != nil {
		return tx, err
	}

	signature, err := g.rpc.SendTransaction(ctx, encoded)
	if err != nil {
		return tx, fmt.Errorf("broadcast transfer: %w", err)
	}
	tx.Signature = signature
	g.log.WithField("signature", signature).
		WithField("instrument", string(instrument)).
		Info("transfer broadcast; awaiting confirmation")

	return g.awaitConfirmation(ctx, tx)
}

func (g *Gate) checkTokenBalance(ctx context.Context, owner string) error {
	balance, err := g.rpc.TokenBalance(ctx, owner, g.cfg.TokenMint)
	if errors.Is(err, chain.ErrNoTokenAccount) {
		return fmt.Errorf("%w: no token account for mint %s; %s required",
			ErrInsufficientBalance, g.cfg.TokenMint, formatUnits(g.cfg.TokenAmount, g.cfg.TokenDecimals))
	}
	if err != nil {
		return fmt.Errorf("resolve token account: %w", err)
	}
	if balance.Amount < g.cfg.TokenAmount {
		return fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance,
			formatUnits(balance.Amount, balance.Decimals),
			formatUnits(g.cfg.TokenAmount, g.cfg.TokenDecimals))
	}
	return nil
}

func (g *Gate) checkNativeBalance(ctx context.Context, owner string) error {
	balance, err := g.rpc.Balance(ctx, owner)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if balance < g.cfg.NativeAmount {
		return fmt.Errorf("%w: have %s, need %s",
			ErrInsufficientBalance,
			formatUnits(balance, 9),
			formatUnits(g.cfg.NativeAmount, 9))
	}
	return nil
}

func (g *Gate) buildAndSign(instrument domain.Instrument, sender string, amount uint64, blockhash string) (string, error) {
	message := transferMessage{
		Instrument:      string(instrument),
		Sender:          sender,
		Receiver:        g.cfg.Receiver,
		Amount:          amount,
		RecentBlockhash: blockhash,
	}
	if instrument == domain.FungibleToken {
		message.Mint = g.cfg.TokenMint
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("encode transfer: %w", err)
	}

	signature, err := g.signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}

	signed := struct {
		Message   json.RawMessage `json:"message"`
		Signature string          `json:"signature"`
	}{Message: payload, Signature: base58.Encode(signature)}

	encoded, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("encode signed transfer: %w", err)
	}
	return base58.Encode(encoded), nil
}

// awaitConfirmation polls signature status at the fixed interval up to
// the configured attempt budget.
func (g *Gate) awaitConfirmation(ctx context.Context, tx domain.Transaction) (domain.Transaction, error) {
	ticker := time.NewTicker(g.cfg.ConfirmInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < g.cfg.MaxConfirmPolls; attempt++ {
		select {
		case <-ctx.Done():
			tx.Status = domain.StatusTimedOut
			return tx, fmt.Errorf("%w: %v", ErrConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}

		status, err := g.rpc.SignatureStatus(ctx, tx.Signature)
		if err != nil {
			g.log.WithError(err).WithField("signature", tx.Signature).Warn("signature status query failed")
			continue
		}
		if status == nil {
			continue
		}
		if status.Failed() {
			tx.Status = domain.StatusFailed
			tx.UpdatedAt = time.Now().UTC()
			return tx, fmt.Errorf("%w: %s", ErrTxFailed, string(status.Err))
		}
		if status.Confirmed() {
			tx.Status = domain.StatusConfirmed
			tx.UpdatedAt = time.Now().UTC()
			g.log.WithField("signature", tx.Signature).Info("payment confirmed")
			if g.onConfirmed != nil {
				confirmed := tx
				g.confirmOnce.Do(func() { g.onConfirmed(confirmed) })
			}
			return tx, nil
		}
	}

	tx.Status = domain.StatusTimedOut
	tx.UpdatedAt = time.Now().UTC()
	return tx, fmt.Errorf("%w after %d polls", ErrConfirmationTimeout, g.cfg.MaxConfirmPolls)
}

func formatUnits(amount uint64, decimals uint8) string {
	divisor := 1.0
	for i := uint8(0); i < decimals; i++ {
		divisor *= 10
	}
	return fmt.Sprintf("%g", float64(amount)/divisor)
}
