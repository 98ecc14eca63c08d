// Package chain provides JSON-RPC access to the payment chain: recent
// blockhash, balances, associated token accounts, transaction broadcast
// and signature-status queries.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoTokenAccount reports that the owner has no associated token
// account for the requested mint.
var ErrNoTokenAccount = errors.New("no associated token account")

// Client provides JSON-RPC client functionality for the payment chain.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a new chain RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Call makes a JSON-RPC call to the chain node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// LatestBlockhash returns a fresh recent blockhash for replay-safety and
// expiry bounding of new transactions.
func (c *Client) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	result, err := c.Call(ctx, "getLatestBlockhash", nil)
	if err != nil {
		return Blockhash{}, err
	}

	var payload struct {
		Value Blockhash `json:"value"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return Blockhash{}, err
	}
	if payload.Value.Hash == "" {
		return Blockhash{}, fmt.Errorf("empty blockhash in response")
	}
	return payload.Value, nil
}

// Balance returns the native-coin balance of an address in base units.
func (c *Client) Balance(ctx context.Context, address string) (uint64, error) {
	result, err := c.Call(ctx, "getBalance", []interface{}{address})
	if err != nil {
		return 0, err
	}

	var payload struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return 0, err
	}
	return payload.Value, nil
}

// TokenBalance resolves the owner's associated token account for a mint
// and returns its balance. ErrNoTokenAccount is returned when the owner
// holds no account for the mint.
func (c *Client) TokenBalance(ctx context.Context, owner, mint string) (TokenBalance, error) {
	params := []interface{}{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed"},
	}
	result, err := c.Call(ctx, "getTokenAccountsByOwner", params)
	if err != nil {
		return TokenBalance{}, err
	}

	var payload struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return TokenBalance{}, err
	}
	if len(payload.Value) == 0 {
		return TokenBalance{}, ErrNoTokenAccount
	}

	entry := payload.Value[0]
	var amount uint64
	if _, err := fmt.Sscan(entry.Account.Data.Parsed.Info.TokenAmount.Amount, &amount); err != nil {
		return TokenBalance{}, fmt.Errorf("parse token amount: %w", err)
	}
	return TokenBalance{
		Account:  entry.Pubkey,
		Amount:   amount,
		Decimals: entry.Account.Data.Parsed.Info.TokenAmount.Decimals,
	}, nil
}

// SendTransaction broadcasts a signed, encoded transaction and returns
// its signature.
func (c *Client) SendTransaction(ctx context.Context, encodedTx string) (string, error) {
	result, err := c.Call(ctx, "sendTransaction", []interface{}{encodedTx})
	if err != nil {
		return "", err
	}

	var signature string
	if err := json.Unmarshal(result, &signature); err != nil {
		return "", err
	}
	if signature == "" {
		return "", fmt.Errorf("empty signature in response")
	}
	return signature, nil
}

// SignatureStatus queries the confirmation state of one signature. A nil
// status means the node does not know the transaction yet.
func (c *Client) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	result, err := c.Call(ctx, "getSignatureStatuses", []interface{}{[]string{signature}})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, err
	}
	if len(payload.Value) == 0 {
		return nil, nil
	}
	return payload.Value[0], nil
}
