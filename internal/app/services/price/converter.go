package price

import (
	"context"
	"fmt"
)

// Converter computes the token amount tracking a fixed USD-equivalent of
// a native-coin amount. The computation is advisory input to the payment
// instrument amount and has no on-chain effect by itself.
type Converter struct {
	fetcher       Fetcher
	nativeAssetID string
	tokenAssetID  string
}

// NewConverter wires a converter over the price fetcher using the
// oracle's asset identifiers for the native coin and the utility token.
func NewConverter(fetcher Fetcher, nativeAssetID, tokenAssetID string) (*Converter, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("price fetcher required")
	}
	if nativeAssetID == "" || tokenAssetID == "" {
		return nil, fmt.Errorf("native and token asset ids required")
	}
	return &Converter{fetcher: fetcher, nativeAssetID: nativeAssetID, tokenAssetID: tokenAssetID}, nil
}

// RequiredTokens returns the token amount whose USD value matches
// nativeAmount (expressed in whole native units):
// requiredTokens = nativeAmount * nativePriceUSD / tokenPriceUSD.
func (c *Converter) RequiredTokens(ctx context.Context, nativeAmount float64) (float64, error) {
	if nativeAmount <= 0 {
		return 0, fmt.Errorf("native amount must be positive")
	}

	prices, err := c.fetcher.Fetch(ctx, c.nativeAssetID, c.tokenAssetID)
	if err != nil {
		return 0, fmt.Errorf("fetch prices: %w", err)
	}

	nativeUSD := prices[c.nativeAssetID]
	tokenUSD := prices[c.tokenAssetID]
	if tokenUSD <= 0 {
		return 0, fmt.Errorf("token price must be positive, got %f", tokenUSD)
	}
	return nativeAmount * nativeUSD / tokenUSD, nil
}
