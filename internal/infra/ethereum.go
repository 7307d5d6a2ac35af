package infra

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// NewEthClient dials the rail RPC endpoint and checks it serves the
// expected chain.
func NewEthClient(ctx context.Context, url string, chainID int64) (*ethclient.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("rail rpc url is required")
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rail rpc: %w", err)
	}

	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if got.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("rail rpc serves chain %s, expected %d", got, chainID)
	}

	return client, nil
}
