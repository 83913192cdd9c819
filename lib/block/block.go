// Package block defines the interface required for all blockchain or network
// connections. Clients are bound to a single endpoint URL so the pool manager
// can hand any configured endpoint to any operation; the access layer dials
// one client per endpoint at startup.
package block

import (
	"context"
	"fmt"
	"math/big"

	"github.com/tarancss/wam/lib/block/ethereum"
	"github.com/tarancss/wam/lib/block/solana"
	"github.com/tarancss/wam/lib/block/types"
)

// Chain is the read surface the monitor needs from a blockchain. It has been
// designed to be as much standard as possible; chains that lack a native
// per-address history synthesize Signatures from recent blocks.
type Chain interface {
	// Kind returns the chain family the client speaks ("ethereum", "solana").
	Kind() string
	// Balance returns the base-unit balance of address.
	Balance(ctx context.Context, address string) (*big.Int, error)
	// Signatures returns references to recent transactions involving address,
	// newest last, at most limit entries.
	Signatures(ctx context.Context, address string, limit int) ([]types.TxRef, error)
	// Transaction returns the parsed detail of one transaction reference.
	Transaction(ctx context.Context, signature string) (*types.Trans, error)
	// Close ends the connection.
	Close()
}

// Dial connects a chain client of the given kind to a single endpoint node.
func Dial(kind, node, secret string, startBlock uint64) (Chain, error) {
	switch kind {
	case "ethereum":
		return ethereum.Dial(node, secret, startBlock)
	case "solana":
		return solana.Dial(node), nil
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownChain, kind)
	}
}
