// Package types common blockchain types shared by the chain clients and the monitor.
package types

import (
	"errors"
	"fmt"
)

// TxRef references a transaction seen for an address. Signature is the
// chain-native identifier (tx hash on ethereum-type chains, signature on
// solana-type chains). BlockTime may be zero when the chain does not report it.
type TxRef struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot,omitempty"`
	BlockTime int64  `json:"blockTime,omitempty"`
}

// Trans contains a simplified number of transaction fields. For the time being
// we keep just one transfer from `From` to `To` but there are blockchains that
// have multiple transfers in one transaction.
type Trans struct {
	Block     string `json:"block"`
	Signature string `json:"signature"`
	From      string `json:"from"`
	To        string `json:"to"`
	Token     string `json:"token,omitempty"`
	Value     string `json:"value"`
	Fee       uint64 `json:"fee,omitempty"`
	Status    uint8  `json:"status"`
	TS        int64  `json:"ts"`
}

// Transaction status constants.
const (
	TrxPending uint8 = 0
	TrxFailed  uint8 = 1
	TrxSuccess uint8 = 2
)

// Error codes.
var (
	ErrNoBlock      = errors.New("block not available yet")
	ErrBlockDecode  = errors.New("unable to decode block data")
	ErrNoTrx        = errors.New("transaction not found")
	ErrUnknownChain = errors.New("chain interface not defined for network kind")
	ErrNoEndpoint   = errors.New("no valid endpoint configured")
	ErrRateLimited  = errors.New("endpoint rate limited")
	ErrTransient    = errors.New("transient network error")
)

// RPCError is a transport failure carrying an HTTP-like status code. The 429
// status is load-bearing: it drives endpoint cooldown and rotation, so it must
// stay distinguishable from other failures.
type RPCError struct {
	Status  int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc status %d: %s", e.Status, e.Message)
}

// Is lets errors.Is match an RPCError against the taxonomy sentinels.
func (e *RPCError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == 429
	case ErrTransient:
		return e.Status != 429
	}
	return false
}

// IsRateLimited reports whether err represents a provider throttle (HTTP 429
// or equivalent).
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsTransient reports whether err is a retryable transport failure such as a
// timeout or connection reset. Rate limits are not transient: they have their
// own cooldown handling.
func IsTransient(err error) bool {
	if err == nil || IsRateLimited(err) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
