// Implements the chain interface for solana networks over JSON-RPC.
package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tarancss/wam/lib/block/types"
)

const httpTimeoutDefault = 15 * time.Second

var requestCounter uint64

func newRequestID() uint64 {
	return atomic.AddUint64(&requestCounter, 1)
}

// Solana calls a single Solana JSON-RPC endpoint.
type Solana struct {
	endpoint string
	hc       *http.Client
}

// Dial returns a client bound to one RPC endpoint.
func Dial(endpoint string) *Solana {
	return &Solana{
		endpoint: endpoint,
		hc:       &http.Client{Timeout: httpTimeoutDefault},
	}
}

// Kind identifies the chain family.
func (s *Solana) Kind() string {
	return "solana"
}

// Close ends the connection. HTTP connections are pooled by the transport so
// there is nothing to tear down.
func (s *Solana) Close() {}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call posts one JSON-RPC request and decodes the result field. Provider
// throttles and transport failures come back as typed errors so the endpoint
// pool can tell them apart.
func (s *Solana) call(ctx context.Context, method string, params []any, result any) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      newRequestID(),
		Method:  method,
		Params:  params,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &types.RPCError{Status: resp.StatusCode, Message: string(body)}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error (%d): %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return types.ErrNoTrx
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// Balance returns the lamport balance of address.
func (s *Solana) Balance(ctx context.Context, address string) (*big.Int, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{
		address,
		map[string]string{"commitment": "confirmed"},
	}
	if err := s.call(ctx, "getBalance", params, &result); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(result.Value), nil
}

// Signatures returns up to limit recent transaction signatures for address,
// newest first as the node reports them.
func (s *Solana) Signatures(ctx context.Context, address string, limit int) ([]types.TxRef, error) {
	if limit <= 0 {
		limit = 1
	}
	var result []struct {
		Signature string `json:"signature"`
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
	}
	params := []any{
		address,
		map[string]any{
			"limit":      limit,
			"commitment": "confirmed",
		},
	}
	if err := s.call(ctx, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}

	refs := make([]types.TxRef, 0, len(result))
	for _, item := range result {
		ref := types.TxRef{Signature: item.Signature, Slot: item.Slot}
		if item.BlockTime != nil {
			ref.BlockTime = *item.BlockTime
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

type transactionResult struct {
	Slot        uint64 `json:"slot"`
	BlockTime   *int64 `json:"blockTime"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err          json.RawMessage `json:"err"`
		Fee          uint64          `json:"fee"`
		PreBalances  []uint64        `json:"preBalances"`
		PostBalances []uint64        `json:"postBalances"`
	} `json:"meta"`
}

// Transaction returns the parsed detail of one signature. The transfer value
// is derived from the recipient's balance delta; solana transactions can move
// funds between many accounts, we keep the first credited account.
func (s *Solana) Transaction(ctx context.Context, signature string) (*types.Trans, error) {
	var result transactionResult
	params := []any{
		signature,
		map[string]any{
			"encoding":                       "json",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}
	if err := s.call(ctx, "getTransaction", params, &result); err != nil {
		return nil, err
	}

	t := &types.Trans{
		Block:     strconv.FormatUint(result.Slot, 10),
		Signature: signature,
		Status:    types.TrxSuccess,
	}
	if result.BlockTime != nil {
		t.TS = *result.BlockTime
	}
	keys := result.Transaction.Message.AccountKeys
	if len(keys) > 0 {
		t.From = keys[0] // fee payer
	}
	if m := result.Meta; m != nil {
		t.Fee = m.Fee
		if m.Err != nil && string(m.Err) != "null" {
			t.Status = types.TrxFailed
		}
		// first account other than the fee payer whose balance grew
		for i := 1; i < len(keys) && i < len(m.PreBalances) && i < len(m.PostBalances); i++ {
			if m.PostBalances[i] > m.PreBalances[i] {
				t.To = keys[i]
				t.Value = strconv.FormatUint(m.PostBalances[i]-m.PreBalances[i], 10)
				break
			}
		}
	}
	return t, nil
}
