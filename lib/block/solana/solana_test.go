package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tarancss/wam/lib/block/types"
)

func rpcServer(t *testing.T, handler func(method string, params []any) (any, int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, status := handler(req.Method, req.Params)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
}

func TestBalance(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(method string, params []any) (any, int) {
		if method != "getBalance" {
			t.Errorf("unexpected method %s", method)
		}
		if addr, _ := params[0].(string); addr != "wallet1" {
			t.Errorf("unexpected address %v", params[0])
		}
		return map[string]any{"context": map[string]any{"slot": 100}, "value": 2500000}, http.StatusOK
	})
	defer srv.Close()

	bal, err := Dial(srv.URL).Balance(context.Background(), "wallet1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Uint64() != 2500000 {
		t.Errorf("balance: got %s", bal)
	}
}

func TestSignatures(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(method string, params []any) (any, int) {
		if method != "getSignaturesForAddress" {
			t.Errorf("unexpected method %s", method)
		}
		return []map[string]any{
			{"signature": "sig2", "slot": 205, "blockTime": 1700000200},
			{"signature": "sig1", "slot": 201, "blockTime": nil},
		}, http.StatusOK
	})
	defer srv.Close()

	refs, err := Dial(srv.URL).Signatures(context.Background(), "wallet1", 10)
	if err != nil {
		t.Fatalf("Signatures: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(refs))
	}
	if refs[0].Signature != "sig2" || refs[0].Slot != 205 || refs[0].BlockTime != 1700000200 {
		t.Errorf("ref decoded wrong: %+v", refs[0])
	}
	if refs[1].BlockTime != 0 {
		t.Errorf("missing blockTime should stay zero, got %d", refs[1].BlockTime)
	}
}

func TestTransactionStatusAndTransfer(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(method string, params []any) (any, int) {
		return map[string]any{
			"slot":      205,
			"blockTime": 1700000200,
			"transaction": map[string]any{
				"message": map[string]any{
					"accountKeys": []string{"payer", "recipient", "program"},
				},
			},
			"meta": map[string]any{
				"err":          nil,
				"fee":          5000,
				"preBalances":  []uint64{100000, 50000, 1},
				"postBalances": []uint64{75000, 70000, 1},
			},
		}, http.StatusOK
	})
	defer srv.Close()

	trans, err := Dial(srv.URL).Transaction(context.Background(), "sig2")
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if trans.Status != types.TrxSuccess {
		t.Errorf("status: got %d", trans.Status)
	}
	if trans.From != "payer" || trans.To != "recipient" || trans.Value != "20000" {
		t.Errorf("transfer decoded wrong: %+v", trans)
	}
	if trans.Fee != 5000 || trans.Block != "205" || trans.TS != 1700000200 {
		t.Errorf("metadata decoded wrong: %+v", trans)
	}
}

func TestTooManyRequestsIsRateLimited(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(method string, params []any) (any, int) {
		return nil, http.StatusTooManyRequests
	})
	defer srv.Close()

	_, err := Dial(srv.URL).Balance(context.Background(), "wallet1")
	if !types.IsRateLimited(err) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
	if types.IsTransient(err) {
		t.Error("rate limit must not classify as transient")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := rpcServer(t, func(method string, params []any) (any, int) {
		return nil, http.StatusBadGateway
	})
	defer srv.Close()

	_, err := Dial(srv.URL).Balance(context.Background(), "wallet1")
	if !types.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestMissingResultIsNoTrx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	_, err := Dial(srv.URL).Transaction(context.Background(), "unknown")
	if err != types.ErrNoTrx {
		t.Fatalf("expected ErrNoTrx, got %v", err)
	}
}
