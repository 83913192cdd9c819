// Implements the chain interface for ethereum networks.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/tarancss/ethcli"

	"github.com/tarancss/wam/lib/block/types"
)

// Ethereum ERC20 token methodID (keccak-256 of the function name and arguments)
const (
	ERC20transfer256     = "a9059cbb" // transfer(address,uint256)
	ERC20transferFrom256 = "23b872dd" // transferFrom(address,address,uint256)
	ERC20transfer        = "6cb927d8" // transfer(address,uint)
	ERC20transferFrom    = "a978501e" // transferFrom(address,address,uint)
)

// maxScanDefault caps how many new blocks one Signatures call will walk.
const maxScanDefault = 25

// Ethereum implements a connection to a single node of an ethereum-type chain.
// Ethereum nodes have no per-address history RPC, so Signatures walks blocks
// forward from a cursor and filters the transfers for the requested address.
type Ethereum struct {
	c *ethcli.EthCli

	mu   sync.Mutex
	next uint64 // next block to scan
	txs  map[string]types.Trans
}

// Dial returns a connection to an ethereum node, using secret if necessary for
// authentication. Block scanning starts at startBlock.
func Dial(node, secret string, startBlock uint64) (*Ethereum, error) {
	c := ethcli.Init(node, secret)
	if c == nil {
		return nil, errors.New("cannot connect to ethereum blockchain in " + node)
	}
	return &Ethereum{c: c, next: startBlock, txs: map[string]types.Trans{}}, nil
}

// Kind identifies the chain family.
func (e *Ethereum) Kind() string {
	return "ethereum"
}

// Close ends the connection.
func (e *Ethereum) Close() {
	e.c.End()
}

// Balance returns the ether balance of address in wei.
func (e *Ethereum) Balance(ctx context.Context, address string) (*big.Int, error) {
	ethBal, _, err := e.c.GetBalance(address, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	return ethBal, nil
}

// Signatures walks blocks from the scan cursor, retaining the transfers that
// involve address. The cursor only advances past fully decoded blocks, so a
// block that is not available yet is retried on the next call.
func (e *Ethereum) Signatures(ctx context.Context, address string, limit int) ([]types.TxRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	address = strings.ToLower(address)
	var refs []types.TxRef
	for scanned := 0; scanned < maxScanDefault && len(refs) < limit; scanned++ {
		if err := ctx.Err(); err != nil {
			return refs, err
		}
		var blk map[string]interface{}
		if err := e.c.GetBlockByNumber(e.next, true, &blk); err != nil {
			if err == ethcli.ErrNoBlock {
				break // chain tip reached
			}
			return refs, fmt.Errorf("%w: %v", types.ErrTransient, err)
		}
		txs, ts, err := decodeTxs(blk)
		if err != nil {
			return refs, err
		}
		for _, t := range txs {
			if strings.ToLower(t.From) != address && strings.ToLower(t.To) != address {
				continue
			}
			t.TS = ts
			e.txs[t.Signature] = t
			refs = append(refs, types.TxRef{Signature: t.Signature, Slot: e.next, BlockTime: ts})
		}
		e.next++
	}
	return refs, nil
}

// Transaction returns the details of the transaction for the given hash. The
// node reports raw contract calls for token transfers, so recipient, token
// and amount decoded during the block scan take precedence over the node's
// view; status and fee always come from the receipt.
func (e *Ethereum) Transaction(ctx context.Context, signature string) (*types.Trans, error) {
	e.mu.Lock()
	cached, ok := e.txs[signature]
	e.mu.Unlock()

	trx, err := e.c.GetTrx(signature)
	if err != nil {
		if ok {
			return &cached, nil
		}
		return nil, fmt.Errorf("%w: %v", types.ErrTransient, err)
	}

	t := transFromTrx(trx, signature)
	if ok {
		t.From, t.To, t.Token, t.Value = cached.From, cached.To, cached.Token, cached.Value
	}
	return &t, nil
}

// transFromTrx maps a node transaction to the shared transfer shape.
func transFromTrx(trx *ethcli.Trx, signature string) types.Trans {
	return types.Trans{
		Block:     "0x" + strconv.FormatUint(trx.Blk, 16),
		Signature: signature,
		From:      trx.From,
		To:        trx.To,
		Token:     string(trx.Token),
		Value:     trx.Amount,
		Fee:       trx.Fee,
		Status:    trx.Status,
		TS:        int64(trx.TS),
	}
}

// decodeTxs extracts the ether and ERC20 transfers of a full block, together
// with the block timestamp.
func decodeTxs(blk map[string]interface{}) ([]types.Trans, int64, error) {
	var ts int64
	if tmp, ok := blk["timestamp"].(string); ok {
		if v, err := strconv.ParseUint(tmp, 0, 64); err == nil {
			ts = int64(v)
		}
	}
	txList, ok := blk["transactions"].([]interface{})
	if !ok {
		return nil, ts, types.ErrNoTrx
	}

	var txs []types.Trans
	for _, raw := range txList {
		txObj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, ts, types.ErrBlockDecode
		}
		var t types.Trans
		if t.Block, ok = txObj["blockNumber"].(string); !ok {
			return nil, ts, types.ErrBlockDecode
		}
		if t.Signature, ok = txObj["hash"].(string); !ok {
			return nil, ts, types.ErrBlockDecode
		}
		if t.To, ok = txObj["to"].(string); !ok {
			continue // contract creation, so we dont care about this transaction
		}
		input, ok := txObj["input"].(string)
		if !ok {
			return nil, ts, types.ErrBlockDecode
		}
		t.Status = types.TrxPending // actual status comes from the receipt

		if isEtherTransfer(input) {
			if t.Value, ok = txObj["value"].(string); !ok {
				return nil, ts, types.ErrBlockDecode
			}
			if t.From, ok = txObj["from"].(string); !ok {
				return nil, ts, types.ErrBlockDecode
			}
			txs = append(txs, t)
			continue
		}

		// token transaction: the smart contract address comes in "to"
		method := input[2:10]
		switch {
		case method == ERC20transfer || method == ERC20transfer256:
			if len(input) < 138 {
				continue
			}
			if t.From, ok = txObj["from"].(string); !ok {
				return nil, ts, types.ErrBlockDecode
			}
			t.Token = t.To
			t.To = "0x" + input[10+24:74] // padded with 24 zeroes
			t.Value = "0x" + trimZeroes(input[74:138])
		case method == ERC20transferFrom || method == ERC20transferFrom256:
			if len(input) < 202 {
				continue
			}
			t.Token = t.To
			t.From = "0x" + input[10+24:74]
			t.To = "0x" + input[74+24:138]
			t.Value = "0x" + trimZeroes(input[138:202])
		default:
			continue // not a transfer we track
		}
		txs = append(txs, t)
	}
	return txs, ts, nil
}

// isEtherTransfer reports whether the input field belongs to a plain ether
// transfer rather than an ERC20 transfer call.
func isEtherTransfer(input string) bool {
	if input == "0x" || len(input) <= 10 {
		return true
	}
	m := input[2:10]
	return m != ERC20transfer && m != ERC20transfer256 && m != ERC20transferFrom && m != ERC20transferFrom256
}

// trimZeroes removes leading zeroes keeping an even number of hex digits.
func trimZeroes(s string) string {
	var j int
	for j = 0; j < len(s)-2 && s[j] == '0'; j++ {
	}
	if j%2 == 1 {
		j--
	}
	return s[j:]
}
