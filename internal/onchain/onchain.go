// Package onchain reads and writes the USDC collateral token on Polygon:
// payout reconciliation against Transfer logs and gasless fee collection
// through EIP-2612 permits.
package onchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// permitGasLimit and transferGasLimit are used when estimation fails.
	permitGasLimit   = uint64(120_000)
	transferGasLimit = uint64(90_000)

	receiptPollInterval = 3 * time.Second
)

var (
	erc20ABI abi.ABI

	// transferTopic is keccak256("Transfer(address,address,uint256)").
	transferTopic common.Hash
)

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "permit",
			"type": "function",
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "deadline", "type": "uint256"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"outputs": []
		},
		{
			"name": "transferFrom",
			"type": "function",
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "nonces",
			"type": "function",
			"inputs": [{"name": "owner", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "Transfer",
			"type": "event",
			"anonymous": false,
			"inputs": [
				{"name": "from", "type": "address", "indexed": true},
				{"name": "to", "type": "address", "indexed": true},
				{"name": "value", "type": "uint256", "indexed": false}
			]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
	transferTopic = erc20ABI.Events["Transfer"].ID
}

// LogReader is the subset of ethclient.Client used to read Transfer logs.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// TxBackend is the subset of ethclient.Client used to send transactions.
type TxBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var (
	_ LogReader = (*ethclient.Client)(nil)
	_ TxBackend = (*ethclient.Client)(nil)
)

// Dial connects to a Polygon JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain: dial rpc %s: %w", rpcURL, err)
	}
	return client, nil
}

// waitForReceipt polls for a transaction receipt until confirmed or ctx
// expires.
func waitForReceipt(ctx context.Context, client TxBackend, txHash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

// gasPrice returns the suggested gas price with a 10% buffer for faster
// inclusion.
func gasPrice(ctx context.Context, client TxBackend) (*big.Int, error) {
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	return buffered.Div(buffered, big.NewInt(10)), nil
}
