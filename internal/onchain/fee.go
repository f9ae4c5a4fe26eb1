package onchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/legchain/internal/crypto"
	"github.com/alanyoungcy/legchain/internal/domain"
)

// KeySource yields a user's decrypted custodial key.
type KeySource interface {
	Key(ctx context.Context, userID string) (*ecdsa.PrivateKey, string, error)
}

// FeeCollectorConfig configures a PermitFeeCollector.
type FeeCollectorConfig struct {
	ChainID        int
	Token          string
	TokenName      string
	TokenVersion   string
	PlatformWallet string
	PermitTTL      time.Duration
	ReceiptTimeout time.Duration
}

// PermitFeeCollector moves a fee from a user's custodial wallet to the
// platform wallet. The user's key signs an EIP-2612 permit for the platform
// relayer, which then submits permit and transferFrom and pays the gas.
type PermitFeeCollector struct {
	client   TxBackend
	keys     KeySource
	relayer  *ecdsa.PrivateKey
	relayerA common.Address
	token    common.Address
	platform common.Address
	permitTo crypto.TokenDomain
	cfg      FeeCollectorConfig
	poll     time.Duration
	logger   *slog.Logger
}

// NewPermitFeeCollector creates a fee collector. relayer pays gas.
func NewPermitFeeCollector(client TxBackend, keys KeySource, relayer *ecdsa.PrivateKey, cfg FeeCollectorConfig, logger *slog.Logger) *PermitFeeCollector {
	if cfg.PermitTTL <= 0 {
		cfg.PermitTTL = time.Hour
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 60 * time.Second
	}
	token := common.HexToAddress(cfg.Token)
	return &PermitFeeCollector{
		client:   client,
		keys:     keys,
		relayer:  relayer,
		relayerA: ethcrypto.PubkeyToAddress(relayer.PublicKey),
		token:    token,
		platform: common.HexToAddress(cfg.PlatformWallet),
		permitTo: crypto.TokenDomain{
			Name:              cfg.TokenName,
			Version:           cfg.TokenVersion,
			VerifyingContract: token,
		},
		cfg:    cfg,
		poll:   receiptPollInterval,
		logger: logger.With(slog.String("component", "fee_collector")),
	}
}

// Collect transfers amount micro-units of the token from userID's wallet to
// the platform wallet. Every failure wraps domain.ErrFeeCollection.
func (f *PermitFeeCollector) Collect(ctx context.Context, userID string, amount int64) (domain.FeeReceipt, error) {
	if amount <= 0 {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: non-positive fee", domain.ErrFeeCollection)
	}

	userKey, _, err := f.keys.Key(ctx, userID)
	if err != nil {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: %w", domain.ErrFeeCollection, err)
	}
	owner := ethcrypto.PubkeyToAddress(userKey.PublicKey)
	value := big.NewInt(amount)

	nonce, err := f.permitNonce(ctx, owner)
	if err != nil {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: permit nonce: %w", domain.ErrFeeCollection, err)
	}

	deadline := big.NewInt(time.Now().Add(f.cfg.PermitTTL).Unix())
	sig, err := crypto.NewSignerFromKey(userKey, f.cfg.ChainID).SignPermit(crypto.Permit{
		Owner:    owner,
		Spender:  f.relayerA,
		Value:    value,
		Nonce:    nonce,
		Deadline: deadline,
	}, f.permitTo)
	if err != nil {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: %w", domain.ErrFeeCollection, err)
	}

	permitData, err := erc20ABI.Pack("permit", owner, f.relayerA, value, deadline, sig.V, sig.R, sig.S)
	if err != nil {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: pack permit: %w", domain.ErrFeeCollection, err)
	}
	if _, err := f.send(ctx, permitData, permitGasLimit); err != nil {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: permit: %w", domain.ErrFeeCollection, err)
	}

	transferData, err := erc20ABI.Pack("transferFrom", owner, f.platform, value)
	if err != nil {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: pack transferFrom: %w", domain.ErrFeeCollection, err)
	}
	txHash, err := f.send(ctx, transferData, transferGasLimit)
	if err != nil {
		return domain.FeeReceipt{}, fmt.Errorf("onchain: %w: transferFrom: %w", domain.ErrFeeCollection, err)
	}

	f.logger.InfoContext(ctx, "fee collected",
		slog.String("user_id", userID),
		slog.String("owner", owner.Hex()),
		slog.Int64("amount", amount),
		slog.String("tx", txHash.Hex()),
	)
	return domain.FeeReceipt{Amount: amount, TxHash: txHash.Hex()}, nil
}

func (f *PermitFeeCollector) permitNonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	callData, err := erc20ABI.Pack("nonces", owner)
	if err != nil {
		return nil, err
	}
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.token, Data: callData}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := erc20ABI.Unpack("nonces", out)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("empty nonces result")
	}
	nonce, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonces result %T", vals[0])
	}
	return nonce, nil
}

// send signs a relayer transaction to the token contract and waits for a
// successful receipt.
func (f *PermitFeeCollector) send(ctx context.Context, data []byte, fallbackGas uint64) (common.Hash, error) {
	nonce, err := f.client.PendingNonceAt(ctx, f.relayerA)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	price, err := gasPrice(ctx, f.client)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}

	gas, err := f.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     f.relayerA,
		To:       &f.token,
		GasPrice: price,
		Data:     data,
	})
	if err != nil {
		gas = fallbackGas
		f.logger.WarnContext(ctx, "gas estimate failed, using default",
			slog.String("error", err.Error()),
			slog.Uint64("limit", fallbackGas),
		)
	}
	gas = gas * 12 / 10

	tx := types.NewTransaction(nonce, f.token, big.NewInt(0), gas, price, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(int64(f.cfg.ChainID))), f.relayer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := f.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}

	receiptCtx, cancel := context.WithTimeout(ctx, f.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := waitForReceipt(receiptCtx, f.client, signed.Hash(), f.poll)
	if err != nil {
		return signed.Hash(), fmt.Errorf("wait receipt %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return signed.Hash(), fmt.Errorf("tx reverted: %s", signed.Hash().Hex())
	}
	return signed.Hash(), nil
}
