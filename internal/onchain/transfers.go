package onchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// TransferVerifier reconciles expected payouts against USDC Transfer logs
// into a user's custodial wallet.
type TransferVerifier struct {
	client   LogReader
	wallets  domain.WalletStore
	token    common.Address
	lookback uint64
	logger   *slog.Logger
}

// NewTransferVerifier creates a verifier scanning the last lookback blocks.
func NewTransferVerifier(client LogReader, wallets domain.WalletStore, token string, lookback uint64, logger *slog.Logger) *TransferVerifier {
	if lookback == 0 {
		lookback = 5000
	}
	return &TransferVerifier{
		client:   client,
		wallets:  wallets,
		token:    common.HexToAddress(token),
		lookback: lookback,
		logger:   logger.With(slog.String("component", "transfer_verifier")),
	}
}

// VerifyIncoming sums recent token transfers into the user's wallet and
// reports whether they cover expected.
func (v *TransferVerifier) VerifyIncoming(ctx context.Context, userID string, expected int64) (domain.PayoutCheck, error) {
	wallet, err := v.wallets.GetByUser(ctx, userID)
	if err != nil {
		return domain.PayoutCheck{}, fmt.Errorf("onchain: verify payout for %s: %w", userID, err)
	}

	head, err := v.client.BlockNumber(ctx)
	if err != nil {
		return domain.PayoutCheck{}, fmt.Errorf("onchain: block number: %w", err)
	}
	from := uint64(0)
	if head > v.lookback {
		from = head - v.lookback
	}

	to := common.HexToAddress(wallet.Address)
	logs, err := v.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{v.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{common.BytesToHash(to.Bytes())},
		},
	})
	if err != nil {
		return domain.PayoutCheck{}, fmt.Errorf("onchain: filter transfers to %s: %w", to.Hex(), err)
	}

	total := new(big.Int)
	for _, l := range logs {
		if l.Removed || len(l.Data) < 32 {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data[:32]))
	}
	if !total.IsInt64() {
		return domain.PayoutCheck{}, fmt.Errorf("onchain: transfer total overflows: %s", total)
	}

	check := domain.PayoutCheck{
		Expected: expected,
		Observed: total.Int64(),
	}
	check.Matched = check.Observed >= check.Expected

	v.logger.DebugContext(ctx, "payout reconciled",
		slog.String("user_id", userID),
		slog.String("wallet", to.Hex()),
		slog.Int64("expected", check.Expected),
		slog.Int64("observed", check.Observed),
		slog.Int("logs", len(logs)),
	)
	return check, nil
}
