package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/legchain/internal/config"
	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
	"github.com/alanyoungcy/legchain/internal/store/postgres"
)

// inspect prints a position and its bets. It returns the process exit code.
func inspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	positionID := fs.String("position", "", "position id to print")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *positionID == "" {
		fmt.Fprintln(os.Stderr, "inspect: -position is required")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: 2,
		MinConns: 0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		return 1
	}
	defer pg.Close()

	pos, err := postgres.NewPositionStore(pg.Pool()).GetByID(ctx, *positionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		return 1
	}
	bets, err := postgres.NewBetStore(pg.Pool()).ListByPosition(ctx, pos.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
		return 1
	}

	renderPosition(os.Stdout, pos, bets)
	return 0
}

func renderPosition(w io.Writer, pos domain.Position, bets []domain.Bet) {
	fmt.Fprintf(w, "position %s  chain %s  user %s\n", pos.ID, pos.ChainID, pos.UserID)
	fmt.Fprintf(w, "status %s  stake %s  value %s  legs %d/%d won, %d skipped\n",
		pos.Status,
		money.Format(pos.InitialStake),
		money.Format(pos.CurrentValue),
		pos.WonLegs, len(bets), pos.SkippedLegs,
	)
	if pos.FailureReason != "" {
		fmt.Fprintf(w, "reason %s\n", pos.FailureReason)
	}
	if pos.FeeAmount > 0 || pos.FeeCollectionFailed {
		fee := "collected " + pos.FeeTxHash
		if pos.FeeCollectionFailed {
			fee = "FAILED " + pos.FeeFailureReason
		}
		fmt.Fprintf(w, "fee %s  %s\n", money.Format(pos.FeeAmount), fee)
	}

	table := tablewriter.NewWriter(w)
	table.Header("#", "Condition", "Side", "Status", "Outcome", "Stake", "Fill", "Shares", "Payout", "Order", "Reason")
	for _, b := range bets {
		table.Append(
			strconv.Itoa(b.Sequence),
			shorten(b.ConditionID, 12),
			string(b.Side),
			string(b.Status),
			string(b.Outcome),
			money.Format(b.ActualStake),
			money.Format(b.FillPrice),
			money.Format(b.Shares),
			money.Format(b.ActualPayout),
			shorten(b.OrderID, 12),
			b.FailureReason,
		)
	}
	table.Render()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
