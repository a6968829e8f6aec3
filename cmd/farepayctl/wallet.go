package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/ledger"
	"github.com/punchamoorthee/farepay/internal/service"
	"github.com/punchamoorthee/farepay/internal/topup"
	"github.com/punchamoorthee/farepay/internal/wallet"
)

// core is the in-process wallet stack a single command drives: a ledger
// cache seeded from the server and the top-up orchestrator on top of it.
type core struct {
	client *wallet.Client
	cache  *ledger.Cache
	topups *topup.Orchestrator
	log    logrus.FieldLogger
}

func (o *options) core(ctx context.Context) (*core, error) {
	log := o.logger()
	client, err := o.client(ctx, log)
	if err != nil {
		return nil, err
	}
	cache := ledger.NewCache(ledger.WithLogger(log))
	refresher := service.NewRefresher(client, cache, 0, nil, log, nil)
	if _, err := refresher.Refresh(ctx); err != nil && !errors.Is(err, domain.ErrReconciliationMismatch) {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &core{
		client: client,
		cache:  cache,
		topups: topup.NewOrchestrator(client, cache, topup.WithLogger(log)),
		log:    log,
	}, nil
}

func loginCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login [phone] [pin]",
		Short: "Log in and print a bearer token for --token / WALLET_TOKEN",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := wallet.New(opts.walletURL, wallet.WithLogger(opts.logger()))
			res, err := c.Login(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (balance %s)\n%s\n", res.User.Name, res.User.Balance.StringFixed(2), res.Token)
			return nil
		},
	}
}

func balanceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the wallet balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c, err := opts.client(ctx, opts.logger())
			if err != nil {
				return err
			}
			bal, err := c.Balance(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "KES %s\n", bal.Amount.StringFixed(2))
			return nil
		},
	}
}

func activityCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "List recent wallet activity, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c, err := opts.core(ctx)
			if err != nil {
				return err
			}
			hist := c.cache.History()
			if limit > 0 && len(hist) > limit {
				hist = hist[:limit]
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tKIND\tAMOUNT\tSTATUS\tDESCRIPTION")
			for _, rec := range hist {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					rec.OccurredAt.Local().Format("2006-01-02 15:04"), rec.Kind, rec.Delta().StringFixed(2), rec.Status, rec.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries (0 for all)")
	return cmd
}

func topupCmd(opts *options) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "topup [amount] [phone]",
		Short: "Request an M-Pesa top-up and wait for the balance to reflect it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[0], domain.ErrInvalidAmount)
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c, err := opts.core(ctx)
			if err != nil {
				return err
			}
			s, err := c.topups.RequestTopUp(ctx, amount, args[1])
			if err != nil {
				return err
			}
			waitErr := s.Err()
			if wait && !s.Outcome().Terminal() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Check your phone to complete the payment...")
				_, waitErr = s.Wait(ctx)
			}
			if err := printJSON(cmd.OutOrStdout(), s.Snapshot()); err != nil {
				return err
			}
			return waitErr
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "Wait for confirmation")
	return cmd
}

func transferCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer [recipient-phone] [amount]",
		Short: "Send money to another wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil || !amount.IsPositive() {
				return fmt.Errorf("amount %q: %w", args[1], domain.ErrInvalidAmount)
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c, err := opts.client(ctx, opts.logger())
			if err != nil {
				return err
			}
			res, err := c.Transfer(ctx, args[0], amount)
			if err != nil {
				return err
			}
			msg := res.Message
			if msg == "" {
				msg = "Transfer sent"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", msg, res.ID)
			return nil
		},
	}
}
