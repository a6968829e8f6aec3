package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/fare"
	"github.com/punchamoorthee/farepay/internal/payment"
)

func (o *options) schedule() (fare.Schedule, error) {
	loc, err := time.LoadLocation(o.timezone)
	if err != nil {
		return fare.Schedule{}, fmt.Errorf("time zone %q: %w", o.timezone, err)
	}
	return fare.ParseSchedule(o.peak, loc)
}

func routesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the route catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := opts.catalog()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTANDARD\tPEAK")
			for _, r := range routes.All() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.StandardPrice.StringFixed(2), r.PeakPrice.StringFixed(2))
			}
			return tw.Flush()
		},
	}
}

func quoteCmd(opts *options) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "quote [route-id]",
		Short: "Price a route at the current (or given) time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := opts.catalog()
			if err != nil {
				return err
			}
			sched, err := opts.schedule()
			if err != nil {
				return err
			}
			when := time.Now()
			if at != "" {
				if when, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			q, err := fare.NewResolver(routes).Resolve(args[0], sched.ContextAt(when))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), q)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Quote time (RFC3339)")
	return cmd
}

func payCmd(opts *options) *cobra.Command {
	var topUpPhone string
	var settle bool
	cmd := &cobra.Command{
		Use:   "pay [route-id] [identifier]",
		Short: "Pay a fare, topping up first if the balance is short",
		Long: `Pay the fare for a route. The identifier is the vehicle numberplate or
tag UID. When the balance is short and --topup-phone is set, the shortfall is
requested by M-Pesa and the payment continues once it lands.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			routes, err := opts.catalog()
			if err != nil {
				return err
			}
			sched, err := opts.schedule()
			if err != nil {
				return err
			}
			c, err := opts.core(ctx)
			if err != nil {
				return err
			}

			engineOpts := []payment.Option{payment.WithSchedule(sched), payment.WithLogger(c.log)}
			if settle {
				engineOpts = append(engineOpts, payment.WithSettler(c.client, 0))
			}
			s, err := payment.NewEngine(routes, c.cache, c.topups, engineOpts...).StartFarePayment(args[0], args[1])
			if err != nil {
				return err
			}

			phase, err := s.Pay(ctx)
			if errors.Is(err, domain.ErrInsufficientFunds) && phase == payment.PhaseAwaitingTopUp && topUpPhone != "" {
				if _, err = s.StartTopUp(ctx, topUpPhone, decimal.Zero); err == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "Balance short, check your phone to top up...")
					if phase, err = s.AwaitTopUp(ctx); err == nil && phase == payment.PhaseFinalizing {
						err = s.Finalize(ctx)
					}
				}
			}
			if perr := printJSON(cmd.OutOrStdout(), s.Snapshot()); perr != nil {
				return perr
			}
			if err != nil {
				s.Cancel()
			}
			return err
		},
	}
	cmd.Flags().StringVar(&topUpPhone, "topup-phone", "", "M-Pesa number to top up from when the balance is short")
	cmd.Flags().BoolVar(&settle, "settle", true, "Record the fare with the wallet service")
	return cmd
}
