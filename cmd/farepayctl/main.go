package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/farepay/internal/catalog"
	"github.com/punchamoorthee/farepay/internal/wallet"
)

var Version = "dev"

// options are the persistent flags shared by every subcommand.
type options struct {
	walletURL string
	token     string
	phone     string
	pin       string
	routes    string
	peak      string
	timezone  string
	timeout   time.Duration
	verbose   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "farepayctl",
		Short:         "farepayctl - pay fares and manage the wallet from the terminal",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.walletURL, "wallet-url", envOr("WALLET_API_URL", "http://localhost:5000"), "Wallet service base URL")
	f.StringVar(&opts.token, "token", os.Getenv("WALLET_TOKEN"), "Bearer token (skips login)")
	f.StringVar(&opts.phone, "phone", os.Getenv("WALLET_PHONE"), "Account phone used to log in")
	f.StringVar(&opts.pin, "pin", os.Getenv("WALLET_PIN"), "Account PIN used to log in")
	f.StringVar(&opts.routes, "routes", os.Getenv("ROUTES_FILE"), "YAML route catalog (built-in routes when empty)")
	f.StringVar(&opts.peak, "peak", os.Getenv("PEAK_WINDOWS"), "Daily peak windows, e.g. 06:30-09:00,16:30-19:30")
	f.StringVar(&opts.timezone, "tz", envOr("TZ_NAME", "Africa/Nairobi"), "Time zone of the peak windows")
	f.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Overall command deadline")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(routesCmd(opts))
	rootCmd.AddCommand(quoteCmd(opts))
	rootCmd.AddCommand(payCmd(opts))
	rootCmd.AddCommand(loginCmd(opts))
	rootCmd.AddCommand(balanceCmd(opts))
	rootCmd.AddCommand(activityCmd(opts))
	rootCmd.AddCommand(topupCmd(opts))
	rootCmd.AddCommand(transferCmd(opts))
	return rootCmd
}

func (o *options) logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if o.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func (o *options) catalog() (*catalog.Catalog, error) {
	if o.routes == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(o.routes)
}

// client returns an authenticated wallet client, logging in with phone and
// PIN when no token was given.
func (o *options) client(ctx context.Context, log logrus.FieldLogger) (*wallet.Client, error) {
	c := wallet.New(o.walletURL, wallet.WithToken(o.token), wallet.WithLogger(log))
	if o.token != "" {
		return c, nil
	}
	if o.phone == "" {
		return nil, fmt.Errorf("not logged in: set --token or --phone and --pin")
	}
	if _, err := c.Login(ctx, o.phone, o.pin); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c, nil
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
