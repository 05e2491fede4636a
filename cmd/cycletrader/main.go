// cycletrader runs repeated buy -> limit sell cycles on a Binance spot pair.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/cycletrader/internal/configs"
)

var version = "0.1.0"

// globalOptions are shared by every subcommand.
type globalOptions struct {
	params   string
	envFiles []string
	logLevel string
	testnet  bool
}

var opts globalOptions

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cycletrader",
		Short: "Automated buy/sell cycles on Binance spot",
		Long: `cycletrader buys a pair with a fixed quote amount, places a limit sell at a
target profit and watches it until it fills or a protective exit fires, then
starts over.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.params, "params", "", "parameter file (.json, .yaml or .yml)")
	pf.StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files with credentials")
	pf.StringVar(&opts.logLevel, "log-level", configs.LogNormal, "quiet | normal | verbose")
	pf.BoolVar(&opts.testnet, "testnet", false, "use the Binance spot testnet")

	root.AddCommand(tradeCmd())
	root.AddCommand(balanceCmd())
	root.AddCommand(pairCmd())
	root.AddCommand(priceCmd())
	root.AddCommand(orderCmd())
	root.AddCommand(paramsCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cycletrader version %s\n", version)
		},
	}
}

// loadConfig builds the configuration in order: defaults, parameter file,
// environment, then flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*configs.Config, error) {
	if err := configs.LoadEnv(opts.envFiles...); err != nil {
		return nil, err
	}

	cfg := configs.Default()
	if opts.params != "" {
		loaded, err := configs.Load(opts.params)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("testnet") {
		cfg.ExchangeConfig.Testnet = opts.testnet
	}
	return cfg, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// setup loads the configuration and builds the shared collaborators.
func setup(cmd *cobra.Command) (*system, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return setupWith(cfg)
}

func setupWith(cfg *configs.Config) (*system, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	log := newLogger(cfg.SlogLevel())
	slog.SetDefault(log)
	log.Debug("loaded config", "symbol", cfg.Trading.Symbol, "testnet", cfg.ExchangeConfig.Testnet)
	return newSystem(cfg, log)
}
