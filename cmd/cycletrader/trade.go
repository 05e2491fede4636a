package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/songzhibin97/cycletrader/internal/configs"
	"github.com/songzhibin97/cycletrader/internal/models"
)

// tradeOptions 命令行交易参数，只有显式设置的才覆盖参数文件
type tradeOptions struct {
	symbol           string
	amount           string
	profit           string
	stopLoss         string
	trailingStop     bool
	trailingDistance string
	dropAbs          string
	dropPct          string
	cycles           int
	delay            time.Duration
	dryRun           bool
	simulateFallback bool
	skipBalanceCheck bool
	strategy         string
	pollInterval     time.Duration
	dataDir          string
	postgres         string
	saveParams       string
}

func tradeCmd() *cobra.Command {
	return newTradeCmd(&tradeOptions{})
}

func newTradeCmd(o *tradeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Run trading cycles",
		Example: `  cycletrader trade --symbol BTCUSDT --amount 10 --profit 0.5% --cycles 3
  cycletrader trade --params params.yaml --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := o.apply(cfg, cmd.Flags()); err != nil {
				return err
			}
			if o.saveParams != "" {
				if err := configs.Save(o.saveParams, cfg); err != nil {
					return err
				}
			}

			sys, err := setupWith(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			trader, rec, err := sys.newTrader(ctx)
			if err != nil {
				return err
			}
			defer rec.Close()

			if err := trader.Run(ctx); err != nil {
				sys.log.Error("trading stopped", "error", err)
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.symbol, "symbol", "BTCUSDT", "trading pair")
	f.StringVar(&o.amount, "amount", "10", "quote amount spent per cycle")
	f.StringVar(&o.profit, "profit", "0.001", `target profit per unit, absolute ("0.5") or percent ("1.5%")`)
	f.StringVar(&o.stopLoss, "stop-loss", "", `stop loss below the buy price, absolute or percent`)
	f.BoolVar(&o.trailingStop, "trailing-stop", false, "enable the trailing stop")
	f.StringVar(&o.trailingDistance, "trailing-distance", "", "trailing stop distance in percent")
	f.StringVar(&o.dropAbs, "drop-abs", "", "cancel the sell when the price drops this much from its peak")
	f.StringVar(&o.dropPct, "drop-pct", "", "cancel the sell when the price drops this percent from its peak")
	f.IntVar(&o.cycles, "cycles", 0, "number of cycles, 0 runs until interrupted")
	f.DurationVar(&o.delay, "delay", 5*time.Second, "pause between cycles")
	f.BoolVar(&o.dryRun, "dry-run", false, "simulate every order")
	f.BoolVar(&o.simulateFallback, "simulate-fallback", false, "simulate a cycle instead of stopping when funds are short")
	f.BoolVar(&o.skipBalanceCheck, "skip-balance-check", false, "do not read balances before buying")
	f.StringVar(&o.strategy, "strategy", "guard", "sell supervision: guard | events")
	f.DurationVar(&o.pollInterval, "poll-interval", 10*time.Second, "guard loop poll interval")
	f.StringVar(&o.dataDir, "data-dir", "data", "directory for history, stats and error files")
	f.StringVar(&o.postgres, "postgres", "", "postgres connection string for an extra history sink")
	f.StringVar(&o.saveParams, "save-params", "", "write the effective parameters to this file")
	return cmd
}

// apply copies the flags the user set onto cfg.
func (o *tradeOptions) apply(cfg *configs.Config, flags *pflag.FlagSet) error {
	set := flags.Changed
	t := &cfg.Trading
	p := &cfg.Protection

	if set("symbol") {
		t.Symbol = o.symbol
	}
	if set("amount") {
		v, err := parseDecimal("amount", o.amount)
		if err != nil {
			return err
		}
		t.BuyAmount = v
	}
	if set("profit") {
		spec, err := models.ParseProfitSpec(o.profit)
		if err != nil {
			return fmt.Errorf("invalid --profit: %w", err)
		}
		t.Profit = spec
	}
	if set("stop-loss") {
		if o.stopLoss == "" {
			p.StopLoss = nil
		} else {
			spec, err := models.ParseProfitSpec(o.stopLoss)
			if err != nil {
				return fmt.Errorf("invalid --stop-loss: %w", err)
			}
			p.StopLoss = &spec
		}
	}
	if set("trailing-stop") {
		p.TrailingStop.Enabled = o.trailingStop
	}
	if set("trailing-distance") {
		v, err := parseDecimal("trailing-distance", o.trailingDistance)
		if err != nil {
			return err
		}
		p.TrailingStop.DistancePercent = v
		p.TrailingStop.Enabled = true
	}
	if set("drop-abs") {
		v, err := parseDecimal("drop-abs", o.dropAbs)
		if err != nil {
			return err
		}
		p.PriceDrop.AbsoluteThreshold = &v
	}
	if set("drop-pct") {
		v, err := parseDecimal("drop-pct", o.dropPct)
		if err != nil {
			return err
		}
		p.PriceDrop.PercentThreshold = &v
	}
	if set("cycles") {
		t.Cycles = o.cycles
	}
	if set("delay") {
		t.Delay = configs.Duration(o.delay)
	}
	if set("dry-run") {
		t.DryRun = o.dryRun
	}
	if set("simulate-fallback") {
		t.SimulateFallback = o.simulateFallback
	}
	if set("skip-balance-check") {
		t.SkipBalanceCheck = o.skipBalanceCheck
	}
	if set("strategy") {
		cfg.Supervision.Strategy = o.strategy
	}
	if set("poll-interval") {
		cfg.Supervision.PollInterval = configs.Duration(o.pollInterval)
	}
	if set("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if set("postgres") {
		cfg.Database.ConnStr = o.postgres
	}
	return nil
}

func parseDecimal(flag, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s %q: %w", flag, s, err)
	}
	return v, nil
}
