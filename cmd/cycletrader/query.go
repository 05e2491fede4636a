package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/cycletrader/internal/configs"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [asset...]",
		Short: "Show non-zero account balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := setup(cmd)
			if err != nil {
				return err
			}
			gw, err := sys.gateway()
			if err != nil {
				return err
			}
			balances, err := gw.GetBalances(cmd.Context())
			if err != nil {
				return err
			}

			assets := args
			if len(assets) == 0 {
				for asset, b := range balances {
					if !b.Free.IsZero() || !b.Locked.IsZero() {
						assets = append(assets, asset)
					}
				}
				sort.Strings(assets)
			}
			for _, asset := range assets {
				b := balances[asset]
				fmt.Printf("%-8s free=%s locked=%s\n", asset, b.Free.String(), b.Locked.String())
			}
			return nil
		},
	}
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair SYMBOL",
		Short: "Show trading pair filters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := setup(cmd)
			if err != nil {
				return err
			}
			pair, err := sys.collector.GetTradingPair(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(pair)
		},
	}
}

func priceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price SYMBOL",
		Short: "Show the current price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := setup(cmd)
			if err != nil {
				return err
			}
			price, err := sys.collector.GetCurrentPrice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(price.String())
			return nil
		},
	}
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect or cancel an order",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get SYMBOL ORDER_ID",
		Short: "Show an order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := setup(cmd)
			if err != nil {
				return err
			}
			gw, err := sys.gateway()
			if err != nil {
				return err
			}
			order, err := gw.GetOrder(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(order)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel SYMBOL ORDER_ID",
		Short: "Cancel a resting order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := setup(cmd)
			if err != nil {
				return err
			}
			gw, err := sys.gateway()
			if err != nil {
				return err
			}
			order, err := gw.CancelOrder(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(order)
		},
	})
	return cmd
}

func paramsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Manage parameter files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "save FILE",
		Short: "Write the effective parameters without secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid parameters: %w", err)
			}
			if err := configs.Save(args[0], cfg); err != nil {
				return err
			}
			fmt.Printf("parameters written to %s\n", args[0])
			return nil
		},
	})
	return cmd
}
