package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/songzhibin97/cycletrader/internal/configs"
	"github.com/songzhibin97/cycletrader/internal/cycle"
	"github.com/songzhibin97/cycletrader/internal/market"
	marketBinance "github.com/songzhibin97/cycletrader/internal/market/binance"
	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/notify"
	"github.com/songzhibin97/cycletrader/internal/recorder"
	"github.com/songzhibin97/cycletrader/internal/recorder/file"
	"github.com/songzhibin97/cycletrader/internal/recorder/postgres"
	"github.com/songzhibin97/cycletrader/internal/stream"
	streamBinance "github.com/songzhibin97/cycletrader/internal/stream/binance"
	"github.com/songzhibin97/cycletrader/internal/supervisor"
	"github.com/songzhibin97/cycletrader/internal/trading"
	tradingBinance "github.com/songzhibin97/cycletrader/internal/trading/binance"
	"github.com/songzhibin97/cycletrader/internal/trading/dryrun"
	"github.com/songzhibin97/cycletrader/internal/utils/request"
)

// system holds the collaborators shared by every subcommand.
type system struct {
	cfg       *configs.Config
	log       *slog.Logger
	collector *market.MultiSourceCollector
	exchange  *tradingBinance.BinanceGateway // nil without credentials
}

func newSystem(cfg *configs.Config, log *slog.Logger) (*system, error) {
	if err := request.ApplyProxy(cfg.Proxy); err != nil {
		return nil, err
	}
	if cfg.Proxy != "" {
		log.Debug("set proxy ok", "proxy", cfg.Proxy)
	}

	testnet := cfg.ExchangeConfig.Testnet
	collector := market.NewMultiSourceCollector([]market.DataSource{
		marketBinance.NewBinanceDataSource(testnet),
	}, log)
	log.Debug("init collector", "testnet", testnet)

	s := &system{cfg: cfg, log: log, collector: collector}
	if cfg.ExchangeConfig.APIKey != "" && cfg.ExchangeConfig.SecretKey != "" {
		s.exchange = tradingBinance.NewBinanceGateway(cfg.ExchangeConfig.APIKey, cfg.ExchangeConfig.SecretKey, testnet)
		log.Debug("init exchange gateway")
	}
	return s, nil
}

// gateway returns the authenticated exchange gateway or an error naming the
// missing credentials.
func (s *system) gateway() (*tradingBinance.BinanceGateway, error) {
	if s.exchange == nil {
		return nil, fmt.Errorf("%s and %s are required", configs.EnvAPIKey, configs.EnvSecretKey)
	}
	return s.exchange, nil
}

func (s *system) orderGateway() trading.OrderGateway {
	if s.exchange == nil {
		return nil
	}
	return s.exchange
}

func (s *system) newRecorder(ctx context.Context) (recorder.Recorder, error) {
	fileStore, err := file.NewStore(s.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	sinks := recorder.Multi{fileStore}
	log := s.log.With("data_dir", s.cfg.DataDir)

	if connStr := s.cfg.Database.ConnStr; connStr != "" {
		pg, err := postgres.NewStore(ctx, connStr)
		if err != nil {
			_ = fileStore.Close()
			return nil, err
		}
		sinks = append(sinks, pg)
		log = log.With("postgres", true)
	}
	log.Debug("init recorder")
	return recorder.NewSafe(sinks, s.log), nil
}

func (s *system) newNotifier() notify.Notifier {
	tg := s.cfg.Telegram
	if tg.Token == "" || tg.ChatID == 0 {
		return notify.Nop{}
	}
	n, err := notify.NewTelegram(tg.Token, tg.ChatID, "", s.log)
	if err != nil {
		// 通知失败不影响交易
		s.log.Warn("telegram notifications disabled", "error", err)
		return notify.Nop{}
	}
	return n
}

func (s *system) newSupervisor(gw trading.OrderGateway, journal supervisor.Journal) (supervisor.Supervisor, error) {
	sup := s.cfg.Supervision
	strategy := supervisor.Strategy(sup.Strategy)

	deps := supervisor.Deps{
		Gateway: gw,
		Prices:  s.collector,
		Journal: journal,
		Logger:  s.log,
	}
	if strategy == supervisor.StrategyEvents {
		if s.cfg.Trading.DryRun || s.exchange == nil {
			s.log.Warn("event supervision needs a live account, using the guard loop")
			strategy = supervisor.StrategyGuard
		} else {
			deps.Feed = streamBinance.NewUserStream(s.exchange, s.cfg.ExchangeConfig.Testnet, s.log)
		}
	}

	var retry stream.RetryPolicy
	if sup.ReconnectAttempts > 0 {
		retry = stream.DefaultRetryPolicy()
		retry.MaxAttempts = sup.ReconnectAttempts
	}
	return supervisor.New(supervisor.Config{
		Strategy:          strategy,
		Interval:          sup.PollInterval.Std(),
		MaxStatusErrors:   sup.MaxStatusErrors,
		HeartbeatInterval: sup.HeartbeatInterval.Std(),
		Retry:             retry,
		TrailingStop:      s.cfg.Protection.TrailingStop,
		PriceDrop:         s.cfg.Protection.PriceDrop,
	}, deps)
}

// newTrader assembles the cycle orchestrator. The returned recorder must be
// closed by the caller.
func (s *system) newTrader(ctx context.Context) (*cycle.Trader, recorder.Recorder, error) {
	cfg := s.cfg
	var (
		gw        trading.OrderGateway
		simulator trading.OrderGateway
	)
	switch {
	case cfg.Trading.DryRun:
		_, quote, err := models.SplitSymbol(cfg.Trading.Symbol)
		if err != nil {
			return nil, nil, err
		}
		seed := models.Balances{}.With(quote, cfg.Trading.DryRunQuoteBalance)
		dry := dryrun.NewGateway(s.orderGateway(), s.collector, seed, s.log)
		gw, simulator = dry, dry
		s.log.Info("dry run: orders are simulated", "quote_balance", cfg.Trading.DryRunQuoteBalance.String())
	default:
		live, err := s.gateway()
		if err != nil {
			return nil, nil, err
		}
		gw = live
	}

	rec, err := s.newRecorder(ctx)
	if err != nil {
		return nil, nil, err
	}
	sup, err := s.newSupervisor(gw, rec)
	if err != nil {
		_ = rec.Close()
		return nil, nil, err
	}

	trader, err := cycle.NewTrader(cycle.Params{
		Symbol:              cfg.Trading.Symbol,
		BuyAmount:           cfg.Trading.BuyAmount,
		Profit:              cfg.Trading.Profit,
		StopLoss:            cfg.StopLossSpec(),
		Fees:                cfg.Fees(),
		MaxCycles:           cfg.Trading.Cycles,
		Delay:               cfg.Trading.Delay.Std(),
		SimulateOnShortfall: cfg.Trading.SimulateFallback,
		SkipBalanceCheck:    cfg.Trading.SkipBalanceCheck,
	}, cycle.Deps{
		Gateway:    gw,
		Simulator:  simulator,
		Market:     s.collector,
		Supervisor: sup,
		Recorder:   rec,
		Notifier:   s.newNotifier(),
		Logger:     s.log,
	})
	if err != nil {
		_ = rec.Close()
		return nil, nil, err
	}
	return trader, rec, nil
}
