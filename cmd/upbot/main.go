package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/evdnx/upbot/analyzer"
	"github.com/evdnx/upbot/bot"
	"github.com/evdnx/upbot/config"
	"github.com/evdnx/upbot/exchange"
	"github.com/evdnx/upbot/executor"
	"github.com/evdnx/upbot/logger"
	"github.com/evdnx/upbot/marketdata"
	"github.com/evdnx/upbot/notify"
	"github.com/evdnx/upbot/position"
	"github.com/evdnx/upbot/regime"
	"github.com/evdnx/upbot/risk"
	"github.com/evdnx/upbot/stats"
	"github.com/evdnx/upbot/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.API.AccessKey == "" || cfg.API.SecretKey == "" {
		return errors.New("api.access_key and api.secret_key are required")
	}

	log, err := logger.NewZapLogger()
	if err != nil {
		return err
	}

	client := exchange.NewUpbitClient(cfg.API.BaseURL, cfg.API.AccessKey, cfg.API.SecretKey)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	cash, err := client.GetBalance(startupCtx, "KRW")
	cancelStartup()
	if err != nil {
		return fmt.Errorf("startup balance check: %w", err)
	}
	log.Info("connected to exchange", zap.Float64("krw_balance", cash))

	dlog, err := logger.OpenDecisionLog(filepath.Join(cfg.State.Dir, cfg.State.DecisionLogFile))
	if err != nil {
		return err
	}
	defer dlog.Close()

	book := position.NewBook(client, cfg, log)
	if err := book.Load(); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	daily := stats.NewDailyBalances(filepath.Join(cfg.State.Dir, cfg.State.DailyBalanceFile))
	if err := daily.Load(); err != nil {
		return fmt.Errorf("load daily balances: %w", err)
	}
	history := stats.NewHistory(filepath.Join(cfg.State.Dir, cfg.State.TradeHistoryDir))
	session := stats.NewSession(cash, cash+book.TotalInvestedKRW(), time.Now())

	provider := marketdata.NewProvider(client)
	an := analyzer.New(provider, cfg, log)
	eng := regime.NewEngine(an, cfg, log, dlog)
	exec := executor.New(client, cfg, log, dlog)

	var notifier notify.Notifier = notify.Nop{}
	var tg *notify.Telegram
	if cfg.Telegram.Enabled {
		tg, err = notify.NewTelegram(cfg.Telegram, log)
		if err != nil {
			return err
		}
		notifier = tg
	}

	b := bot.New(bot.Deps{
		Config:   cfg,
		Log:      log,
		Decision: dlog,
		Client:   client,
		Analyzer: an,
		Regime:   eng,
		Selector: strategy.NewSelector(cfg),
		Sizer:    risk.NewSizer(cfg),
		Executor: exec,
		Book:     book,
		Session:  session,
		History:  history,
		Daily:    daily,
		Notifier: notifier,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if tg != nil {
		go tg.Listen(ctx, b)
	}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Close()
		log.Info("metrics listening", zap.String("addr", cfg.Metrics.ListenAddr))
	}

	log.Info("starting trading loop",
		zap.Strings("universe", cfg.CoinSelection.FixedTickers),
		zap.Int("check_interval_s", cfg.Trading.CheckIntervalSeconds))
	return b.Run(ctx)
}
