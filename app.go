package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/api"
	"trading-engine/internal/balance"
	"trading-engine/internal/cooldown"
	"trading-engine/internal/engine"
	"trading-engine/internal/entry"
	"trading-engine/internal/events"
	"trading-engine/internal/killswitch"
	"trading-engine/internal/market"
	"trading-engine/internal/monitor"
	"trading-engine/internal/notify"
	"trading-engine/internal/order"
	"trading-engine/internal/persistence"
	"trading-engine/internal/protect"
	"trading-engine/internal/reconciliation"
	"trading-engine/internal/risk"
	"trading-engine/internal/userstream"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	exfutusdt "trading-engine/pkg/exchanges/binance/futures_usdt"
	"trading-engine/pkg/exchanges/common"
)

const (
	pricePollInterval = 2 * time.Second
	priceMaxAge       = 15 * time.Second
	housekeeping      = time.Minute
)

// App is the composed engine. Everything runs on the scheduler.
type App struct {
	db        *db.Database
	scheduler *engine.Scheduler
	recorder  *persistence.BatchWriter[db.Notification]
	log       *zap.Logger
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = database.Close()
		}
	}()

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	sched := engine.NewScheduler(metrics, log)

	client := exfutusdt.NewClient(exfutusdt.Config{
		APIKey:       cfg.APIKey,
		APISecret:    cfg.APISecret,
		Testnet:      cfg.Exchange.Testnet,
		RecvWindow:   cfg.Exchange.RecvWindowMs,
		Timeout:      secs(cfg.Exchange.TimeoutSec),
		RequestsPerS: cfg.Exchange.RequestsPerS,
	}, metrics.GatewayLatency, log)

	priceCache := cache.NewPriceCache()
	prices := market.NewProvider(client, priceCache, priceMaxAge)
	feed := &market.Feed{Provider: prices, Bus: bus, Symbols: cfg.Symbols, Log: log.Named("feed")}

	// Notifications: log + audit table, optionally Telegram.
	recorder := persistence.NewBatchWriter[db.Notification](database.AppendNotifications, 50, 2*time.Second, log)
	var sinks []notify.Sink
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		tg, err := notify.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.ChatID, false)
		if err != nil {
			log.Warn("telegram disabled", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	notifier := notify.NewDispatcher(log, recorder, sinks...)

	// Order routing per mode.
	var (
		gw    common.Gateway
		paper *order.PaperEngine
	)
	switch cfg.Mode {
	case config.ModePaper:
		paper = order.NewPaperEngine(order.PaperConfig{SlippageBps: cfg.Paper.SlippageBps, FeeBps: cfg.Paper.FeeBps}, prices, log)
		gw = paper
	case config.ModeLive:
		gw = client
	}
	router, err := order.NewRouter(order.Config{
		Mode:              cfg.Mode,
		TimeInForce:       common.TimeInForce(cfg.Order.TimeInForce),
		IdempotencyWindow: secs(cfg.Order.IdempotencyWindowSec),
	}, gw, database, prices, metrics, log)
	if err != nil {
		return nil, err
	}
	if err := router.LoadFilters(ctx, client); err != nil {
		log.Warn("symbol filters unavailable, using defaults", zap.Error(err))
	}
	if n, err := router.Idempotency().Rehydrate(ctx, database); err != nil {
		log.Warn("idempotency rehydrate failed", zap.Error(err))
	} else {
		log.Info("idempotency rehydrated", zap.Int("ids", n))
	}

	reconciler := reconciliation.NewReconciler(router, database, prices, notifier, bus, log)
	oco := protect.NewOCOWatcher(router, database, notifier, log)
	sweeper := protect.NewSweeper(router, database, notifier, log)
	tp := protect.NewTakeProfitManager(cfg.TakeProfit, router, database, prices, notifier, log)
	trailer := protect.NewTrailer(cfg.Trailing, router, database, prices, notifier, log)

	var (
		balSrc   killswitch.BalanceSource
		leverage entry.LeverageSetter
		balMgr   *balance.Manager
	)
	if cfg.Mode == config.ModeLive {
		balMgr = balance.NewManager(client, "USDT", log)
		if err := balMgr.Sync(ctx); err != nil {
			log.Warn("initial balance sync failed", zap.Error(err))
		}
		balSrc = balMgr
		leverage = client
	}
	kill := killswitch.New(cfg.Risk, database, killswitch.StoreEquity{DB: database, Prices: prices, Log: log}, reconciler, balSrc, notifier, bus, log)
	if err := kill.Load(ctx); err != nil {
		return nil, fmt.Errorf("load kill-switch: %w", err)
	}

	entrySvc := entry.NewService(entry.Deps{
		Router:    router,
		DB:        database,
		Kill:      kill,
		Risk:      risk.NewManager(cfg.Risk, cfg.Order, database, log),
		Cooldown:  cooldown.NewGate(cfg.Cooldown, database, log),
		Closer:    reconciler,
		Prices:    prices,
		Leverage:  leverage,
		Notifier:  notifier,
		Bus:       bus,
		Leverages: cfg.Leverage,
	}, log)

	// Background loops.
	sched.Go("notify", time.Second, notifier.Run)
	sched.Go("entry", time.Second, func(ctx context.Context) error { return entrySvc.Run(ctx, bus) })
	sched.Every("price-feed", pricePollInterval, feed.PollOnce)
	sched.Every("oco", secs(cfg.Protect.OCOIntervalSec), oco.RunOnce)
	sched.Every("sweeper", secs(cfg.Protect.SweeperIntervalSec), func(ctx context.Context) error {
		_, err := sweeper.RunOnce(ctx)
		return err
	})
	sched.Every("take-profit", secs(cfg.TakeProfit.UpdateIntervalSec), tp.RunOnce)
	sched.Go("take-profit-listen", time.Second, func(ctx context.Context) error {
		tp.Listen(ctx, bus)
		return ctx.Err()
	})
	if cfg.Trailing.Type != "off" {
		sched.Every("trailing", secs(cfg.Trailing.UpdateIntervalSec), trailer.RunOnce)
	}
	sched.Every("kill-switch", secs(cfg.Risk.CheckIntervalSec), func(ctx context.Context) error {
		if _, err := kill.MaybeRollover(ctx); err != nil {
			return err
		}
		_, err := kill.CheckAndMaybeTrigger(ctx)
		return err
	})
	sched.Every("housekeeping", housekeeping, func(context.Context) error {
		priceCache.Cleanup(10 * priceMaxAge)
		router.Idempotency().Prune()
		return nil
	})

	if cfg.Mode != config.ModeDry {
		dispatcher := userstream.NewDispatcher(database, oco, reconciler, prices, notifier, log)
		if paper != nil {
			paper.SetFillHandler(dispatcher.PaperFill)
			sched.Go("paper-fills", time.Second, func(ctx context.Context) error {
				return runPaperTicks(ctx, bus, paper)
			})
		}
		if cfg.Mode == config.ModeLive {
			session := userstream.NewSession(userstream.Config{
				Keepalive:      time.Duration(cfg.UserStream.KeepaliveMin) * time.Minute,
				BackoffInitial: secs(cfg.UserStream.BackoffInitialSec),
				BackoffMax:     secs(cfg.UserStream.BackoffMaxSec),
			}, client, dispatcher, log)
			drift := reconciliation.NewService(client, reconciler, router, prices, database, notifier, log)

			sched.Go("user-stream", time.Second, session.Run)
			sched.Go("listen-key", time.Second, session.KeepaliveLoop)
			sched.Go("time-sync", time.Second, func(ctx context.Context) error {
				client.TimeSync().Run(ctx)
				return ctx.Err()
			})
			sched.Every("drift", secs(cfg.Reconcile.IntervalSec), func(ctx context.Context) error {
				_, err := drift.RunOnce(ctx)
				return err
			})
			sched.Every("balance", time.Minute, balMgr.Sync)
		}
	}

	svc := engine.NewImpl(engine.Config{
		DB:         database,
		KillSwitch: kill,
		Reconciler: reconciler,
		Prices:     prices,
		Metrics:    metrics,
		Meta: engine.SystemStatus{
			Mode:    cfg.Mode,
			Venue:   "binance-usdm",
			Symbols: cfg.Symbols,
			Version: Version,
		},
		Log: log,
	})
	server := api.NewServer(svc, bus, cfg.API, cfg.JWTSecret, monitor.NewLatencyHistogram(1000), log)
	sched.Go("api", time.Second, func(ctx context.Context) error { return server.Serve(ctx, cfg.API.Addr) })
	sched.Every("api-limiters", housekeeping, server.PruneLimiters)

	ok = true
	return &App{db: database, scheduler: sched, recorder: recorder, log: log}, nil
}

// runPaperTicks feeds polled prices to the paper engine so resting stops and
// targets can trigger.
func runPaperTicks(ctx context.Context, bus *events.Bus, paper *order.PaperEngine) error {
	ch, unsub := bus.Subscribe(events.EventPriceTick, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			tick, ok := msg.(events.PriceTick)
			if !ok {
				continue
			}
			paper.OnPrice(ctx, tick.Symbol, tick.Price)
		}
	}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (a *App) Run(ctx context.Context) {
	a.scheduler.Run(ctx)
}

// Close flushes pending notifications and releases the database.
func (a *App) Close() {
	if err := a.recorder.Close(); err != nil {
		a.log.Warn("flush notifications", zap.Error(err))
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
}
