package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	exfutusdt "trading-engine/pkg/exchanges/binance/futures_usdt"
	"trading-engine/pkg/logger"
)

var checkCMD = cli.Command{
	Name:   "check",
	Usage:  "probe venue connectivity and credentials",
	Action: checkAction,
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
			Usage: "per-call timeout",
		},
	},
	Description: `Read-only probe of the USDT-M futures API. Public endpoints are always
checked; account endpoints and the user-data listen key only when API keys are set.
No orders are placed.`,
}

type probe struct {
	name string
	fn   func(ctx context.Context) (string, error)
}

func checkAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, "console")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	client := exfutusdt.NewClient(exfutusdt.Config{
		APIKey:       cfg.APIKey,
		APISecret:    cfg.APISecret,
		Testnet:      cfg.Exchange.Testnet,
		RecvWindow:   cfg.Exchange.RecvWindowMs,
		RequestsPerS: cfg.Exchange.RequestsPerS,
	}, nil, log)
	symbol := cfg.Symbols[0]

	probes := []probe{
		{"server time", func(ctx context.Context) (string, error) {
			ms, err := client.GetServerTime(ctx)
			if err != nil {
				return "", err
			}
			skew := time.Since(time.UnixMilli(ms))
			return fmt.Sprintf("skew %s", skew.Round(time.Millisecond)), nil
		}},
		{"mark price " + symbol, func(ctx context.Context) (string, error) {
			p, err := client.GetMarkPrice(ctx, symbol)
			return fmt.Sprintf("%.8g", p), err
		}},
		{"symbol filters", func(ctx context.Context) (string, error) {
			f, err := client.GetSymbolFilters(ctx)
			if err != nil {
				return "", err
			}
			missing := 0
			for _, s := range cfg.Symbols {
				if _, ok := f[s]; !ok {
					missing++
				}
			}
			return fmt.Sprintf("%d symbols, %d configured missing", len(f), missing), nil
		}},
	}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		probes = append(probes,
			probe{"wallet balance", func(ctx context.Context) (string, error) {
				b, err := client.GetWalletBalance(ctx, "USDT")
				return fmt.Sprintf("%.2f USDT", b), err
			}},
			probe{"positions", func(ctx context.Context) (string, error) {
				ps, err := client.GetPositions(ctx)
				return fmt.Sprintf("%d open", len(ps)), err
			}},
			probe{"open orders " + symbol, func(ctx context.Context) (string, error) {
				resting, err := client.GetOpenOrders(ctx, symbol)
				return fmt.Sprintf("%d resting", len(resting)), err
			}},
			probe{"listen key", func(ctx context.Context) (string, error) {
				key, err := client.CreateListenKey(ctx)
				if err != nil {
					return "", err
				}
				return "created and closed", client.CloseListenKey(ctx, key)
			}},
		)
	} else {
		log.Info("no API keys, skipping account checks")
	}

	failed := 0
	for _, p := range probes {
		ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
		out, err := p.fn(ctx)
		cancel()
		if err != nil {
			failed++
			log.Error("check failed", zap.String("check", p.name), zap.Error(err))
			continue
		}
		log.Info("check ok", zap.String("check", p.name), zap.String("result", out))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(probes))
	}
	return nil
}
