package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"trading-engine/internal/api"
	"trading-engine/pkg/config"
	"trading-engine/pkg/db"
	"trading-engine/pkg/logger"
)

var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "trading-engine"
	app.Usage = "leveraged futures execution and protection engine"
	app.Version = Version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to the YAML config file",
			EnvVar: "ENGINE_CONFIG",
		},
	}
	app.Commands = []cli.Command{
		runCMD,
		tokenCMD,
		migrateCMD,
		checkCMD,
	}
	app.Action = runAction
	return app
}

var (
	runCMD = cli.Command{
		Name:        "run",
		Usage:       "run the engine",
		Action:      runAction,
		Description: `Starts the scheduler, the user stream and the admin API. This is the default command.`,
	}
	tokenCMD = cli.Command{
		Name:   "token",
		Usage:  "issue an admin API token",
		Action: tokenAction,
		Flags: []cli.Flag{
			cli.DurationFlag{
				Name:  "ttl",
				Value: 24 * time.Hour,
				Usage: "token lifetime",
			},
		},
		Description: `Signs a bearer token with JWT_SECRET for the protected API routes.`,
	}
	migrateCMD = cli.Command{
		Name:        "migrate",
		Usage:       "create or upgrade the database schema",
		Action:      migrateAction,
		Description: `Opens the configured database, applies the schema and exits.`,
	}
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.GlobalString("config")
	if path == "" {
		path = c.String("config")
	}
	return config.Load(path)
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting trading engine",
		zap.String("version", Version),
		zap.String("mode", cfg.Mode),
		zap.Strings("symbols", cfg.Symbols),
		zap.Bool("testnet", cfg.Exchange.Testnet),
	)

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Run(ctx)
	log.Info("engine stopped")
	return nil
}

func tokenAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	token, err := api.GenerateToken(cfg.JWTSecret, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func migrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	fmt.Printf("schema ready at %s\n", cfg.DBPath)
	return nil
}
