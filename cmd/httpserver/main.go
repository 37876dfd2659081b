package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/fedinbox/cmd/flags"
	"github.com/ruteri/fedinbox/common"
	"github.com/ruteri/fedinbox/directory"
	"github.com/ruteri/fedinbox/httpserver"
	"github.com/ruteri/fedinbox/inbox"
	"github.com/ruteri/fedinbox/ledger"
	"github.com/ruteri/fedinbox/metrics"
	"github.com/ruteri/fedinbox/transport"
	"github.com/urfave/cli/v2"
)

var listenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var httpTimeoutFlag = &cli.DurationFlag{
	Name:  "http-timeout",
	Value: transport.DefaultTimeout,
	Usage: "timeout of outbound actor fetches and deliveries",
}

var maxDateSkewFlag = &cli.DurationFlag{
	Name:  "max-date-skew",
	Value: inbox.DefaultMaxDateSkew,
	Usage: "maximum distance of a signed Date header from now, 0 disables the check",
}

var allowUnauthenticatedFlag = &cli.BoolFlag{
	Name:  "allow-unauthenticated",
	Value: false,
	Usage: "accept inbox activities without checking who signed them (debugging only)",
}

func main() {
	serverFlags := append([]cli.Flag{
		listenAddrFlag,
		httpTimeoutFlag,
		maxDateSkewFlag,
		allowUnauthenticatedFlag,
		flags.LogServiceFlagFn(common.PackageName),
	}, flags.CommonFlags...)

	app := &cli.App{
		Name:  "fedinbox-server",
		Usage: "Serve ActivityPub actors and their inboxes",
		Flags: append(serverFlags, flags.StoreFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(listenAddrFlag.Name))
			baseURL := cCtx.String(flags.BaseURLFlag.Name)

			store, err := flags.OpenStore(cCtx, logger)
			if err != nil {
				logger.Error("Failed to open store", "err", err)
				return err
			}
			defer store.Close()
			logger.Info("Store opened", "store", store.Name())

			vault, err := flags.OpenKeyVault(cCtx, logger)
			if err != nil {
				logger.Error("Failed to load key vault", "err", err)
				return err
			}

			metricsSrv, err := metrics.New(common.PackageName, cfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			client := transport.NewClient(transport.Config{
				Timeout: cCtx.Duration(httpTimeoutFlag.Name),
			}, logger, metricsSrv.Metrics)

			dir := directory.New(store, client, vault, logger)
			follows := ledger.New(store, logger)
			dispatcher := inbox.NewDispatcher(inbox.Config{
				AllowUnauthenticated: cCtx.Bool(allowUnauthenticatedFlag.Name),
				MaxDateSkew:          cCtx.Duration(maxDateSkewFlag.Name),
			}, dir, follows, client, logger, metricsSrv.Metrics)

			handler := httpserver.NewHandler(baseURL, dir, follows, dispatcher, logger)
			server, err := httpserver.New(cfg, handler, metricsSrv)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server", "baseURL", baseURL)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
