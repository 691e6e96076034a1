package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-artifact-attestation/api/authority"
	"github.com/ruteri/tee-artifact-attestation/api/pipelinehandler"
	"github.com/ruteri/tee-artifact-attestation/cmd/flags"
	"github.com/ruteri/tee-artifact-attestation/common"
	"github.com/ruteri/tee-artifact-attestation/httpserver"
	"github.com/ruteri/tee-artifact-attestation/metrics"
	"github.com/ruteri/tee-artifact-attestation/pipeline"
	"github.com/urfave/cli/v2"
)

var allowRemoteSourcesFlag = &cli.BoolFlag{
	Name:  "allow-remote-sources",
	Usage: "let clients select artifacts by file://, s3://, ipfs://, github:// or http(s):// location",
}

func main() {
	app := &cli.App{
		Name:  "attestd",
		Usage: "Serve the artifact attestation pipeline API",
		Flags: append(append(append([]cli.Flag{}, flags.LogFlags...), flags.ProviderFlags...),
			append(flags.ServerFlags, allowRemoteSourcesFlag)...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			metricsSrv, err := metrics.New(common.PackageName, cfg.Server.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			bundle, err := flags.BuildBundle(ctx, cCtx, cfg, metricsSrv.Recorder(), logger)
			if err != nil {
				logger.Error("Failed to select providers", "err", err)
				return err
			}

			controller := pipeline.FromBundle(bundle,
				pipeline.WithLogger(logger),
				pipeline.WithMetrics(metricsSrv.Recorder()),
			)

			pipelineHandler := pipelinehandler.NewHandler(controller, bundle.Keys, logger)
			pipelineHandler.AllowRemoteSources = cCtx.Bool(allowRemoteSourcesFlag.Name)

			handlers := []httpserver.RouteRegistrar{pipelineHandler}
			if cfg.Server.Authority {
				authorityHandler := authority.NewHandler(logger)
				// Simulated signatures do not verify.
				authorityHandler.AllowUnverified = !bundle.HardwareBacked
				authorityHandler.RequireQuote = cfg.Server.AuthorityRequireQuote
				handlers = append(handlers, authorityHandler)
				logger.Info("Development attestation authority enabled")
			}

			server, err := httpserver.New(flags.ConfigureServer(cfg, logger, metricsSrv), handlers...)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

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
