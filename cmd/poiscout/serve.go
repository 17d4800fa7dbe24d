package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/poiscout/internal/runtime"
	"github.com/mohammad-safakhou/poiscout/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the configured schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr == "" {
				addr = cfg.Server.Address
			}

			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()

			app, err := runtime.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			if cfg.Server.JWTSecret == "" {
				logger.Warn("server.jwt_secret is empty, the API is unauthenticated")
			}

			srv := server.New(ctx, server.Options{
				Runner:    app,
				Store:     app.Store(),
				Steps:     app.StepLog(),
				Metrics:   app.Metrics(),
				JWTSecret: cfg.Server.JWTSecret,
			}, logger)

			sched, err := server.NewScheduler(cfg.Schedules, app.Redis(), srv.Searches, logger)
			if err != nil {
				return err
			}
			sched.Start(ctx)
			defer sched.Stop()
			logger.Info("schedules loaded", zap.Int("count", len(cfg.Schedules)))

			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	return cmd
}
