package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meridianfx/meridian/internal/config"
	httpapi "github.com/meridianfx/meridian/internal/interfaces/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full trading platform",
	Long: `Start the REST API, websocket hub, scheduler and signal
coordinator. Broker routing, persistence and the auto-trader come up
only when their configuration enables them.`,
	RunE: runServe,
}

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if servePort > 0 {
		cfg.Port = servePort
	}

	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	scfg := httpapi.DefaultServerConfig()
	scfg.Port = cfg.Port
	server, err := httpapi.NewServer(scfg, app.handlers)
	if err != nil {
		return err
	}

	if app.hub != nil {
		go app.hub.Run(ctx)
	}
	if err := app.sched.Start(ctx); err != nil {
		return err
	}
	if cfg.AutoTrade.Autostart {
		if err := app.trader.Enable(ctx); err != nil {
			log.Warn().Err(err).Msg("auto-trader autostart failed")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().Str("version", version).Str("env", cfg.Environment).
		Str("scope", cfg.TradingScope).Str("addr", server.Address()).Msg("meridian up")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}
