package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/konacaption/server"
	"github.com/krau/konacaption/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the captioning HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger.Info("Starting KonaCaption", zap.String("version", Version))

			rt, err := service.New(cfg, logger)
			if err != nil {
				logger.Error("Failed to initialize runtime", zap.Error(err))
				return err
			}
			defer rt.Close()

			gin.SetMode(gin.ReleaseMode)
			router := server.NewRouter(rt, server.Options{
				Token:          cfg.Token,
				MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
			}, logger.Named("http"))

			srv := &http.Server{
				Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				logger.Info("Listening on", zap.String("address", srv.Addr))
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Server error", zap.Error(err))
					return err
				}
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
