package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/logger"
	"github.com/jmehdipour/teatrace/internal/metrics"
)

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9102", "address serving /metrics, empty to disable")

	// attach subcommands
	cmd.AddCommand(dispatcherCmd)
	cmd.AddCommand(listenerCmd)
	cmd.AddCommand(reaperCmd)
	cmd.AddCommand(allCmd)

	return cmd
}

// runWorkers loads config, builds the named components and runs them until a
// signal arrives.
func runWorkers(cmd *cobra.Command, build func(ctx context.Context, r *resources) ([]runner, error)) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)
	log := logger.Log
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &resources{cfg: cfg, log: log}
	defer r.close()

	runners, err := build(ctx, r)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := serveMetrics(metricsAddr, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	return runAll(ctx, runners)
}

func serveMetrics(addr string, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()
	return e
}
