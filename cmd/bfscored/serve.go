package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/bfscore/pkg/log"
	"github.com/cuemby/bfscore/pkg/metrics"
	"github.com/spf13/cobra"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "wire the data path against the configured devices and serve metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := build(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			log.WithComponent("bfscored").Info().Str("addr", metricsAddr).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithComponent("bfscored").Error().Err(err).Msg("metrics server exited")
			}
		}()

		collector := metrics.NewCollector(c.index)
		collector.Start()
		defer collector.Stop()

		log.WithComponent("bfscored").Info().Int("devices", len(c.registry.All())).Msg("data path ready")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.WithComponent("bfscored").Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address the Prometheus metrics/health endpoints listen on")
}
