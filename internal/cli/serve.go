package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/lazypower/karmagraph/internal/metrics"
	"github.com/lazypower/karmagraph/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the maintenance timer",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := openSession(true, metrics.New(reg))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.eng.LLM != nil {
		s.logger.Info("serve: llm configured", "provider", s.cfg.LLM.Provider, "model", s.cfg.LLM.Model)
	}
	// The first maintenance cycle rebuilds the index, so the timer warms it.
	// With the timer disabled it is warmed here.
	if s.cfg.Maintenance.Interval > 0 {
		s.eng.StartMaintenanceTimer(s.cfg.Maintenance.Interval)
	} else if _, err := s.eng.Warm(ctx); err != nil {
		return err
	}

	addr := s.cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(s.eng, VersionString(), reg, s.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serve: listening", "addr", addr, "db", s.db.Path, "maintenance", s.cfg.Maintenance.Interval)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("serve: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
