package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/shmsync/internal/logging"
	"github.com/srediag/shmsync/pkg/health"
	"github.com/srediag/shmsync/pkg/lifecycle"
	"github.com/srediag/shmsync/pkg/shm"
)

func newServeCmd(root *rootArgs) *cobra.Command {
	var (
		addr         string
		mutexTimeout time.Duration
		waitReady    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve NAME...",
		Short: "Attach to segments and serve health and metrics",
		Long: `Attach to each named segment and serve:

  /live     header and mutex checks
  /ready    readiness flag of every segment
  /metrics  prometheus metrics, check results included`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			if err := shm.RegisterMetrics(reg); err != nil {
				return err
			}
			checks := healthcheck.NewMetricsHandler(reg, "shmsync")

			mgr := lifecycle.NewManager(root.options()...)
			defer func() {
				if err := mgr.CloseAll(); err != nil {
					logging.Internal().Errorf("detach: %v", err)
				}
			}()
			for _, name := range args {
				openCtx, cancel := context.WithTimeout(ctx, waitReady)
				seg, err := mgr.Open(openCtx, name, shm.WithRetry(backoff.NewConstantBackOff(100*time.Millisecond)))
				cancel()
				if err != nil {
					return fmt.Errorf("attach %s: %w", name, err)
				}
				health.AddChecks(checks, seg, mutexTimeout)
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/live", checks.LiveEndpoint)
			mux.HandleFunc("/ready", checks.ReadyEndpoint)
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			fmt.Fprintf(cmd.OutOrStdout(), "serving %d segment(s) on %s\n", len(args), addr)

			var result *multierror.Error
			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					result = multierror.Append(result, err)
				}
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					result = multierror.Append(result, err)
				}
			}
			return result.ErrorOrNil()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "Listen address")
	cmd.Flags().DurationVar(&mutexTimeout, "mutex_timeout", time.Second, "Fail liveness when a segment mutex cannot be taken within this long; 0 disables")
	cmd.Flags().DurationVar(&waitReady, "attach_timeout", 10*time.Second, "How long to wait for each segment to appear")
	return cmd
}
