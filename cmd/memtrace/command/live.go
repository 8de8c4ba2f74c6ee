package command

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/memtrace/memtrace/pkg/live"
	"github.com/memtrace/memtrace/pkg/reader"
	"github.com/memtrace/memtrace/pkg/report"
)

type liveConfig struct {
	listenAddr   string
	httpAddr     string
	interval     time.Duration
	splitThreads bool
}

func newLiveCmd() *cobra.Command {
	var cfg liveConfig
	cmd := &cobra.Command{
		Use:   "live",
		Short: "monitor a running process over a socket",
		Long: "Binds a port and waits for a traced process to connect, then renders the " +
			"current allocation table on an interval until the writer disconnects or the " +
			"monitor is interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLive(cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.listenAddr, "listen", "127.0.0.1:5656", "address to accept the traced process on")
	cmd.Flags().StringVar(&cfg.httpAddr, "http", "", "optional address serving /live/flamegraph and /live/table")
	cmd.Flags().DurationVar(&cfg.interval, "interval", live.DefaultPollInterval, "poll interval")
	cmd.Flags().BoolVar(&cfg.splitThreads, "split-threads", false, "attribute rows to their threads instead of merging")
	return cmd
}

func runLive(cfg liveConfig) error {
	logger := newLogger()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rd, err := reader.Listen(logger, cfg.listenAddr)
	if err != nil {
		return err
	}
	monitor := live.NewMonitor(logger, rd, cfg.interval, os.Stdout, report.Options{
		MergeThreads: !cfg.splitThreads,
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.httpAddr != "" {
		srv := &http.Server{Addr: cfg.httpAddr, Handler: monitor.Handler()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}
	g.Go(func() error {
		// Cancel unblocks the http goroutines when the writer goes away on
		// its own.
		defer cancel()
		if err := services.StartAndAwaitRunning(gctx, monitor); err != nil {
			return err
		}
		if err := monitor.AwaitTerminated(gctx); gctx.Err() == nil {
			return err
		}
		return services.StopAndAwaitTerminated(context.Background(), monitor)
	})
	return g.Wait()
}
