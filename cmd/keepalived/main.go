//go:build unix

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-keepalive/v1/config"
	"github.com/mirkobrombin/go-keepalive/v1/metrics"
	"github.com/mirkobrombin/go-keepalive/v1/mutex"
	"github.com/mirkobrombin/go-keepalive/v1/presets"
	"github.com/mirkobrombin/go-keepalive/v1/queue"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("keepalived failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "keepalived",
		Short: "Cluster-wide keepalive sweeps of coordination servers",
		Long: `keepalived checks the queued coordination servers every interval.
Every process sharing the lock runs the same schedule, but only the one
holding the lock performs a sweep; the others skip it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (optional)")

	cmd.AddCommand(newCheckConfigCommand(&configPath))
	cmd.AddCommand(newPushCommand(&configPath))
	cmd.AddCommand(newForceUnlockCommand(&configPath))
	return cmd
}

func newCheckConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func newPushCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "push ADDR...",
		Short: "Add coordination servers to the shared Redis queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			if cfg.Queue.Backend != config.QueueRedis {
				return errors.New("push needs the redis queue backend")
			}
			q, closeQueue := newRedisQueue(cfg)
			defer closeQueue()
			servers := make([]queue.Server, 0, len(args))
			for _, a := range args {
				servers = append(servers, queue.Server{Addr: a, Added: time.Now()})
			}
			if err := q.Push(cmd.Context(), servers...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d server(s)\n", len(servers))
			return nil
		},
	}
}

func newForceUnlockCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "force-unlock PID",
		Short: "Clear a shared-memory lock left behind by a dead process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid pid %q: %w", args[0], err)
			}
			cfg, err := config.LoadFile(*configPath)
			if err != nil {
				return err
			}
			if cfg.Lock.Backend != config.LockShared {
				return errors.New("force-unlock only applies to the shm lock backend")
			}
			c := mutex.New(mutex.WithSegmentName(cfg.Lock.Segment))
			if err := c.Init(cfg.Lock.File); err != nil {
				return err
			}
			defer c.Close()
			if !c.ForceUnlock(owner) {
				holder, _ := c.Holder()
				return fmt.Errorf("lock is not held by %d (holder %d)", owner, holder)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released lock held by %d\n", owner)
			return nil
		},
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)
	slog.SetDefault(log)

	if cfg.Tracing.Enabled {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	k, err := presets.FromConfig(ctx, cfg, presets.Options{
		Logger:  log,
		Metrics: metrics.New(reg),
	})
	if err != nil {
		return fmt.Errorf("failed to build keepalive: %w", err)
	}
	defer func() {
		if err := k.Close(); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           newHandler(k, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErrCh := make(chan error, 1)
	if cfg.HTTP.Address != "" {
		go func() {
			log.Info("keepalive: http listening", slog.String("addr", cfg.HTTP.Address))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErrCh <- err
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- k.Run(runCtx) }()

	select {
	case err = <-srvErrCh:
		log.Error("Error serving http", slog.Any("err", err))
		cancel()
		<-runErrCh
	case err = <-runErrCh:
	}

	log.Info("Shutting down gracefully...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error("Error during http shutdown", slog.Any("err", serr))
	}
	return err
}
