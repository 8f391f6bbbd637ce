// Pushsub subscribes to channels of a push-stream server and relays the
// messages it receives to the configured sinks.
//
// Usage:
//
//	pushsub [flags]
//	pushsub --config /path/to/pushsub.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	_ "github.com/nadzzz/pushstream/docs"
	"github.com/nadzzz/pushstream/internal/config"
	"github.com/nadzzz/pushstream/internal/dispatch"
	"github.com/nadzzz/pushstream/internal/health"
	"github.com/nadzzz/pushstream/internal/message"
	"github.com/nadzzz/pushstream/internal/metrics"
	"github.com/nadzzz/pushstream/internal/sink"
	"github.com/nadzzz/pushstream/internal/subscriber"
	"github.com/nadzzz/pushstream/internal/transport"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile  string
		showVersion bool
	)
	cmd := &cobra.Command{
		Use:           "pushsub",
		Short:         "Relay push-stream channel messages to sinks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "pushsub %s\n", version)
				return nil
			}
			if err := run(configFile); err != nil {
				slog.Error("pushsub failed", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to config file (e.g. configs/pushsub.yaml)")
	cmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
	return cmd
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	config.SetupLogging(cfg.Logging)
	logger := slog.Default()
	logger.Info("pushsub starting", "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("pushsub", registry)

	routes := make([]dispatch.Route, 0, len(cfg.Sinks))
	for _, sc := range cfg.Sinks {
		s, err := sink.New(sc, logger)
		if err != nil {
			for _, r := range routes {
				_ = r.Sink.Close()
			}
			return fmt.Errorf("creating %s sink: %w", sc.Type, err)
		}
		routes = append(routes, dispatch.Route{Sink: s, Channels: sc.Channels})
	}
	if len(routes) == 0 {
		logger.Warn("no sinks configured, messages are only counted")
	}
	dispatcher := dispatch.New(routes, collector, logger)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Error("sink close error", "error", err)
		}
	}()

	var grpcHealth *health.GRPC
	if cfg.Server.GRPCPort != 0 {
		grpcHealth = health.NewGRPC(cfg.Server.GRPCPort)
	}

	opts := cfg.ClientOptions()
	opts.Logger = logger
	opts.Metrics = collector

	var client *subscriber.Client
	client, err = subscriber.New(opts, subscriber.Handlers{
		OnMessage: func(msg message.Message) {
			dispatcher.Handle(ctx, msg)
		},
		OnChannelDeleted: func(name string) {
			logger.Warn("channel deleted on server, unsubscribing", "channel", name)
			client.RemoveChannel(name)
		},
		OnStatusChange: func(state subscriber.State) {
			if grpcHealth != nil {
				grpcHealth.SetServing(state == subscriber.StateOpen)
			}
		},
		OnError: func(kind transport.ErrorKind) {
			logger.Warn("connection error", "kind", kind)
		},
	})
	if err != nil {
		return fmt.Errorf("creating subscriber: %w", err)
	}
	defer client.Close()

	for _, ch := range cfg.Channels {
		if err := client.AddChannel(ch.Name, ch.ChannelOptions()); err != nil {
			return fmt.Errorf("adding channel %q: %w", ch.Name, err)
		}
	}
	if err := client.Connect(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	healthServer := health.New(cfg.Server.AdminPort, client, registry)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.ListenAndServe(ctx); err != nil {
			logger.Error("admin server failed", "error", err)
		}
	}()
	if grpcHealth != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcHealth.ListenAndServe(ctx); err != nil {
				logger.Error("grpc health server failed", "error", err)
			}
		}()
	}

	logger.Info("pushsub ready",
		"host", cfg.Client.Host,
		"channels", len(cfg.Channels),
		"sinks", len(routes),
		"admin_port", cfg.Server.AdminPort)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining...")

	client.Disconnect()
	wg.Wait()
	logger.Info("pushsub stopped")
	return nil
}
