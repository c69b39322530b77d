// Package main provides the agentline binary entry point. Agentline
// reduces streams of agent events into consistent, replayable
// conversation timelines, either from a JSONL log or live from NATS.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/s1366560/agentline/config"
	"github.com/s1366560/agentline/engine"
	"github.com/s1366560/agentline/event"
	"github.com/s1366560/agentline/replay"
	"github.com/s1366560/agentline/transport/natsfeed"
)

const (
	Version = "0.1.0"
	appName = "agentline"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Agent event-timeline reconciliation engine",
		Long: `Agentline reduces an unordered, partially duplicated stream of agent
events into one consistent, replayable conversation timeline.

It restores event order, pairs tool invocations with their results,
tracks plan and human-input state, and renders the reduced timeline.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(replayCmd(&configPath, &logLevel))
	cmd.AddCommand(followCmd(&configPath, &logLevel))
	cmd.AddCommand(feedCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func loadConfig(configPath, logLevel string) (*config.Config, error) {
	logger := newLogger(os.Stderr, logLevel)
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

func engineOptions(cfg *config.Config, logLevel string) engine.Options {
	return engine.Options{
		MaxBufferAge: cfg.Engine.BufferAge,
		HITLTimeout:  cfg.HITL.Timeout,
		AutoApprove:  cfg.HITL.AutoApprove,
		Logger:       newLogger(os.Stderr, logLevel),
	}
}

func replayCmd(configPath, logLevel *string) *cobra.Command {
	var conversation string

	cmd := &cobra.Command{
		Use:   "replay <event-log>",
		Short: "Reduce a JSONL event log and print the timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, *logLevel)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			events, err := replay.ReadLog(args[0])
			if err != nil {
				return err
			}

			r := replay.NewReplayer(conversation, engineOptions(cfg, *logLevel))
			if err := r.ApplyAll(events); err != nil {
				return fmt.Errorf("replay: %w", err)
			}

			renderSnapshot(os.Stdout, r.Snapshot())
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "replay", "Conversation id to reduce under")
	return cmd
}

func followCmd(configPath, logLevel *string) *cobra.Command {
	var conversation string

	cmd := &cobra.Command{
		Use:   "follow <event-log>",
		Short: "Tail a growing JSONL event log and print entries as they reduce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, *logLevel)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			r := replay.NewReplayer(conversation, engineOptions(cfg, *logLevel))
			follower := replay.NewFollower(args[0], newLogger(os.Stderr, *logLevel))

			rendered := 0
			err = follower.Follow(ctx, func(ev event.Event) error {
				if err := r.Apply(ev); err != nil {
					return err
				}
				snap := r.Snapshot()
				for ; rendered < len(snap.Timeline); rendered++ {
					renderEntry(os.Stdout, &snap.Timeline[rendered])
				}
				return nil
			})
			if err != nil && ctx.Err() == nil {
				return err
			}

			fmt.Println()
			renderSnapshot(os.Stdout, r.Snapshot())
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "follow", "Conversation id to reduce under")
	return cmd
}

func feedCmd(configPath, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Consume agent events from NATS JetStream into per-conversation engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, *logLevel)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(os.Stderr, *logLevel)

			opts := engineOptions(cfg, *logLevel)
			if cfg.Metrics.Enabled {
				registry := prometheus.NewRegistry()
				opts.Metrics = engine.NewMetrics(registry)

				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				server := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
				go func() {
					logger.Info("Metrics endpoint listening", "addr", cfg.Metrics.Listen)
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("Metrics server failed", "error", err)
					}
				}()
				defer server.Close()
			}

			manager := engine.NewManager(opts)
			feed := natsfeed.New(cfg.NATS, manager, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := feed.Start(ctx); err != nil {
				return err
			}
			defer feed.Stop()

			// Drive time-based transitions: sequencer gap-skips and HITL
			// deadlines fire from this tick, never from inside the reducer.
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					logger.Info("Received shutdown signal")
					return nil
				case now := <-ticker.C:
					manager.ExpireDue(now)
				}
			}
		},
	}
	return cmd
}
