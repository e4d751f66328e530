// Package cmd holds the echoattime command line: the serve command runs the
// dispatcher and its HTTP surfaces, the schedule command queues a message
// directly in the store.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"echoattime/internal/config"
	"echoattime/internal/log"
	"echoattime/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// openStore connects to the configured store and returns it with a close
// function. Tests replace it with an in-memory store.
var openStore = func(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	s := store.NewRedis(client)
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return s, client.Close, nil
}

// Execute runs the root command until it finishes or the process receives
// SIGINT or SIGTERM.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return NewRootCommand().ExecuteContext(ctx)
}

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "echoattime",
		Short:         "Deliver messages at a scheduled time",
		Long:          "echoattime accepts messages with a future timestamp and delivers each one once that time has passed.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")
	root.PersistentFlags().String("log-format", "", "Log format: json|console (overrides LOG_FORMAT)")
	root.PersistentFlags().String("redis", "", "Redis address (overrides REDIS_ADDR)")

	root.AddCommand(newServeCommand(), newScheduleCommand())
	return root
}

// setup loads the configuration, applies flag overrides, and builds the
// process logger.
func setup(cmd *cobra.Command) (*config.Config, *log.Logger, error) {
	boot := log.NewLogger()
	cfg, err := config.Load(boot)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("redis") {
		cfg.RedisAddr, _ = flags.GetString("redis")
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg.Normalize()

	logger, err := log.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
