package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/coedit-dev/coedit/pkg/auth"
	"github.com/coedit-dev/coedit/pkg/server"
	"github.com/coedit-dev/coedit/pkg/store"
)

type serveOptions struct {
	addr         string
	roomCapacity int
	idleTimeout  time.Duration
	saveInterval time.Duration

	redisAddr   string
	redisPrefix string
	s3Bucket    string
	s3Prefix    string
	s3Region    string

	authSecret string
	logLevel   string
	logFormat  string
}

func serveCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		Long: `Start the WebSocket sync server.

Snapshots live in memory unless --redis or --s3-bucket selects a
backend. Connections are accepted from anyone unless --auth-secret
turns on signed-token verification (mint tokens with "coedit token").

Examples:
  coedit serve
  coedit serve --addr=:9000 --redis=localhost:6379
  coedit serve --s3-bucket=my-snapshots --s3-region=us-east-1
  coedit serve --auth-secret=$COEDIT_SECRET`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", ":8080", "Address to listen on")
	cmd.Flags().IntVar(&opts.roomCapacity, "room-capacity", 0, "Maximum connections per room (default 10)")
	cmd.Flags().DurationVar(&opts.idleTimeout, "idle-timeout", 0, "Drop connections silent for this long (default 5m)")
	cmd.Flags().DurationVar(&opts.saveInterval, "save-interval", 0, "Minimum interval between snapshot saves (default 30s)")
	cmd.Flags().StringVar(&opts.redisAddr, "redis", "", "Redis address for snapshot storage")
	cmd.Flags().StringVar(&opts.redisPrefix, "redis-prefix", "", "Redis key prefix for snapshots")
	cmd.Flags().StringVar(&opts.s3Bucket, "s3-bucket", "", "S3 bucket for snapshot storage")
	cmd.Flags().StringVar(&opts.s3Prefix, "s3-prefix", "rooms/", "S3 key prefix for snapshots")
	cmd.Flags().StringVar(&opts.s3Region, "s3-region", "", "S3 region (default from AWS environment)")
	cmd.Flags().StringVar(&opts.authSecret, "auth-secret", os.Getenv("COEDIT_AUTH_SECRET"), "HMAC secret for token verification (open access if empty)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	return cmd
}

func runServe(opts *serveOptions) error {
	logger, err := newLogger(opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}

	cfg := server.DefaultConfig()
	cfg.Address = opts.addr
	if opts.roomCapacity > 0 {
		cfg.RoomCapacity = opts.roomCapacity
	}
	if opts.idleTimeout > 0 {
		cfg.IdleTimeout = opts.idleTimeout
	}
	if opts.saveInterval > 0 {
		cfg.SaveInterval = opts.saveInterval
	}

	st, err := newStore(opts, logger)
	if err != nil {
		return err
	}

	var verifier auth.Verifier
	if opts.authSecret != "" {
		verifier = auth.NewHMACVerifier([]byte(opts.authSecret))
	}

	srv := server.New(cfg, server.Options{
		Store:    st,
		Verifier: verifier,
		Logger:   logger,
	})

	logger.Info("starting server", "addr", cfg.Address, "version", version)
	return srv.Run()
}

// newStore picks the snapshot backend. S3 and Redis are mutually
// exclusive; neither means in-memory only.
func newStore(opts *serveOptions, logger *slog.Logger) (store.Store, error) {
	if opts.s3Bucket != "" && opts.redisAddr != "" {
		return nil, fmt.Errorf("--redis and --s3-bucket are mutually exclusive")
	}

	switch {
	case opts.s3Bucket != "":
		var loadOpts []func(*awsconfig.LoadOptions) error
		if opts.s3Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(opts.s3Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		logger.Info("snapshot backend: s3", "bucket", opts.s3Bucket, "prefix", opts.s3Prefix)
		return store.NewS3Store(s3.NewFromConfig(awsCfg), opts.s3Bucket, opts.s3Prefix), nil

	case opts.redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("snapshot backend: redis", "addr", opts.redisAddr)
		return store.NewRedisStore(client, opts.redisPrefix), nil

	default:
		logger.Warn("snapshot backend: memory, state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	ho := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, ho)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, ho)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
