package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/HsiangNianian/snyper/internal/api"
	"github.com/HsiangNianian/snyper/internal/controller"
	"github.com/HsiangNianian/snyper/internal/metrics"
	"github.com/HsiangNianian/snyper/internal/server"
	"github.com/HsiangNianian/snyper/internal/store"
	"github.com/HsiangNianian/snyper/internal/transport"
	"github.com/HsiangNianian/snyper/internal/ws"
)

func newControllerCmd() *cobra.Command {
	var listenAddr, httpAddr, redisAddr string
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the controller: target registry, socket listener and HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			c := cfg.Controller
			if listenAddr != "" {
				c.ListenAddr = listenAddr
			}
			if httpAddr != "" {
				c.HTTPAddr = httpAddr
			}
			if redisAddr != "" {
				c.Store.RedisAddr = redisAddr
			}
			ctx := cmd.Context()

			var st store.Store
			if c.Store.RedisAddr != "" {
				key := c.Store.RedisKey
				if key == "" {
					key = store.DefaultRedisKey
				}
				rs := store.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: c.Store.RedisAddr}), key)
				defer rs.Close()
				if err := rs.Ping(ctx); err != nil {
					return fmt.Errorf("redis %s: %w", c.Store.RedisAddr, err)
				}
				st = rs
				logger.Info("using redis store", "address", c.Store.RedisAddr, "key", key)
			} else {
				st = store.NewMemoryStore()
				logger.Info("using memory store")
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			var retry controller.RetryPolicy = controller.NoRetry{}
			if c.Retry.Attempts > 1 {
				retry = controller.RetryOnTimeout{Attempts: c.Retry.Attempts, Backoff: c.Retry.Backoff()}
			}
			orch := controller.New(st, transport.NewClient(c.RequestTimeout(), logger), controller.Options{
				Timeout: c.RequestTimeout(),
				Retry:   retry,
				Metrics: metrics.NewController(reg),
				Logger:  logger,
			})
			hub := ws.NewHub(orch, logger.With("component", "panel"))
			orch.SetObserver(hub)

			srv := server.New(controller.NewHandler(orch, c.NodeID, c.TargetPort, logger), logger)
			srv.NodeID = c.NodeID
			if err := srv.Listen(c.ListenAddr); err != nil {
				return err
			}
			httpAPI := api.NewServer(orch, hub, reg, logger)

			errCh := make(chan error, 2)
			go func() { errCh <- srv.Serve(ctx) }()
			go func() { errCh <- httpAPI.ListenAndServe(ctx, c.HTTPAddr) }()
			return waitAll(ctx, errCh, 2)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "socket protocol listen address (overrides config)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API listen address (overrides config)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for the target registry (overrides config)")
	return cmd
}

// waitAll waits for n component goroutines. The first failure while ctx is
// live is returned once the rest have stopped.
func waitAll(ctx context.Context, errCh <-chan error, n int) error {
	var first error
	for i := 0; i < n; i++ {
		err := <-errCh
		if err != nil && first == nil && !errors.Is(err, context.Canceled) {
			first = err
		}
		if first != nil && ctx.Err() == nil {
			return first
		}
	}
	return first
}
