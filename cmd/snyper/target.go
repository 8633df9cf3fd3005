package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/HsiangNianian/snyper/internal/metrics"
	"github.com/HsiangNianian/snyper/internal/server"
	"github.com/HsiangNianian/snyper/internal/target"
	"github.com/HsiangNianian/snyper/internal/transport"
)

func newTargetCmd() *cobra.Command {
	var (
		listenAddr     string
		controllerAddr string
		nodeID         string
		simulate       bool
		hitAfter       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Run a target node and register it with the controller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			t := cfg.Target
			if listenAddr != "" {
				t.ListenAddr = listenAddr
			}
			if controllerAddr != "" {
				t.ControllerAddr = controllerAddr
			}
			if nodeID != "" {
				t.NodeID = nodeID
			}
			if !simulate {
				return errors.New("no hardware peripheral driver is built in; run with --simulate")
			}
			ctx := cmd.Context()
			logger = logger.With("node_id", t.NodeID)

			localIP, err := target.HostNetwork{}.Connect(ctx, target.Credentials{SSID: t.WiFi.SSID, Password: t.WiFi.Password})
			if err != nil {
				logger.Warn("no network address found", "error", err)
			} else {
				logger.Info("network ready", "ip", localIP)
			}

			sim := &target.SimulatedPeripheral{
				TravelTime: time.Duration(t.Simulator.TravelMS) * time.Millisecond,
				HitAfter:   time.Duration(t.Simulator.HitAfterMS) * time.Millisecond,
			}
			if hitAfter > 0 {
				sim.HitAfter = hitAfter
			}
			logger.Info("using simulated peripheral", "travel", sim.TravelTime, "hit_after", sim.HitAfter)

			reg := prometheus.NewRegistry()
			m := metrics.NewTarget(reg)
			queue := target.NewQueue(t.QueueSize, m)
			machine := target.NewMachine(sim, queue, target.MachineConfig{
				HitValue:     t.HitValue,
				PollInterval: t.PollInterval(),
			}, m, logger)

			srv := server.New(target.NewHandler(t.NodeID, machine, logger), logger)
			srv.NodeID = t.NodeID
			if err := srv.Listen(t.ListenAddr); err != nil {
				return err
			}

			n := 2
			errCh := make(chan error, 3)
			go func() { errCh <- machine.Run(ctx) }()
			go func() { errCh <- srv.Serve(ctx) }()
			if t.MetricsAddr != "" {
				n++
				go func() { errCh <- serveMetrics(ctx, t.MetricsAddr, reg) }()
			}

			if t.ControllerAddr != "" {
				r := &target.Registrar{
					Sender:         transport.NewClient(0, logger),
					ControllerAddr: t.ControllerAddr,
					NodeID:         t.NodeID,
					Port:           t.Port(),
					Attempts:       t.RegisterAttempts,
					Interval:       t.RegisterInterval(),
					Logger:         logger,
				}
				go func() {
					if err := r.Register(ctx); err != nil && ctx.Err() == nil {
						logger.Error("target not registered", "error", err)
					}
				}()
			} else {
				logger.Warn("no controller address configured, waiting for manual registration")
			}
			return waitAll(ctx, errCh, n)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "command listen address (overrides config)")
	cmd.Flags().StringVar(&controllerAddr, "controller", "", "controller socket address to register with (overrides config)")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "target name (overrides config)")
	cmd.Flags().BoolVar(&simulate, "simulate", true, "drive a simulated servo and hit sensor")
	cmd.Flags().DurationVar(&hitAfter, "hit-after", 0, "simulated sensor trips this long after each raise (0 never)")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
