package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/config"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/phyapi"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/sched"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		grpcAddr    string
		metricsAddr string
		realTime    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the PHY gRPC API and Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("grpc-addr") {
				cfg.Server.GRPCAddr = grpcAddr
			}
			if flags.Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if flags.Changed("real-time") {
				cfg.Server.RealTime = realTime
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "TCP address the PHY gRPC server listens on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for /metrics, /healthz and /ues/metrics")
	cmd.Flags().BoolVar(&realTime, "real-time", false, "Drive slot indications from an internal air-interface clock")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log logging.Logger) error {
	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.Cells = cfg.Cells
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return err
	}
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return err
	}

	s, err := newScheduler(ctx, cfg, log, schedMetrics)
	if err != nil {
		return err
	}
	defer s.Stop()

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			phyapi.RequestIDUnaryServerInterceptor(log),
			phyapi.TracingUnaryServerInterceptor(),
			rpcMetrics.UnaryServerInterceptor(),
		),
	)
	phyapi.RegisterPhyServiceServer(server, phyapi.NewServer(s, log))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}
	log.Info(ctx, "starting PHY gRPC server", logging.String("addr", cfg.Server.GRPCAddr))
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           newRouter(s, observability.HandlerFor(reg)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(ctx, "serving metrics", logging.String("addr", cfg.Server.MetricsAddr))

	var clockDone <-chan struct{}
	if cfg.Server.RealTime {
		clockDone = startSlotClock(ctx, s, cfg.Cells[0].Numerology, log)
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutting down")
	if clockDone != nil {
		<-clockDone
	}
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	return nil
}

// startSlotClock indicates slots at air-interface pace until ctx ends. The
// PHY then only fetches results and reports feedback.
func startSlotClock(ctx context.Context, s *sched.Scheduler, mu uint8, log logging.Logger) <-chan struct{} {
	sc := timectrl.NewSlotController(timectrl.NewSlotPoint(mu, 0), timectrl.RealTime)
	sc.AddListener(func(slot timectrl.SlotPoint) {
		if err := s.SlotIndication(slot); err != nil {
			log.Warn(ctx, "slot indication failed", logging.Slot(slot), logging.Err(err))
		}
	})
	log.Info(ctx, "slot clock started", logging.Int("numerology", int(mu)), logging.String("tick", sc.Tick.String()))
	return sc.Run(ctx, 0)
}
