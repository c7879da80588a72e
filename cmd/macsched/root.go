package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/config"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/sched"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "macsched",
		Short:        "NR MAC slot scheduler",
		Long:         "macsched allocates per-slot downlink and uplink grants for the UEs of one or more NR carriers.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file (built-in defaults when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", os.Getenv("LOG_FORMAT"), "Log format (text, json)")

	root.AddCommand(
		newServeCmd(opts),
		newSimulateCmd(opts),
	)
	return root
}

// load resolves the configuration and a logger writing to the command's
// error stream.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, logging.Logger, error) {
	log := logging.New(logging.Config{
		Level:  o.logLevel,
		Format: o.logFormat,
		Writer: cmd.ErrOrStderr(),
	})
	if o.configPath == "" {
		return config.Default(), log, nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	log.Info(cmd.Context(), "loaded configuration",
		logging.String("path", o.configPath),
		logging.Int("cells", len(cfg.Cells)),
		logging.Int("ues", len(cfg.UEs)),
	)
	return cfg, log, nil
}

// newScheduler builds a scheduler for cfg, configures its carriers and
// queues the static UEs. The UEs exist from the first slot indication on.
func newScheduler(ctx context.Context, cfg config.Config, log logging.Logger, metrics *observability.SchedulerCollector) (*sched.Scheduler, error) {
	s := sched.New(
		sched.WithLogger(log),
		sched.WithMetrics(metrics),
		sched.WithTracer(observability.Tracer()),
		sched.WithWorkers(cfg.Scheduler.Workers),
		sched.WithSoftBufConfig(cfg.Scheduler.SoftBuf),
		sched.WithResultTimeout(cfg.Scheduler.ResultTimeout),
	)
	if err := s.CellCfg(cfg.Cells); err != nil {
		s.Stop()
		return nil, err
	}
	for _, u := range cfg.UEs {
		if err := s.UECfg(u.RNTI, u.UEConfig); err != nil {
			s.Stop()
			return nil, fmt.Errorf("static ue %s: %w", u.RNTI, err)
		}
	}
	log.Info(ctx, "scheduler configured",
		logging.Int("cells", len(cfg.Cells)),
		logging.Int("static_ues", len(cfg.UEs)),
		logging.Int("workers", cfg.Scheduler.Workers),
	)
	return s, nil
}
