package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/config"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/observability"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/sched"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

const (
	simDRB        = 4
	simCQIPeriod  = 20
	firstTempRNTI = model.RNTI(0x4700)
	// simResultTimeout bounds each GenerateSchedResult in the simulation.
	simResultTimeout = time.Second
)

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		slots   int
		seed    int64
		ackRate float64
		crcRate float64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive the scheduler with a synthetic PHY and report per-UE metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("slots") {
				cfg.Simulation.Slots = slots
			}
			if flags.Changed("seed") {
				cfg.Simulation.Seed = seed
			}
			if flags.Changed("ack-rate") {
				cfg.Simulation.ACKRate = ackRate
			}
			if flags.Changed("crc-rate") {
				cfg.Simulation.CRCRate = crcRate
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSimulation(cmd.Context(), cfg, log, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&slots, "slots", 0, "Number of slots to simulate")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed of the synthetic PHY")
	cmd.Flags().Float64Var(&ackRate, "ack-rate", 0, "Probability of a positive DL HARQ-ACK")
	cmd.Flags().Float64Var(&crcRate, "crc-rate", 0, "Probability of a good PUSCH CRC")
	return cmd
}

// simStats accumulates what the synthetic PHY saw.
type simStats struct {
	Slots      int
	DLGrants   int
	DLRetx     int
	DLBytes    int
	ULGrants   int
	ULRetx     int
	ULBytes    int
	RARs       int
	Msg3OK     int
	NACKs      int
	CRCFails   int
	Connected  int
	SlotErrors int
}

// simulation is a synthetic PHY: it offers traffic, indicates slots, reads
// the results and answers every PDSCH and PUSCH with random feedback.
type simulation struct {
	cfg   config.SimulationConfig
	sched *sched.Scheduler
	cells []model.CellConfig
	log   logging.Logger
	rng   *rand.Rand

	ues      []model.RNTI
	nextTemp model.RNTI
	stats    simStats
}

func newSimulation(cfg config.Config, s *sched.Scheduler, log logging.Logger) *simulation {
	sim := &simulation{
		cfg:      cfg.Simulation,
		sched:    s,
		cells:    s.Cells(),
		log:      log,
		rng:      rand.New(rand.NewPCG(uint64(cfg.Simulation.Seed), uint64(cfg.Simulation.Seed)>>1|1)),
		nextTemp: firstTempRNTI,
	}
	for _, u := range cfg.UEs {
		sim.ues = append(sim.ues, u.RNTI)
	}
	return sim
}

func runSimulation(ctx context.Context, cfg config.Config, log logging.Logger, out io.Writer) error {
	if cfg.Simulation.Slots <= 0 {
		return fmt.Errorf("%w: simulation needs a positive slot count", config.ErrInvalidConfig)
	}
	metrics, err := observability.NewSchedulerCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	s, err := newScheduler(ctx, cfg, log, metrics)
	if err != nil {
		return err
	}
	defer s.Stop()

	sim := newSimulation(cfg, s, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		errOnce  sync.Once
		firstErr error
	)
	sc := timectrl.NewSlotController(timectrl.NewSlotPoint(sim.cells[0].Numerology, 0), timectrl.Accelerated)
	sc.AddListener(func(slot timectrl.SlotPoint) {
		if err := sim.step(ctx, slot); err != nil {
			errOnce.Do(func() {
				firstErr = err
				cancel()
			})
		}
	})

	start := time.Now()
	<-sc.Run(ctx, cfg.Simulation.Slots)
	if firstErr != nil {
		return firstErr
	}
	log.Info(ctx, "simulation finished",
		logging.Int("slots", sim.stats.Slots),
		logging.String("elapsed", time.Since(start).String()),
	)
	return sim.report(out, s.MetricsRead())
}

// step runs one slot: PHY indications first, then the slot itself, then the
// feedback for whatever was scheduled to happen in it.
func (sim *simulation) step(ctx context.Context, slot timectrl.SlotPoint) error {
	sim.offerTraffic(slot)
	if every := sim.cfg.RACHEvery; every > 0 && int(slot.Count())%every == 0 {
		sim.injectRACH(slot)
	}

	if err := sim.sched.SlotIndication(slot); err != nil {
		return fmt.Errorf("slot %s: %w", slot, err)
	}
	sim.stats.Slots++

	for cc := range sim.cells {
		rctx, cancel := context.WithTimeout(ctx, simResultTimeout)
		res, err := sim.sched.GenerateSchedResult(rctx, slot, uint32(cc))
		cancel()
		if err != nil {
			sim.stats.SlotErrors++
			sim.log.Warn(ctx, "no scheduling result", logging.Slot(slot), logging.CC(uint32(cc)), logging.Err(err))
			continue
		}
		sim.consume(res)
	}
	return nil
}

func (sim *simulation) offerTraffic(slot timectrl.SlotPoint) {
	for _, rnti := range sim.ues {
		if sim.cfg.DLBytesPerSlot > 0 {
			_ = sim.sched.DLBufferState(rnti, simDRB, sim.cfg.DLBytesPerSlot, 0)
		}
		if sim.cfg.ULBytesPerSlot > 0 {
			_ = sim.sched.ULBSR(rnti, 0, sim.cfg.ULBytesPerSlot)
		}
		if int(slot.Count())%simCQIPeriod == 0 {
			for cc := range sim.cells {
				_ = sim.sched.DLCQIInfo(rnti, uint32(cc), 9+sim.rng.Uint32N(7))
			}
		}
	}
}

func (sim *simulation) injectRACH(slot timectrl.SlotPoint) {
	info := model.RARInfo{
		CC:        0,
		Preamble:  sim.rng.Uint32N(64),
		TempCRNTI: sim.nextTemp,
		TA:        sim.rng.Uint32N(32),
		PRACHSlot: slot.Count(),
	}
	sim.nextTemp++
	if err := sim.sched.DLRACHInfo(info); err != nil {
		sim.log.Warn(context.Background(), "rach rejected", logging.RNTI(info.TempCRNTI), logging.Err(err))
	}
}

func (sim *simulation) consume(res model.SchedResult) {
	for _, g := range res.DL.PDSCH {
		sim.stats.DLGrants++
		sim.stats.DLBytes += g.TBS
		if g.Retx > 0 {
			sim.stats.DLRetx++
		}
	}
	sim.stats.RARs += len(res.DL.RAR)

	for _, p := range res.UL.PUCCH {
		ack := sim.rng.Float64() < sim.cfg.ACKRate
		if !ack {
			sim.stats.NACKs++
		}
		_ = sim.sched.DLAckInfo(p.RNTI, p.CC, p.DLPID, 0, ack)
	}

	for _, g := range res.UL.PUSCH {
		sim.stats.ULGrants++
		sim.stats.ULBytes += g.TBS
		if g.Retx > 0 {
			sim.stats.ULRetx++
		}
		crc := sim.rng.Float64() < sim.cfg.CRCRate
		if !crc {
			sim.stats.CRCFails++
		}
		_ = sim.sched.ULCRCInfo(g.RNTI, res.CC, g.PID, crc)
		if g.Msg3 && crc {
			// A decoded Msg3 completes access; the UE starts carrying traffic.
			sim.stats.Msg3OK++
			sim.stats.Connected++
			sim.ues = append(sim.ues, g.RNTI)
		}
	}
}

func (sim *simulation) report(out io.Writer, metrics []model.UEMetrics) error {
	st := sim.stats
	fmt.Fprintf(out, "slots=%d dl_grants=%d dl_retx=%d dl_bytes=%d ul_grants=%d ul_retx=%d ul_bytes=%d\n",
		st.Slots, st.DLGrants, st.DLRetx, st.DLBytes, st.ULGrants, st.ULRetx, st.ULBytes)
	fmt.Fprintf(out, "rars=%d msg3_ok=%d connected=%d nacks=%d crc_fails=%d slot_errors=%d\n",
		st.RARs, st.Msg3OK, st.Connected, st.NACKs, st.CRCFails, st.SlotErrors)

	sort.Slice(metrics, func(i, j int) bool { return metrics[i].RNTI < metrics[j].RNTI })
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RNTI\tCC\tDL_CQI\tTX_PKTS\tTX_BYTES\tTX_ERR\tRX_PKTS\tRX_BYTES\tRX_ERR\tSR")
	for _, m := range metrics {
		for _, c := range m.Carriers {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				m.RNTI, c.CC, c.DLCQI, c.TxPkts, c.TxBytes, c.TxErrors, c.RxPkts, c.RxBytes, c.RxErrors, m.SRCount)
		}
	}
	return tw.Flush()
}
