// Package config loads the macsched YAML configuration: scheduler sizing,
// the carrier list, optional static UEs and the serve/simulate settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/softbuf"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the top-level macsched configuration.
type Config struct {
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
	Cells      []model.CellConfig `yaml:"cells"`
	UEs        []StaticUE         `yaml:"ues"`
	Server     ServerConfig       `yaml:"server"`
	Simulation SimulationConfig   `yaml:"simulation"`
}

// SchedulerConfig sizes the scheduler runtime.
type SchedulerConfig struct {
	Workers int `yaml:"workers"`
	// ResultTimeout bounds GenerateSchedResult when the caller sets no
	// deadline. Zero waits indefinitely.
	ResultTimeout time.Duration  `yaml:"result_timeout"`
	SoftBuf       softbuf.Config `yaml:"softbuf"`
}

// StaticUE is a UE configured at startup.
type StaticUE struct {
	RNTI           model.RNTI `yaml:"rnti"`
	model.UEConfig `yaml:",inline"`
}

// ServerConfig holds the listen addresses of macsched serve.
type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	// RealTime paces the internal slot clock at air-interface speed. When
	// false, slots are driven by the PHY's SlotIndication calls.
	RealTime bool `yaml:"real_time"`
}

// SimulationConfig drives macsched simulate.
type SimulationConfig struct {
	Slots int   `yaml:"slots"`
	Seed  int64 `yaml:"seed"`
	// DLBytesPerSlot is the RLC traffic offered to every UE each slot.
	DLBytesPerSlot uint32 `yaml:"dl_bytes_per_slot"`
	// ULBytesPerSlot is reported through BSR for every UE each slot.
	ULBytesPerSlot uint32 `yaml:"ul_bytes_per_slot"`
	// ACKRate and CRCRate are the probabilities of a positive DL HARQ-ACK
	// and a good PUSCH CRC.
	ACKRate float64 `yaml:"ack_rate"`
	CRCRate float64 `yaml:"crc_rate"`
	// RACHEvery injects one preamble every that many slots; 0 disables.
	RACHEvery int `yaml:"rach_every"`
}

// Default returns a single 52-PRB carrier with two static UEs.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Workers: 4,
			SoftBuf: softbuf.DefaultConfig(),
		},
		Cells: []model.CellConfig{model.DefaultCellConfig()},
		UEs: []StaticUE{
			{RNTI: 0x4601, UEConfig: model.DefaultUEConfig(0)},
			{RNTI: 0x4602, UEConfig: model.DefaultUEConfig(0)},
		},
		Server: ServerConfig{
			GRPCAddr:    ":50061",
			MetricsAddr: ":9464",
		},
		Simulation: SimulationConfig{
			Slots:          2000,
			Seed:           1,
			DLBytesPerSlot: 200,
			ULBytesPerSlot: 100,
			ACKRate:        0.9,
			CRCRate:        0.9,
			RACHEvery:      500,
		},
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	for i := range cfg.Cells {
		fillCell(&cfg.Cells[i])
	}
	for i := range cfg.UEs {
		fillUE(&cfg.UEs[i].UEConfig)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fillCell takes every unset field other than PCI and numerology from
// model.DefaultCellConfig.
func fillCell(c *model.CellConfig) {
	def := model.DefaultCellConfig()
	fill := func(v *uint32, d uint32) {
		if *v == 0 {
			*v = d
		}
	}
	fill(&c.NofPRB, def.NofPRB)
	fill(&c.AggregationLevel, def.AggregationLevel)
	fill(&c.K1, def.K1)
	fill(&c.K2, def.K2)
	fill(&c.Msg3Delay, def.Msg3Delay)
	fill(&c.RAWindow, def.RAWindow)
	fill(&c.MaxPDSCHPerSlot, def.MaxPDSCHPerSlot)
	fill(&c.MaxPUSCHPerSlot, def.MaxPUSCHPerSlot)
	fill(&c.HARQAckTimeout, def.HARQAckTimeout)
	fill(&c.ULMCSCQI, def.ULMCSCQI)
	if len(c.Coresets) == 0 {
		c.Coresets = def.Coresets
	}
}

func fillUE(u *model.UEConfig) {
	def := model.DefaultUEConfig(0)
	if len(u.Carriers) == 0 {
		u.Carriers = def.Carriers
	}
	if len(u.Coresets) == 0 {
		u.Coresets = def.Coresets
	}
	if u.MaxHARQRetx == 0 {
		u.MaxHARQRetx = def.MaxHARQRetx
	}
}

// Validate checks ranges the scheduler does not check itself. Cell and UE
// contents are validated by the scheduler when they are applied.
func (c Config) Validate() error {
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("%w: workers %d is negative", ErrInvalidConfig, c.Scheduler.Workers)
	}
	if c.Scheduler.ResultTimeout < 0 {
		return fmt.Errorf("%w: result_timeout %s is negative", ErrInvalidConfig, c.Scheduler.ResultTimeout)
	}
	sb := c.Scheduler.SoftBuf
	if sb.InitialPerTier < 0 || sb.LowWater < 0 || sb.RefillBatch < 0 || sb.MaxPerTier < 0 {
		return fmt.Errorf("%w: softbuf sizes must not be negative", ErrInvalidConfig)
	}
	if len(c.Cells) == 0 {
		return fmt.Errorf("%w: no cells", ErrInvalidConfig)
	}
	seen := make(map[model.RNTI]bool, len(c.UEs))
	for _, u := range c.UEs {
		if !u.RNTI.Valid() {
			return fmt.Errorf("%w: ue rnti %s", ErrInvalidConfig, u.RNTI)
		}
		if seen[u.RNTI] {
			return fmt.Errorf("%w: ue %s listed twice", ErrInvalidConfig, u.RNTI)
		}
		seen[u.RNTI] = true
	}
	for _, p := range []struct {
		name string
		v    float64
	}{{"ack_rate", c.Simulation.ACKRate}, {"crc_rate", c.Simulation.CRCRate}} {
		if p.v < 0 || p.v > 1 {
			return fmt.Errorf("%w: simulation %s %v not in [0,1]", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.Simulation.Slots < 0 || c.Simulation.RACHEvery < 0 {
		return fmt.Errorf("%w: simulation counts must not be negative", ErrInvalidConfig)
	}
	return nil
}
