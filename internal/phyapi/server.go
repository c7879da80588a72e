package phyapi

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// Scheduler is the scheduler surface served to the PHY.
type Scheduler interface {
	SlotIndication(slot timectrl.SlotPoint) error
	GenerateSchedResult(ctx context.Context, slot timectrl.SlotPoint, cc uint32) (model.SchedResult, error)
	DLAckInfo(rnti model.RNTI, cc, pid uint32, tb int, ack bool) error
	ULCRCInfo(rnti model.RNTI, cc, pid uint32, crc bool) error
	ULSRInfo(rnti model.RNTI) error
	ULBSR(rnti model.RNTI, lcg, bytes uint32) error
	DLBufferState(rnti model.RNTI, lcid, newTx, retx uint32) error
	DLRACHInfo(info model.RARInfo) error
	DLCQIInfo(rnti model.RNTI, cc, cqi uint32) error
	DLMACCE(rnti model.RNTI, lcid uint32) error
	UECfg(rnti model.RNTI, cfg model.UEConfig) error
	UERem(rnti model.RNTI)
	MetricsRead() []model.UEMetrics
}

// Server implements PhyServiceServer on top of a Scheduler.
type Server struct {
	sched Scheduler
	log   logging.Logger
}

var _ PhyServiceServer = (*Server)(nil)

// NewServer returns a PHY service backed by s.
func NewServer(s Scheduler, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{sched: s, log: log}
}

func (s *Server) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// ack converts a scheduler error into the RPC reply. Rejected requests are
// logged at debug since the PHY sees the status code.
func (s *Server) ack(ctx context.Context, err error) (*emptypb.Empty, error) {
	if err != nil {
		s.logger(ctx).Debug(ctx, "phy request rejected", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) SlotIndication(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	slot := r.slot("slot")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.SlotIndication(slot))
}

func (s *Server) GenerateSchedResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := newReader(req)
	slot := r.slot("slot")
	cc := r.uint("cc")
	if r.err != nil {
		return nil, ToStatusError(r.err)
	}

	ctx, span := startChildSpan(ctx, "phyapi.GenerateSchedResult", slot.String(), cc)
	defer span.End()

	res, err := s.sched.GenerateSchedResult(ctx, slot, cc)
	if err != nil {
		span.RecordError(err)
		s.logger(ctx).Warn(ctx, "scheduling result unavailable",
			logging.Slot(slot), logging.CC(cc), logging.Err(err))
		return nil, ToStatusError(err)
	}
	span.SetAttributes(
		attribute.Int("pdsch", len(res.DL.PDSCH)),
		attribute.Int("pusch", len(res.UL.PUSCH)),
		attribute.Int("rar", len(res.DL.RAR)),
	)
	out, err := encodeResult(res)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

func (s *Server) DlAckInfo(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti, cc, pid := r.rnti("rnti"), r.uint("cc"), r.uint("pid")
	tb := r.optUint("tb", 0)
	ack := r.bool("ack")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.DLAckInfo(rnti, cc, pid, int(tb), ack))
}

func (s *Server) UlCrcInfo(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti, cc, pid := r.rnti("rnti"), r.uint("cc"), r.uint("pid")
	crc := r.bool("crc")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.ULCRCInfo(rnti, cc, pid, crc))
}

func (s *Server) UlSrInfo(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti := r.rnti("rnti")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.ULSRInfo(rnti))
}

func (s *Server) UlBsr(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti, lcg, bytes := r.rnti("rnti"), r.uint("lcg"), r.uint("bytes")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.ULBSR(rnti, lcg, bytes))
}

func (s *Server) DlBufferState(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti, lcid, newTx := r.rnti("rnti"), r.uint("lcid"), r.uint("new_tx")
	retx := r.optUint("retx", 0)
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.DLBufferState(rnti, lcid, newTx, retx))
}

func (s *Server) DlRachInfo(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	info := model.RARInfo{
		CC:        r.uint("cc"),
		Preamble:  r.uint("preamble"),
		TempCRNTI: r.rnti("temp_crnti"),
		TA:        r.optUint("ta", 0),
		PRACHSlot: r.uint("prach_slot"),
	}
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.DLRACHInfo(info))
}

func (s *Server) DlCqiInfo(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti, cc, cqi := r.rnti("rnti"), r.uint("cc"), r.uint("cqi")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.DLCQIInfo(rnti, cc, cqi))
}

func (s *Server) DlMacCe(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti, lcid := r.rnti("rnti"), r.uint("lcid")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	return s.ack(ctx, s.sched.DLMACCE(rnti, lcid))
}

func (s *Server) UeConfig(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rnti, cfg, err := decodeUEConfig(req)
	if err != nil {
		return s.ack(ctx, err)
	}
	if err := s.sched.UECfg(rnti, cfg); err != nil {
		return s.ack(ctx, err)
	}
	s.logger(ctx).Info(ctx, "ue configured", logging.RNTI(rnti), logging.Int("carriers", len(cfg.Carriers)))
	return &emptypb.Empty{}, nil
}

func (s *Server) UeRemove(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	r := newReader(req)
	rnti := r.rnti("rnti")
	if r.err != nil {
		return s.ack(ctx, r.err)
	}
	s.sched.UERem(rnti)
	return &emptypb.Empty{}, nil
}

func (s *Server) MetricsRead(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := encodeMetrics(s.sched.MetricsRead())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}
