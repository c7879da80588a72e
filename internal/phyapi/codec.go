package phyapi

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// ErrInvalidRequest is returned for PHY messages with missing or malformed
// fields.
var ErrInvalidRequest = errors.New("phyapi: invalid request")

// reader extracts typed fields from a Struct, keeping the first error.
type reader struct {
	fields map[string]*structpb.Value
	err    error
}

func newReader(s *structpb.Struct) *reader {
	return &reader{fields: s.GetFields()}
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
	}
}

func (r *reader) number(key string) (float64, bool) {
	v, ok := r.fields[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		r.fail("field %q is not a number", key)
		return 0, false
	}
	return n.NumberValue, true
}

func (r *reader) uint(key string) uint32 {
	if r.err != nil {
		return 0
	}
	f, ok := r.number(key)
	if !ok {
		r.fail("missing field %q", key)
		return 0
	}
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		r.fail("field %q = %v is not an unsigned integer", key, f)
		return 0
	}
	return uint32(f)
}

// uint64 reads a counter; values above 2^53 lose precision on the wire.
func (r *reader) uint64(key string) uint64 {
	if r.err != nil {
		return 0
	}
	f, ok := r.number(key)
	if !ok {
		r.fail("missing field %q", key)
		return 0
	}
	if f < 0 || f != math.Trunc(f) {
		r.fail("field %q = %v is not an unsigned integer", key, f)
		return 0
	}
	return uint64(f)
}

func (r *reader) optUint(key string, def uint32) uint32 {
	if _, ok := r.fields[key]; !ok {
		return def
	}
	return r.uint(key)
}

func (r *reader) rnti(key string) model.RNTI {
	v := r.uint(key)
	if v > math.MaxUint16 {
		r.fail("field %q = %d is not an RNTI", key, v)
		return 0
	}
	return model.RNTI(v)
}

func (r *reader) bool(key string) bool {
	if r.err != nil {
		return false
	}
	v, ok := r.fields[key]
	if !ok {
		r.fail("missing field %q", key)
		return false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		r.fail("field %q is not a bool", key)
		return false
	}
	return b.BoolValue
}

func (r *reader) optBool(key string, def bool) bool {
	if _, ok := r.fields[key]; !ok {
		return def
	}
	return r.bool(key)
}

func (r *reader) sub(key string) *reader {
	out := &reader{}
	if r.err != nil {
		out.err = r.err
		return out
	}
	v, ok := r.fields[key]
	if !ok {
		r.fail("missing field %q", key)
		out.err = r.err
		return out
	}
	s, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		r.fail("field %q is not an object", key)
		out.err = r.err
		return out
	}
	out.fields = s.StructValue.GetFields()
	return out
}

// list returns the objects under key. A missing key is an empty list.
func (r *reader) list(key string) []*reader {
	if r.err != nil {
		return nil
	}
	v, ok := r.fields[key]
	if !ok {
		return nil
	}
	l, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		r.fail("field %q is not a list", key)
		return nil
	}
	out := make([]*reader, 0, len(l.ListValue.GetValues()))
	for i, item := range l.ListValue.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StructValue)
		if !ok {
			r.fail("%s[%d] is not an object", key, i)
			return nil
		}
		out = append(out, &reader{fields: s.StructValue.GetFields()})
	}
	return out
}

// uints returns the numbers under key. A missing key is an empty list.
func (r *reader) uints(key string) []uint32 {
	if r.err != nil {
		return nil
	}
	v, ok := r.fields[key]
	if !ok {
		return nil
	}
	l, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		r.fail("field %q is not a list", key)
		return nil
	}
	var out []uint32
	for i, item := range l.ListValue.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok || n.NumberValue < 0 || n.NumberValue > math.MaxUint32 || n.NumberValue != math.Trunc(n.NumberValue) {
			r.fail("%s[%d] is not an unsigned integer", key, i)
			return nil
		}
		out = append(out, uint32(n.NumberValue))
	}
	return out
}

// slot decodes a {numerology, sfn, slot} object. An empty object is the
// invalid slot.
func (r *reader) slot(key string) timectrl.SlotPoint {
	s := r.sub(key)
	if s.err == nil && len(s.fields) == 0 {
		return timectrl.SlotPoint{}
	}
	mu := s.uint("numerology")
	sfn := s.uint("sfn")
	idx := s.uint("slot")
	if s.err != nil {
		r.err = s.err
		return timectrl.SlotPoint{}
	}
	if mu > 4 || sfn >= timectrl.Horizon(0)/timectrl.SlotsPerFrame(0) || idx >= timectrl.SlotsPerFrame(uint8(mu)) {
		r.fail("slot %d.%d invalid for numerology %d", sfn, idx, mu)
		return timectrl.SlotPoint{}
	}
	return timectrl.NewSlotPointFromSFN(uint8(mu), sfn, idx)
}

func (r *reader) prbs(key string) model.PRBInterval {
	s := r.sub(key)
	p := model.PRBInterval{Start: s.uint("start"), Stop: s.uint("stop")}
	if s.err != nil {
		r.err = s.err
	}
	return p
}

func encodeSlot(s timectrl.SlotPoint) map[string]any {
	if !s.Valid() {
		return nil
	}
	return map[string]any{
		"numerology": uint32(s.Numerology()),
		"sfn":        s.SFN(),
		"slot":       s.SlotIdx(),
	}
}

func encodePRBs(p model.PRBInterval) map[string]any {
	return map[string]any{"start": p.Start, "stop": p.Stop}
}

func uintList(vals []uint32) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// encodeResult converts a scheduling result into its wire form.
func encodeResult(res model.SchedResult) (*structpb.Struct, error) {
	pdsch := make([]any, 0, len(res.DL.PDSCH))
	for _, g := range res.DL.PDSCH {
		pdsch = append(pdsch, map[string]any{
			"rnti":     uint32(g.RNTI),
			"pid":      g.PID,
			"ndi":      g.NDI,
			"retx":     g.Retx,
			"prbs":     encodePRBs(g.PRBs),
			"cqi":      g.CQI,
			"tbs":      g.TBS,
			"ack_slot": encodeSlot(g.AckSlot),
			"ces":      uintList(g.CEs),
		})
	}
	rar := make([]any, 0, len(res.DL.RAR))
	for _, g := range res.DL.RAR {
		rar = append(rar, map[string]any{
			"ra_rnti":    uint32(g.RARNTI),
			"temp_crnti": uint32(g.TempCRNTI),
			"preamble":   g.Preamble,
			"ta":         g.TA,
			"msg3_prbs":  encodePRBs(g.Msg3PRBs),
			"msg3_slot":  encodeSlot(g.Msg3Slot),
		})
	}
	pusch := make([]any, 0, len(res.UL.PUSCH))
	for _, g := range res.UL.PUSCH {
		pusch = append(pusch, map[string]any{
			"rnti":     uint32(g.RNTI),
			"pid":      g.PID,
			"ndi":      g.NDI,
			"retx":     g.Retx,
			"prbs":     encodePRBs(g.PRBs),
			"tbs":      g.TBS,
			"dci_slot": encodeSlot(g.DCISlot),
			"msg3":     g.Msg3,
		})
	}
	pucch := make([]any, 0, len(res.UL.PUCCH))
	for _, g := range res.UL.PUCCH {
		pucch = append(pucch, map[string]any{
			"rnti":   uint32(g.RNTI),
			"cc":     g.CC,
			"dl_pid": g.DLPID,
		})
	}
	return structpb.NewStruct(map[string]any{
		"slot":    encodeSlot(res.Slot),
		"cc":      res.CC,
		"nof_cce": res.DL.NofCCE,
		"pdsch":   pdsch,
		"rar":     rar,
		"pusch":   pusch,
		"pucch":   pucch,
	})
}

// decodeResult is the inverse of encodeResult.
func decodeResult(s *structpb.Struct) (model.SchedResult, error) {
	r := newReader(s)
	res := model.SchedResult{
		Slot: r.slot("slot"),
		CC:   r.uint("cc"),
	}
	res.DL.NofCCE = r.uint("nof_cce")
	res.DL.PDSCH = make([]model.DLGrant, 0)
	for _, g := range r.list("pdsch") {
		res.DL.PDSCH = append(res.DL.PDSCH, model.DLGrant{
			RNTI:    g.rnti("rnti"),
			PID:     g.uint("pid"),
			NDI:     g.bool("ndi"),
			Retx:    g.uint("retx"),
			PRBs:    g.prbs("prbs"),
			CQI:     g.uint("cqi"),
			TBS:     int(g.uint("tbs")),
			AckSlot: g.slot("ack_slot"),
			CEs:     g.uints("ces"),
		})
		if g.err != nil {
			return res, g.err
		}
	}
	for _, g := range r.list("rar") {
		res.DL.RAR = append(res.DL.RAR, model.RARGrant{
			RARNTI:    g.rnti("ra_rnti"),
			TempCRNTI: g.rnti("temp_crnti"),
			Preamble:  g.uint("preamble"),
			TA:        g.uint("ta"),
			Msg3PRBs:  g.prbs("msg3_prbs"),
			Msg3Slot:  g.slot("msg3_slot"),
		})
		if g.err != nil {
			return res, g.err
		}
	}
	for _, g := range r.list("pusch") {
		res.UL.PUSCH = append(res.UL.PUSCH, model.ULGrant{
			RNTI:    g.rnti("rnti"),
			PID:     g.uint("pid"),
			NDI:     g.bool("ndi"),
			Retx:    g.uint("retx"),
			PRBs:    g.prbs("prbs"),
			TBS:     int(g.uint("tbs")),
			DCISlot: g.slot("dci_slot"),
			Msg3:    g.bool("msg3"),
		})
		if g.err != nil {
			return res, g.err
		}
	}
	for _, g := range r.list("pucch") {
		res.UL.PUCCH = append(res.UL.PUCCH, model.PUCCHGrant{
			RNTI:  g.rnti("rnti"),
			CC:    g.uint("cc"),
			DLPID: g.uint("dl_pid"),
		})
		if g.err != nil {
			return res, g.err
		}
	}
	return res, r.err
}

func encodeUEConfig(rnti model.RNTI, cfg model.UEConfig) (*structpb.Struct, error) {
	carriers := make([]any, 0, len(cfg.Carriers))
	for _, c := range cfg.Carriers {
		carriers = append(carriers, map[string]any{"cc": c.CC, "active": c.Active})
	}
	coresets := make([]any, 0, len(cfg.Coresets))
	for _, id := range cfg.Coresets {
		coresets = append(coresets, uint32(id))
	}
	return structpb.NewStruct(map[string]any{
		"rnti":          uint32(rnti),
		"carriers":      carriers,
		"coresets":      coresets,
		"max_harq_retx": cfg.MaxHARQRetx,
	})
}

func decodeUEConfig(s *structpb.Struct) (model.RNTI, model.UEConfig, error) {
	r := newReader(s)
	rnti := r.rnti("rnti")
	cfg := model.UEConfig{MaxHARQRetx: r.uint("max_harq_retx")}
	for _, c := range r.list("carriers") {
		cfg.Carriers = append(cfg.Carriers, model.UECarrierConfig{
			CC:     c.uint("cc"),
			Active: c.optBool("active", true),
		})
		if c.err != nil {
			return rnti, cfg, c.err
		}
	}
	for _, id := range r.uints("coresets") {
		if id > math.MaxUint8 {
			r.fail("coreset %d out of range", id)
			break
		}
		cfg.Coresets = append(cfg.Coresets, uint8(id))
	}
	return rnti, cfg, r.err
}

func encodeMetrics(ms []model.UEMetrics) (*structpb.Struct, error) {
	ues := make([]any, 0, len(ms))
	for _, m := range ms {
		carriers := make([]any, 0, len(m.Carriers))
		for _, c := range m.Carriers {
			carriers = append(carriers, map[string]any{
				"cc":        c.CC,
				"tx_bytes":  c.TxBytes,
				"tx_errors": c.TxErrors,
				"tx_pkts":   c.TxPkts,
				"rx_bytes":  c.RxBytes,
				"rx_errors": c.RxErrors,
				"rx_pkts":   c.RxPkts,
				"dl_cqi":    c.DLCQI,
			})
		}
		ues = append(ues, map[string]any{
			"rnti":      uint32(m.RNTI),
			"sr_count":  m.SRCount,
			"bsr_bytes": m.BSRBytes,
			"dl_buffer": m.DLBuffer,
			"carriers":  carriers,
		})
	}
	return structpb.NewStruct(map[string]any{"ues": ues})
}

func decodeMetrics(s *structpb.Struct) ([]model.UEMetrics, error) {
	r := newReader(s)
	var out []model.UEMetrics
	for _, u := range r.list("ues") {
		m := model.UEMetrics{
			RNTI:     u.rnti("rnti"),
			SRCount:  u.uint64("sr_count"),
			BSRBytes: u.uint64("bsr_bytes"),
			DLBuffer: u.uint64("dl_buffer"),
		}
		for _, c := range u.list("carriers") {
			m.Carriers = append(m.Carriers, model.UECarrierMetrics{
				CC:       c.uint("cc"),
				TxBytes:  c.uint64("tx_bytes"),
				TxErrors: c.uint64("tx_errors"),
				TxPkts:   c.uint64("tx_pkts"),
				RxBytes:  c.uint64("rx_bytes"),
				RxErrors: c.uint64("rx_errors"),
				RxPkts:   c.uint64("rx_pkts"),
				DLCQI:    c.uint("dl_cqi"),
			})
			if c.err != nil {
				return out, c.err
			}
		}
		if u.err != nil {
			return out, u.err
		}
		out = append(out, m)
	}
	return out, r.err
}
