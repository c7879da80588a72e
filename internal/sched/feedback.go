package sched

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/nr-mac-scheduler/internal/harq"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/logging"
	"github.com/signalsfoundry/nr-mac-scheduler/internal/ue"
	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

// Feedback and buffer reports are validated for shape here and applied
// asynchronously: HARQ feedback on the (UE, carrier) mailbox, drained by the
// carrier worker, and UE-level reports on the UE mailbox, drained in the
// slot's UE phase. Reports for unknown UEs are logged and dropped when they
// run.

// DLAckInfo reports the HARQ-ACK of transport block tb of DL process pid.
func (s *Scheduler) DLAckInfo(rnti model.RNTI, cc, pid uint32, tb int, ack bool) error {
	if err := s.checkCC(cc); err != nil {
		return err
	}
	s.events.EnqueueCCFeedback(rnti, cc, "dl_ack", func() {
		c := s.feedbackCarrier(rnti, cc, "dl_ack")
		if c == nil {
			return
		}
		tbs, err := c.HARQ().DLAckInfo(pid, tb, ack)
		if err != nil {
			s.dropFeedback(rnti, cc, "dl_ack", err)
			return
		}
		c.RecordDLAck(tbs, ack)
		if !ack {
			s.metrics.IncNACK("dl")
		}
	})
	return nil
}

// ULCRCInfo reports the PUSCH decoding outcome of UL process pid.
func (s *Scheduler) ULCRCInfo(rnti model.RNTI, cc, pid uint32, crc bool) error {
	if err := s.checkCC(cc); err != nil {
		return err
	}
	s.events.EnqueueCCFeedback(rnti, cc, "ul_crc", func() {
		c := s.feedbackCarrier(rnti, cc, "ul_crc")
		if c == nil {
			return
		}
		tbs, err := c.HARQ().ULCRCInfo(pid, crc)
		if err != nil {
			s.dropFeedback(rnti, cc, "ul_crc", err)
			return
		}
		c.RecordULCRC(tbs, crc)
		if !crc {
			s.metrics.IncNACK("ul")
		}
	})
	return nil
}

// DLCQIInfo reports the wideband CQI of rnti on carrier cc.
func (s *Scheduler) DLCQIInfo(rnti model.RNTI, cc, cqi uint32) error {
	if err := s.checkCC(cc); err != nil {
		return err
	}
	s.events.EnqueueCCFeedback(rnti, cc, "dl_cqi", func() {
		if c := s.feedbackCarrier(rnti, cc, "dl_cqi"); c != nil {
			c.SetDLCQI(cqi)
		}
	})
	return nil
}

// ULSRInfo reports a scheduling request.
func (s *Scheduler) ULSRInfo(rnti model.RNTI) error {
	if _, _, err := s.configured(); err != nil {
		return err
	}
	s.events.EnqueueEvent(rnti, "ul_sr", func() {
		if u := s.feedbackUE(rnti, "ul_sr"); u != nil {
			u.SetSR()
		}
	})
	return nil
}

// ULBSR reports the buffer status of one logical channel group.
func (s *Scheduler) ULBSR(rnti model.RNTI, lcg, bytes uint32) error {
	if lcg >= ue.NofLCG {
		return fmt.Errorf("%w: %d", ue.ErrInvalidLCG, lcg)
	}
	if _, _, err := s.configured(); err != nil {
		return err
	}
	s.events.EnqueueEvent(rnti, "ul_bsr", func() {
		if u := s.feedbackUE(rnti, "ul_bsr"); u != nil {
			_ = u.SetBSR(lcg, bytes)
		}
	})
	return nil
}

// DLBufferState reports the RLC buffer occupancy of one logical channel.
func (s *Scheduler) DLBufferState(rnti model.RNTI, lcid, newTx, retx uint32) error {
	if lcid > ue.MaxLCID {
		return fmt.Errorf("%w: %d", ue.ErrInvalidLCID, lcid)
	}
	if _, _, err := s.configured(); err != nil {
		return err
	}
	s.events.EnqueueEvent(rnti, "dl_buffer_state", func() {
		if u := s.feedbackUE(rnti, "dl_buffer_state"); u != nil {
			_ = u.SetDLBuffer(lcid, newTx, retx)
		}
	})
	return nil
}

// DLMACCE queues a DL MAC CE for rnti.
func (s *Scheduler) DLMACCE(rnti model.RNTI, lcid uint32) error {
	if _, _, err := s.configured(); err != nil {
		return err
	}
	s.events.EnqueueEvent(rnti, "dl_mac_ce", func() {
		if u := s.feedbackUE(rnti, "dl_mac_ce"); u != nil {
			u.AddMACCE(lcid)
		}
	})
	return nil
}

// DLRACHInfo reports a detected preamble. The temporary C-RNTI becomes a UE
// active on the RACH carrier and its RAR is scheduled within the carrier's
// RA window.
func (s *Scheduler) DLRACHInfo(info model.RARInfo) error {
	w, err := s.worker(info.CC)
	if err != nil {
		return err
	}
	if !info.TempCRNTI.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidRNTI, info.TempCRNTI)
	}
	cells, _, _ := s.configured()
	cfg := model.DefaultUEConfig(info.CC)
	if cell := &cells[info.CC]; !cell.HasCoreset(cfg.Coresets[0]) {
		cfg.Coresets = []uint8{cell.Coresets[0].ID}
	}

	s.events.EnqueueEvent(info.TempCRNTI, "rach", func() {
		ctx := context.Background()
		if s.ues.Exists(info.TempCRNTI) {
			s.log.Warn(ctx, "RACH for existing RNTI dropped", logging.RNTI(info.TempCRNTI), logging.CC(info.CC))
			s.metrics.IncFeedbackDropped("rach", "rnti_in_use")
			return
		}
		s.applyUECfg(info.TempCRNTI, cfg, cells)
		s.events.EnqueueCCEvent(info.CC, "rar", func() { w.addRACH(ctx, info) })
	})
	return nil
}

func (s *Scheduler) checkCC(cc uint32) error {
	_, err := s.worker(cc)
	return err
}

// feedbackUE resolves rnti for a UE-level report, counting it as dropped
// when the UE is unknown.
func (s *Scheduler) feedbackUE(rnti model.RNTI, kind string) *ue.Context {
	u := s.ues.Get(rnti)
	if u == nil {
		s.log.Warn(context.Background(), "feedback for unknown UE dropped", logging.RNTI(rnti), logging.String("kind", kind))
		s.metrics.IncFeedbackDropped(kind, "unknown_ue")
	}
	return u
}

// feedbackCarrier resolves the carrier state of rnti on cc for HARQ or CQI
// feedback.
func (s *Scheduler) feedbackCarrier(rnti model.RNTI, cc uint32, kind string) *ue.Carrier {
	u := s.feedbackUE(rnti, kind)
	if u == nil {
		return nil
	}
	c := u.Carrier(cc)
	if c == nil {
		s.log.Warn(context.Background(), "feedback for inactive carrier dropped",
			logging.RNTI(rnti), logging.CC(cc), logging.String("kind", kind))
		s.metrics.IncFeedbackDropped(kind, "inactive_carrier")
	}
	return c
}

func (s *Scheduler) dropFeedback(rnti model.RNTI, cc uint32, kind string, err error) {
	reason := "invalid"
	if errors.Is(err, harq.ErrProcessIdle) {
		reason = "stale"
	}
	s.log.Warn(context.Background(), "HARQ feedback dropped",
		logging.RNTI(rnti), logging.CC(cc), logging.String("kind", kind), logging.Err(err))
	s.metrics.IncFeedbackDropped(kind, reason)
}
