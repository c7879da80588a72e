package observability

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes MAC scheduler Prometheus metrics. A nil
// collector is valid and records nothing.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	SlotDuration     *prometheus.HistogramVec
	UEPhaseDuration  prometheus.Histogram
	DeadlineMissed   *prometheus.CounterVec
	UEs              prometheus.Gauge
	Grants           *prometheus.CounterVec
	AllocFailures    *prometheus.CounterVec
	HARQRetx         *prometheus.CounterVec
	HARQAckTimeouts  prometheus.Counter
	FeedbackDropped  *prometheus.CounterVec
	EventPanics      prometheus.Counter
	SoftBuffers      *prometheus.GaugeVec
	SoftBufFallbacks prometheus.Gauge
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	slotHistogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "macsched_slot_duration_seconds",
		Help:    "Time from slot indication until the carrier's result was handed out.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01},
	}, []string{"cc"})
	slotHistogram, err := registerHistogramVec(reg, slotHistogram, "macsched_slot_duration_seconds")
	if err != nil {
		return nil, err
	}

	uePhase, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "macsched_ue_phase_duration_seconds",
		Help:    "Time spent draining UE events and UE slot bookkeeping in a slot indication.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.005},
	}), "macsched_ue_phase_duration_seconds")
	if err != nil {
		return nil, err
	}

	missed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_slot_deadline_missed_total",
		Help: "Number of result requests that gave up before the carrier worker finished.",
	}, []string{"cc"})
	missed, err = registerCounterVec(reg, missed, "macsched_slot_deadline_missed_total")
	if err != nil {
		return nil, err
	}

	ues, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "macsched_ues",
		Help: "Current number of UE contexts in the scheduler.",
	}), "macsched_ues")
	if err != nil {
		return nil, err
	}

	grants := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_grants_total",
		Help: "Grants issued, labeled by direction (dl, ul, rar) and kind (newtx, retx).",
	}, []string{"dir", "kind"})
	grants, err = registerCounterVec(reg, grants, "macsched_grants_total")
	if err != nil {
		return nil, err
	}

	allocFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_alloc_failures_total",
		Help: "Grant allocation attempts that failed, labeled by outcome.",
	}, []string{"result"})
	allocFailures, err = registerCounterVec(reg, allocFailures, "macsched_alloc_failures_total")
	if err != nil {
		return nil, err
	}

	retx := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_harq_nack_total",
		Help: "HARQ NACKs and CRC failures, labeled by direction.",
	}, []string{"dir"})
	retx, err = registerCounterVec(reg, retx, "macsched_harq_nack_total")
	if err != nil {
		return nil, err
	}

	timeouts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "macsched_harq_ack_timeouts_total",
		Help: "HARQ processes whose feedback never arrived and were treated as NACKed.",
	}), "macsched_harq_ack_timeouts_total")
	if err != nil {
		return nil, err
	}

	dropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "macsched_feedback_dropped_total",
		Help: "Feedback discarded because it was stale or addressed an unknown UE.",
	}, []string{"kind", "reason"})
	dropped, err = registerCounterVec(reg, dropped, "macsched_feedback_dropped_total")
	if err != nil {
		return nil, err
	}

	panics, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "macsched_event_panics_total",
		Help: "Queued events that panicked and were isolated.",
	}), "macsched_event_panics_total")
	if err != nil {
		return nil, err
	}

	buffers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "macsched_softbuf_buffers",
		Help: "Soft-buffers per pool, labeled by kind (tx, rx) and state (free, leased).",
	}, []string{"kind", "state"})
	buffers, err = registerGaugeVec(reg, buffers, "macsched_softbuf_buffers")
	if err != nil {
		return nil, err
	}

	fallbacks, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "macsched_softbuf_fallback_allocations",
		Help: "Soft-buffers allocated on the slot path because a tier ran empty.",
	}), "macsched_softbuf_fallback_allocations")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:         gatherer,
		SlotDuration:     slotHistogram,
		UEPhaseDuration:  uePhase,
		DeadlineMissed:   missed,
		UEs:              ues,
		Grants:           grants,
		AllocFailures:    allocFailures,
		HARQRetx:         retx,
		HARQAckTimeouts:  timeouts,
		FeedbackDropped:  dropped,
		EventPanics:      panics,
		SoftBuffers:      buffers,
		SoftBufFallbacks: fallbacks,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSlot records how long a carrier's result took to become available.
func (c *SchedulerCollector) ObserveSlot(cc uint32, d time.Duration) {
	if c == nil || c.SlotDuration == nil {
		return
	}
	c.SlotDuration.WithLabelValues(ccLabel(cc)).Observe(d.Seconds())
}

// ObserveUEPhase records the duration of the per-UE part of a slot indication.
func (c *SchedulerCollector) ObserveUEPhase(d time.Duration) {
	if c == nil || c.UEPhaseDuration == nil {
		return
	}
	c.UEPhaseDuration.Observe(d.Seconds())
}

// IncDeadlineMissed counts a result request that timed out.
func (c *SchedulerCollector) IncDeadlineMissed(cc uint32) {
	if c == nil || c.DeadlineMissed == nil {
		return
	}
	c.DeadlineMissed.WithLabelValues(ccLabel(cc)).Inc()
}

// SetUEs updates the UE count gauge.
func (c *SchedulerCollector) SetUEs(count int) {
	if c == nil || c.UEs == nil {
		return
	}
	c.UEs.Set(float64(count))
}

// AddGrants counts n grants of the given direction and kind.
func (c *SchedulerCollector) AddGrants(dir, kind string, n int) {
	if c == nil || c.Grants == nil || n == 0 {
		return
	}
	c.Grants.WithLabelValues(dir, kind).Add(float64(n))
}

// IncAllocFailure counts a failed allocation attempt.
func (c *SchedulerCollector) IncAllocFailure(result string) {
	if c == nil || c.AllocFailures == nil {
		return
	}
	c.AllocFailures.WithLabelValues(result).Inc()
}

// IncNACK counts a negative HARQ outcome in direction dir.
func (c *SchedulerCollector) IncNACK(dir string) {
	if c == nil || c.HARQRetx == nil {
		return
	}
	c.HARQRetx.WithLabelValues(dir).Inc()
}

// AddAckTimeouts counts HARQ processes expired without feedback.
func (c *SchedulerCollector) AddAckTimeouts(n int) {
	if c == nil || c.HARQAckTimeouts == nil || n == 0 {
		return
	}
	c.HARQAckTimeouts.Add(float64(n))
}

// IncFeedbackDropped counts feedback of the given kind discarded for reason.
func (c *SchedulerCollector) IncFeedbackDropped(kind, reason string) {
	if c == nil || c.FeedbackDropped == nil {
		return
	}
	c.FeedbackDropped.WithLabelValues(kind, reason).Inc()
}

// IncEventPanics counts an isolated event panic.
func (c *SchedulerCollector) IncEventPanics() {
	if c == nil || c.EventPanics == nil {
		return
	}
	c.EventPanics.Inc()
}

// SetSoftBuffers publishes soft-buffer pool occupancy.
func (c *SchedulerCollector) SetSoftBuffers(kind string, free, leased int) {
	if c == nil || c.SoftBuffers == nil {
		return
	}
	c.SoftBuffers.WithLabelValues(kind, "free").Set(float64(free))
	c.SoftBuffers.WithLabelValues(kind, "leased").Set(float64(leased))
}

// SetSoftBufFallbacks publishes the cumulative fallback allocation count.
func (c *SchedulerCollector) SetSoftBufFallbacks(n uint64) {
	if c == nil || c.SoftBufFallbacks == nil {
		return
	}
	c.SoftBufFallbacks.Set(float64(n))
}

func ccLabel(cc uint32) string { return strconv.FormatUint(uint64(cc), 10) }

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
