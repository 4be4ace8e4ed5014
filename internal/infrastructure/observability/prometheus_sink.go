// Package observability implements service.ObservabilitySink with
// Prometheus client_golang metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvet/queuert/internal/domain/service"
)

// PrometheusSink implements service.ObservabilitySink.
type PrometheusSink struct {
	jobsCreated    *prometheus.CounterVec
	jobsAcquired   *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	attemptDur     *prometheus.HistogramVec
	attemptsFailed *prometheus.CounterVec
	jobsReaped     *prometheus.CounterVec
	leasesRenewed  *prometheus.CounterVec
	slotsInUse     *prometheus.GaugeVec
	slotsTotal     *prometheus.GaugeVec
}

// NewPrometheusSink registers its metrics on reg and returns the sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuert", Name: "jobs_created_total", Help: "Jobs created, by type and whether deduplicated.",
		}, []string{"type", "deduplicated"}),
		jobsAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuert", Name: "jobs_acquired_total", Help: "Jobs acquired by a worker, by type.",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuert", Name: "jobs_completed_total", Help: "Jobs finalized, by type and whether a worker completed them.",
		}, []string{"type", "by_worker"}),
		attemptDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "queuert", Name: "attempt_duration_seconds", Help: "Attempt duration from acquire to finalize.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		attemptsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuert", Name: "attempts_failed_total", Help: "Attempts that ended in a reschedule, by type.",
		}, []string{"type"}),
		jobsReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuert", Name: "jobs_reaped_total", Help: "Jobs reclaimed from an expired lease, by type.",
		}, []string{"type"}),
		leasesRenewed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "queuert", Name: "leases_renewed_total", Help: "Successful lease heartbeats, by type.",
		}, []string{"type"}),
		slotsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queuert", Name: "worker_slots_in_use", Help: "Occupied worker slots, by worker id.",
		}, []string{"worker_id"}),
		slotsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "queuert", Name: "worker_slots_total", Help: "Configured worker slots, by worker id.",
		}, []string{"worker_id"}),
	}

	reg.MustRegister(s.jobsCreated, s.jobsAcquired, s.jobsCompleted, s.attemptDur, s.attemptsFailed, s.jobsReaped, s.leasesRenewed, s.slotsInUse, s.slotsTotal)
	return s
}

func (s *PrometheusSink) JobCreated(typeName string, deduplicated bool) {
	s.jobsCreated.WithLabelValues(typeName, boolLabel(deduplicated)).Inc()
}

func (s *PrometheusSink) JobAcquired(typeName string) {
	s.jobsAcquired.WithLabelValues(typeName).Inc()
}

func (s *PrometheusSink) JobCompleted(typeName string, duration time.Duration, byWorker bool) {
	s.jobsCompleted.WithLabelValues(typeName, boolLabel(byWorker)).Inc()
	s.attemptDur.WithLabelValues(typeName).Observe(duration.Seconds())
}

func (s *PrometheusSink) JobAttemptFailed(typeName string, attempt int) {
	s.attemptsFailed.WithLabelValues(typeName).Inc()
}

func (s *PrometheusSink) JobReaped(typeName string) {
	s.jobsReaped.WithLabelValues(typeName).Inc()
}

func (s *PrometheusSink) LeaseRenewed(typeName string) {
	s.leasesRenewed.WithLabelValues(typeName).Inc()
}

func (s *PrometheusSink) SlotsInUse(workerID string, inUse, total int) {
	s.slotsInUse.WithLabelValues(workerID).Set(float64(inUse))
	s.slotsTotal.WithLabelValues(workerID).Set(float64(total))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ service.ObservabilitySink = (*PrometheusSink)(nil)
