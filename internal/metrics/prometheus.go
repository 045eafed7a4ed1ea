// Package metrics exposes license service metrics to Prometheus.
package metrics

import (
	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the license service collectors. It implements license.Recorder.
type Metrics struct {
	Validations     *prometheus.CounterVec
	Issued          *prometheus.CounterVec
	StatusChanges   *prometheus.CounterVec
	ActivationCount prometheus.Histogram
	Licenses        *prometheus.GaugeVec
}

var _ license.Recorder = (*Metrics)(nil)

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "validations_total",
			Help:      "License validations by mode and outcome reason.",
		}, []string{"mode", "reason"}),
		Issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "licenses_issued_total",
			Help:      "Licenses issued by type.",
		}, []string{"type"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyforge",
			Name:      "status_changes_total",
			Help:      "License status transitions by resulting status.",
		}, []string{"status"}),
		ActivationCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "keyforge",
			Name:      "activation_count",
			Help:      "Activation count of a license after a successful online validation.",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}),
		Licenses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keyforge",
			Name:      "licenses",
			Help:      "Stored licenses by status, as of the last inventory refresh.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.Validations, m.Issued, m.StatusChanges, m.ActivationCount, m.Licenses,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordValidation counts one validation outcome.
func (m *Metrics) RecordValidation(mode string, reason license.Reason) {
	m.Validations.WithLabelValues(mode, string(reason)).Inc()
}

// RecordIssued counts n newly issued licenses of type t.
func (m *Metrics) RecordIssued(t license.Type, n int) {
	m.Issued.WithLabelValues(string(t)).Add(float64(n))
}

// RecordStatusChange counts a transition into status.
func (m *Metrics) RecordStatusChange(status license.Status) {
	m.StatusChanges.WithLabelValues(string(status)).Inc()
}

// RecordActivationCount observes the activation count after a validation.
func (m *Metrics) RecordActivationCount(count int) {
	m.ActivationCount.Observe(float64(count))
}

// SetLicenseCount sets the inventory gauge for status.
func (m *Metrics) SetLicenseCount(status license.Status, count int) {
	m.Licenses.WithLabelValues(string(status)).Set(float64(count))
}
