package metrics

import (
	"testing"

	"github.com/MacJediWizard/keyforge/internal/license"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheus_Validations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	t.Run("counts outcomes per mode and reason", func(t *testing.T) {
		m.RecordValidation("online", license.ReasonOK)
		m.RecordValidation("online", license.ReasonOK)
		m.RecordValidation("online", license.ReasonRevoked)
		m.RecordValidation("offline", license.ReasonOK)

		if val := getCounterValue(t, m.Validations, "online", "ok"); val != 2 {
			t.Errorf("expected 2, got %f", val)
		}
		if val := getCounterValue(t, m.Validations, "online", string(license.ReasonRevoked)); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
		if val := getCounterValue(t, m.Validations, "offline", "ok"); val != 1 {
			t.Errorf("expected 1, got %f", val)
		}
	})
}

func TestPrometheus_Issued(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordIssued(license.TypeTrial, 1)
	m.RecordIssued(license.TypeStandard, 250)
	m.RecordIssued(license.TypeStandard, 1)

	if val := getCounterValue(t, m.Issued, "trial"); val != 1 {
		t.Errorf("expected 1 trial, got %f", val)
	}
	if val := getCounterValue(t, m.Issued, "standard"); val != 251 {
		t.Errorf("expected 251 standard, got %f", val)
	}
}

func TestPrometheus_StatusChanges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordStatusChange(license.StatusRevoked)
	m.RecordStatusChange(license.StatusRevoked)
	m.RecordStatusChange(license.StatusExpired)

	if val := getCounterValue(t, m.StatusChanges, "revoked"); val != 2 {
		t.Errorf("expected 2, got %f", val)
	}
	if val := getCounterValue(t, m.StatusChanges, "expired"); val != 1 {
		t.Errorf("expected 1, got %f", val)
	}
}

func TestPrometheus_ActivationCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordActivationCount(1)
	m.RecordActivationCount(4)

	var out dto.Metric
	if err := m.ActivationCount.Write(&out); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if out.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("expected count 2, got %d", out.GetHistogram().GetSampleCount())
	}
	if out.GetHistogram().GetSampleSum() != 5 {
		t.Errorf("expected sum 5, got %f", out.GetHistogram().GetSampleSum())
	}
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("creates metrics successfully", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("failed to create metrics: %v", err)
		}
		if m.Validations == nil || m.Issued == nil || m.StatusChanges == nil {
			t.Error("counters should not be nil")
		}
		if m.ActivationCount == nil || m.Licenses == nil {
			t.Error("histogram and gauge should not be nil")
		}
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		if _, err := NewPrometheusMetrics(reg); err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		if _, err := NewPrometheusMetrics(reg); err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})

	t.Run("gathers under the keyforge namespace", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("failed to create metrics: %v", err)
		}
		m.RecordIssued(license.TypeEnterprise, 1)

		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("gather failed: %v", err)
		}
		found := false
		for _, f := range families {
			if f.GetName() == "keyforge_licenses_issued_total" {
				found = true
			}
		}
		if !found {
			t.Error("keyforge_licenses_issued_total not gathered")
		}
	})
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.WithLabelValues(label).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
