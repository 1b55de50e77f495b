package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecorderCounterLazyRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Counter("computed.field.recalc", map[string]string{"computedFieldId": "n1"}, 1)
	r.Counter("computed.field.recalc", map[string]string{"computedFieldId": "n1"}, 2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 1 {
		t.Fatalf("expected 1 registered family, got %d", len(families))
	}
	m := families[0].GetMetric()[0]
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Errorf("counter value = %v, want 3", got)
	}
}

func TestSanitizeMetricName(t *testing.T) {
	if got := sanitizeMetricName("Automation.Fire!"); got != "m_automation_fire_" {
		t.Errorf("sanitizeMetricName() = %v, want m_automation_fire_", got)
	}
	if got := sanitizeMetricName(""); got != "m_custom_metric" {
		t.Errorf("sanitizeMetricName(\"\") = %v, want m_custom_metric", got)
	}
}

func TestSanitizeLabelName(t *testing.T) {
	if got := sanitizeLabelName("Field-Id"); got != "field_id" {
		t.Errorf("sanitizeLabelName() = %v, want field_id", got)
	}
	if got := sanitizeLabelName("9lives"); got != "_9lives" {
		t.Errorf("sanitizeLabelName() = %v, want _9lives", got)
	}
}
