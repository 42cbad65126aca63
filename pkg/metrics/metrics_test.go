package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

func TestRecordInterpretation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewParticleExecutorMetrics(reg)

	m.RecordInterpretation(true, 10*time.Millisecond, 2)
	if counterValue(m.InterpretationSuccess) != 1 {
		t.Fatalf("expected one success recorded")
	}
	if counterValue(m.ServiceCallsTotal) != 2 {
		t.Fatalf("expected 2 service calls recorded")
	}

	m.RecordInterpretation(false, time.Millisecond, 0)
	if counterValue(m.InterpretationFailure) != 1 {
		t.Fatalf("expected one failure recorded")
	}
}

func TestNilMetricsSinkIsNoop(t *testing.T) {
	var m *ParticleExecutorMetrics
	m.RecordInterpretation(true, time.Millisecond, 1)
	m.SetMailboxBacklog(5)
	m.SetActorCount(2)
}
