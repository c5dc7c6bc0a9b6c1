package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"uniformcore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type capturedMetric struct {
	operation string
	success   bool
}

type captureMetrics struct {
	mu      sync.Mutex
	entries []capturedMetric
}

func (c *captureMetrics) Observe(_ context.Context, operation string, success bool, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, capturedMetric{operation: operation, success: success})
}

func TestServiceRecordsMetricsAndSpans(t *testing.T) {
	metrics := &captureMetrics{}
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	svc := newTestService(t, WithMetricsRecorder(metrics), WithTracer(tracer))
	seedMaterials(t, svc, "A", "B")

	if _, err := svc.Reorder(context.Background(), domain.EntityMaterial, "A", 1); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if _, err := svc.Reorder(context.Background(), domain.EntityMaterial, "A", 9); err == nil {
		t.Fatalf("expected out of range error")
	}

	last := metrics.entries[len(metrics.entries)-2:]
	if last[0].operation != "reorder_material" || !last[0].success {
		t.Fatalf("unexpected success metric %+v", last[0])
	}
	if last[1].operation != "reorder_material" || last[1].success {
		t.Fatalf("unexpected failure metric %+v", last[1])
	}

	entries := tracer.Entries()
	if len(entries) != len(metrics.entries) {
		t.Fatalf("expected one span per operation, got %d spans for %d ops", len(entries), len(metrics.entries))
	}
	failed := entries[len(entries)-1]
	if failed.Status != "error" || !strings.Contains(failed.Error, "new_position") {
		t.Fatalf("unexpected failed span %+v", failed)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var decoded JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &decoded); err != nil {
		t.Fatalf("decode span: %v", err)
	}
	if decoded.Operation != "reorder_material" {
		t.Fatalf("unexpected encoded span %+v", decoded)
	}
}

func TestServiceLogsRejectionsAtWarn(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	svc := newTestService(t, WithLogger(zap.New(core)))
	if _, err := svc.Reorder(context.Background(), domain.EntityMaterial, "missing", 0); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	rejected := logs.FilterMessage("operation rejected").All()
	if len(rejected) != 1 {
		t.Fatalf("expected one rejection log, got %d", len(rejected))
	}
	if got := rejected[0].ContextMap()["operation"]; got != "reorder_material" {
		t.Fatalf("unexpected operation field %v", got)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	svc := newTestService(t, WithMetricsRecorder(rec))
	seedMaterials(t, svc, "A", "B")
	if _, err := svc.Reorder(context.Background(), domain.EntityMaterial, "B", 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	rec.Observe(context.Background(), "", true, time.Millisecond)

	if got := testutil.ToFloat64(rec.operations.WithLabelValues("reorder_material", "success")); got != 1 {
		t.Fatalf("expected one successful reorder, got %v", got)
	}
	if got := testutil.ToFloat64(rec.operations.WithLabelValues("create_material", "success")); got != 2 {
		t.Fatalf("expected two creates, got %v", got)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestJSONTracerWithoutWriter(t *testing.T) {
	tracer := NewJSONTracer(nil)
	_, span := tracer.Start(context.Background(), "op")
	span.End(nil)
	entries := tracer.Entries()
	if len(entries) != 1 || entries[0].Status != "success" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
