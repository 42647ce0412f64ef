package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/stackline/types"
)

const instrumentationName = "github.com/yairfalse/stackline"

// NodeMetrics counts lifecycle operations per node type.
type NodeMetrics struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	attempts   metric.Int64Counter
}

var (
	nodesMu sync.RWMutex
	nodes   *NodeMetrics
)

func newNodeMetrics(meter metric.Meter) (*NodeMetrics, error) {
	operations, err := meter.Int64Counter(
		"stackline.node.operations",
		metric.WithDescription("Number of node operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"stackline.node.duration",
		metric.WithDescription("Duration of node operations including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter(
		"stackline.provider.attempts",
		metric.WithDescription("Number of provider calls made, retries included"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	return &NodeMetrics{
		operations: operations,
		duration:   duration,
		attempts:   attempts,
	}, nil
}

func installNodes(m *NodeMetrics) {
	nodesMu.Lock()
	defer nodesMu.Unlock()
	nodes = m
}

func uninstallNodes(m *NodeMetrics) {
	nodesMu.Lock()
	defer nodesMu.Unlock()
	if nodes == m {
		nodes = nil
	}
}

// Nodes returns the node instruments of the installed Provider, or nil when
// none is running.
func Nodes() *NodeMetrics {
	nodesMu.RLock()
	defer nodesMu.RUnlock()
	return nodes
}

// RecordNode records one finished node operation. Safe on a nil receiver.
func (m *NodeMetrics) RecordNode(ctx context.Context, operation string, nodeType types.NodeType, outcome string, attempts int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("node_type", string(nodeType)),
		attribute.String("outcome", outcome),
	)
	m.operations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
	if attempts > 0 {
		m.attempts.Add(ctx, int64(attempts), attrs)
	}
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// NodeAttributes are the span attributes shared by node operations.
func NodeAttributes(nodeType types.NodeType, id string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("stackline.node.type", string(nodeType)),
		attribute.String("stackline.node.id", id),
	}
}
