package sitemap

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	resultApplied  = "applied"
	resultRejected = "rejected"
	resultPartial  = "partial"
)

var tracer = otel.Tracer("sitemap.engine")

var (
	changesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitemap_changes_total",
		Help: "Change descriptors processed, by kind and result",
	}, []string{"kind", "result"})

	subtreeOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitemap_subtree_operations_total",
		Help: "Subtree split and merge operations, by operation and result",
	}, []string{"operation", "result"})

	positionRebalancesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitemap_position_rebalances_total",
		Help: "Sibling groups renumbered because the fractional space was exhausted",
	})

	brokenLinkReferrers = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sitemap_broken_link_referrers",
		Help:    "Referrers reported per broken-link analysis",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100},
	})
)

func resultLabel(err error) string {
	if err == nil {
		return resultApplied
	}
	if isPartial(err) {
		return resultPartial
	}
	return resultRejected
}

func startSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attributes...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
