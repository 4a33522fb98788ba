package service

import (
	"context"

	"github.com/smallbiznis/subreconcile/internal/config"
	obsmetrics "github.com/smallbiznis/subreconcile/internal/observability/metrics"
	processordomain "github.com/smallbiznis/subreconcile/internal/processor/domain"
	subscriptiondomain "github.com/smallbiznis/subreconcile/internal/subscription/domain"
	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

// Enricher folds the billing period of the latest invoice into a patch.
// Failures never block the rest of the reconciliation.
type Enricher struct {
	processor processordomain.Processor
	holder    *config.ReconcileConfigHolder
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
}

func NewEnricher(processor processordomain.Processor, holder *config.ReconcileConfigHolder, log *zap.Logger, metrics *obsmetrics.Metrics) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enricher{
		processor: processor,
		holder:    holder,
		log:       log.Named("reconcile.enricher"),
		metrics:   metrics,
	}
}

// Enrich sets patch.CurrentPeriodStart from the latest invoice of subscriptionID when one is found.
func (e *Enricher) Enrich(ctx context.Context, subscriptionID string, patch *subscriptiondomain.Patch) {
	if e == nil || e.processor == nil || patch == nil || subscriptionID == "" {
		return
	}
	if !e.holder.Get().Enrichment.Enabled {
		return
	}

	invoice, err := e.processor.GetLatestInvoice(ctx, subscriptionID)
	if err != nil {
		ctxlogger.WithContext(ctx, e.log).Warn("period enrichment skipped",
			zap.String("external_subscription_id", subscriptionID),
			zap.Error(err),
		)
		e.metrics.RecordRemoteFailure(ctx, "get_latest_invoice", obsmetrics.ClassifyJobReason(err))
		return
	}
	if invoice == nil {
		return
	}

	start := invoice.LinePeriodStart
	if start == nil {
		start = invoice.PeriodStart
	}
	if start != nil {
		periodStart := start.UTC()
		patch.CurrentPeriodStart = &periodStart
	}
}
