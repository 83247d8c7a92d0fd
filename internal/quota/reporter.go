package quota

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kestrel-labs/memoryrouter/internal/domain"
)

// Submitter is the external subscription/billing system's reporting
// endpoint. A real implementation calls out over HTTP; tests supply a
// fake.
type Submitter interface {
	Submit(ctx context.Context, ownerID string, units int64) error
}

// Reporter periodically converts each ACTIVE/ENTERPRISE owner's unreported
// token overage into the external billing unit and submits it, per
// spec.md §4.9's periodic-reporter paragraph.
type Reporter struct {
	cfg       Config
	owners    ownerLister
	submitter Submitter
	log       *zap.Logger

	runs atomic.Int64 // observability: how many report cycles have run
}

// ownerLister is the narrow read the reporter needs; a real OwnerStore
// backend exposes a richer listing query than domain.OwnerStore's
// single-owner Get, so the reporter takes its own small interface.
type ownerLister interface {
	ListBillable(ctx context.Context) ([]*domain.Owner, error)
}

func NewReporter(cfg Config, owners ownerLister, submitter Submitter, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{cfg: cfg, owners: owners, submitter: submitter, log: log}
}

// RunOnce executes one reporting cycle over every billable owner.
func (r *Reporter) RunOnce(ctx context.Context, save func(ctx context.Context, owner *domain.Owner) error) error {
	r.runs.Inc()

	owners, err := r.owners.ListBillable(ctx)
	if err != nil {
		return err
	}

	for _, owner := range owners {
		billableToReport := (owner.CumulativeTokens - r.cfg.FreeAllowanceTokens) - owner.CumulativeTokensReported
		if billableToReport <= 0 {
			continue
		}

		units := ceilDiv(billableToReport, r.cfg.ReportUnitTokens)
		if err := r.submitter.Submit(ctx, owner.ID, units); err != nil {
			r.log.Warn("quota: reporting submission failed",
				zap.String("owner_id", owner.ID),
				zap.Error(err),
			)
			continue
		}

		owner.CumulativeTokensReported += units * r.cfg.ReportUnitTokens
		if err := save(ctx, owner); err != nil {
			r.log.Warn("quota: persisting reported counter failed",
				zap.String("owner_id", owner.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Run calls RunOnce every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration, save func(ctx context.Context, owner *domain.Owner) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx, save); err != nil {
				r.log.Warn("quota: report cycle failed", zap.Error(err))
			}
		}
	}
}

// ceilDiv rounds tokens/unit up, per spec.md §4.9: "rounding up to avoid
// under-reporting."
func ceilDiv(tokens, unit int64) int64 {
	if unit <= 0 {
		return 0
	}
	if tokens <= 0 {
		return 0
	}
	return (tokens + unit - 1) / unit
}
