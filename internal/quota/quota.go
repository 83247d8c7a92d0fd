// Package quota implements the billing state machine, per-request
// admission gate, post-response metering, and periodic external-usage
// reporter from spec.md §4.9.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
)

// Config carries both halves of the Open Question spec.md §9 leaves
// unresolved: the free-tier allowance and the external unit price live
// together in one struct. Admission and the Reporter read
// FreeAllowanceTokens from it; UnitPriceMicros is carried here but nothing
// reads it, and the billing overview endpoint reports neither value.
type Config struct {
	// FreeAllowanceTokens is the cumulative-token ceiling a FREE owner may
	// reach before admission starts denying FREE_TIER_EXHAUSTED.
	FreeAllowanceTokens int64
	// UnitPriceMicros is the external billing system's price per reporting
	// unit (one unit = 1,000,000 tokens), in micro-currency.
	UnitPriceMicros int64
	// GraceWindow is how long an owner stays in GRACE after a payment
	// failure before moving to SUSPENDED.
	GraceWindow time.Duration
	// ReportUnitTokens is the token count one external billing unit
	// represents. Defaults to 1,000,000 per spec.md §4.9.
	ReportUnitTokens int64
}

// DefaultConfig returns spec-documented defaults. FreeAllowanceTokens
// (50,000) and UnitPriceMicros (0) are placeholders for deployment-specific
// values; cmd/memoryrouter overrides both from its loaded config.
func DefaultConfig() Config {
	return Config{
		FreeAllowanceTokens: 50_000,
		UnitPriceMicros:     0,
		GraceWindow:         7 * 24 * time.Hour,
		ReportUnitTokens:    1_000_000,
	}
}

// Gate runs admission checks and records post-response usage.
type Gate struct {
	cfg    Config
	owners domain.OwnerStore
	usage  domain.UsageStore
	clock  func() time.Time
}

func New(cfg Config, owners domain.OwnerStore, usage domain.UsageStore) *Gate {
	if cfg.ReportUnitTokens <= 0 {
		cfg.ReportUnitTokens = 1_000_000
	}
	return &Gate{cfg: cfg, owners: owners, usage: usage, clock: time.Now}
}

// AdmissionResult carries the response headers admission wants set, beyond
// the pass/fail decision itself.
type AdmissionResult struct {
	Warning        bool
	GraceDeadline  *time.Time
}

// Admit applies the rules in spec.md §4.9, in owner-state order.
func (g *Gate) Admit(ctx context.Context, ownerID string) (AdmissionResult, error) {
	owner, err := g.owners.Get(ctx, ownerID)
	if err != nil {
		return AdmissionResult{}, apperr.Internal("resolving owner", err)
	}

	switch owner.State {
	case domain.BillingEnterprise:
		return AdmissionResult{}, nil

	case domain.BillingSuspended:
		return AdmissionResult{}, apperr.QuotaExceeded("ACCOUNT_SUSPENDED", "account is suspended")

	case domain.BillingGrace:
		if owner.GraceDeadline != nil && !g.clock().Before(*owner.GraceDeadline) {
			owner.State = domain.BillingSuspended
			if err := g.owners.Save(ctx, owner); err != nil {
				return AdmissionResult{}, apperr.StorageDeferred("persisting grace-to-suspended transition", err)
			}
			return AdmissionResult{}, apperr.QuotaExceeded("ACCOUNT_SUSPENDED", "account is suspended")
		}
		return AdmissionResult{Warning: true, GraceDeadline: owner.GraceDeadline}, nil

	case domain.BillingActive:
		return AdmissionResult{}, nil

	case domain.BillingFree:
		if owner.CumulativeTokens < g.cfg.FreeAllowanceTokens {
			return AdmissionResult{}, nil
		}
		return AdmissionResult{}, apperr.QuotaExceeded("FREE_TIER_EXHAUSTED", "free tier allowance exhausted")

	default:
		return AdmissionResult{}, apperr.Internal("unknown billing state", fmt.Errorf("state=%q", owner.State))
	}
}

// UsageInput is what the orchestrator reports after a response completes.
type UsageInput struct {
	OwnerID            string
	ContextID          string
	RequestID          string
	StoredInputTokens  int
	StoredOutputTokens int
	RetrievedTokens    int
	EphemeralTokens    int
	Model              string
	ProviderFamily     string
	PartialFailure     bool
}

// Record performs the post-response metering step: atomically increments
// the owner's cumulative-tokens counter and appends a usage record.
// Admission and this increment are deliberately not one transaction — see
// spec.md §4.9's note on bounded overshoot under concurrent in-flight
// requests.
func (g *Gate) Record(ctx context.Context, in UsageInput) error {
	billable := in.StoredInputTokens + in.StoredOutputTokens

	owner, err := g.owners.Get(ctx, in.OwnerID)
	if err != nil {
		return apperr.Internal("resolving owner for metering", err)
	}
	owner.CumulativeTokens += int64(billable)
	if err := g.owners.Save(ctx, owner); err != nil {
		return apperr.StorageDeferred("persisting owner counters", err)
	}

	rec := &domain.UsageRecord{
		ID:                 fmt.Sprintf("%s-%s", in.ContextID, in.RequestID),
		OwnerID:            in.OwnerID,
		ContextID:          in.ContextID,
		RequestID:          in.RequestID,
		StoredInputTokens:  in.StoredInputTokens,
		StoredOutputTokens: in.StoredOutputTokens,
		RetrievedTokens:    in.RetrievedTokens,
		EphemeralTokens:    in.EphemeralTokens,
		Model:              in.Model,
		ProviderFamily:     in.ProviderFamily,
		PartialFailure:     in.PartialFailure,
		CreatedAt:          g.clock(),
	}
	if err := g.usage.Append(ctx, rec); err != nil {
		return apperr.StorageDeferred("appending usage record", err)
	}
	return nil
}

// BeginGrace transitions an owner into GRACE following a payment-failed
// event.
func (g *Gate) BeginGrace(ctx context.Context, ownerID string) error {
	owner, err := g.owners.Get(ctx, ownerID)
	if err != nil {
		return err
	}
	owner.State = domain.BillingGrace
	deadline := g.clock().Add(g.cfg.GraceWindow)
	owner.GraceDeadline = &deadline
	return g.owners.Save(ctx, owner)
}

