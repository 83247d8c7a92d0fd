package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/memoryrouter/internal/apperr"
	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/storetest"
)

func newGate(t *testing.T, owner *domain.Owner) (*Gate, *storetest.Owners, *storetest.Usage) {
	t.Helper()
	owners := storetest.NewOwners()
	require.NoError(t, owners.Save(context.Background(), owner))
	usage := storetest.NewUsage()
	return New(DefaultConfig(), owners, usage), owners, usage
}

func TestAdmitFreeTierWithinAllowance(t *testing.T) {
	gate, _, _ := newGate(t, &domain.Owner{ID: "o1", State: domain.BillingFree, CumulativeTokens: 100})
	_, err := gate.Admit(context.Background(), "o1")
	assert.NoError(t, err)
}

func TestAdmitFreeTierExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreeAllowanceTokens = 1000
	owners := storetest.NewOwners()
	require.NoError(t, owners.Save(context.Background(), &domain.Owner{ID: "o1", State: domain.BillingFree, CumulativeTokens: 1000}))
	gate := New(cfg, owners, storetest.NewUsage())

	_, err := gate.Admit(context.Background(), "o1")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "FREE_TIER_EXHAUSTED", appErr.Code)
}

func TestAdmitSuspendedIsDenied(t *testing.T) {
	gate, _, _ := newGate(t, &domain.Owner{ID: "o1", State: domain.BillingSuspended})
	_, err := gate.Admit(context.Background(), "o1")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "ACCOUNT_SUSPENDED", appErr.Code)
}

func TestAdmitGraceWarnsButAllows(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	gate, _, _ := newGate(t, &domain.Owner{ID: "o1", State: domain.BillingGrace, GraceDeadline: &deadline})
	result, err := gate.Admit(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, result.Warning)
	require.NotNil(t, result.GraceDeadline)
}

func TestAdmitGraceElapsedTransitionsToSuspended(t *testing.T) {
	deadline := time.Now().Add(-time.Minute)
	gate, owners, _ := newGate(t, &domain.Owner{ID: "o1", State: domain.BillingGrace, GraceDeadline: &deadline})
	_, err := gate.Admit(context.Background(), "o1")
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "ACCOUNT_SUSPENDED", appErr.Code)

	owner, getErr := owners.Get(context.Background(), "o1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.BillingSuspended, owner.State)
}

func TestAdmitEnterpriseAlwaysAdmitted(t *testing.T) {
	gate, _, _ := newGate(t, &domain.Owner{ID: "o1", State: domain.BillingEnterprise, CumulativeTokens: 999_999_999})
	_, err := gate.Admit(context.Background(), "o1")
	assert.NoError(t, err)
}

func TestRecordIncrementsCumulativeTokensAndAppendsUsage(t *testing.T) {
	gate, owners, usage := newGate(t, &domain.Owner{ID: "o1", State: domain.BillingActive, CumulativeTokens: 500})

	err := gate.Record(context.Background(), UsageInput{
		OwnerID: "o1", ContextID: "mk_1", RequestID: "req-1",
		StoredInputTokens: 100, StoredOutputTokens: 50, RetrievedTokens: 30,
	})
	require.NoError(t, err)

	owner, err := owners.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(650), owner.CumulativeTokens)

	records, err := usage.ListByOwner(context.Background(), "o1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 100, records[0].StoredInputTokens)
}

func TestBeginGraceSetsDeadline(t *testing.T) {
	gate, owners, _ := newGate(t, &domain.Owner{ID: "o1", State: domain.BillingActive})
	require.NoError(t, gate.BeginGrace(context.Background(), "o1"))

	owner, err := owners.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.BillingGrace, owner.State)
	require.NotNil(t, owner.GraceDeadline)
	assert.True(t, owner.GraceDeadline.After(time.Now()))
}
