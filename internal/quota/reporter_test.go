package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/memoryrouter/internal/domain"
	"github.com/kestrel-labs/memoryrouter/internal/storetest"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	submits map[string]int64
	fail    map[string]bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{submits: make(map[string]int64), fail: make(map[string]bool)}
}

func (f *fakeSubmitter) Submit(_ context.Context, ownerID string, units int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[ownerID] {
		return assert.AnError
	}
	f.submits[ownerID] += units
	return nil
}

func TestReporterReportsOverageRoundedUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreeAllowanceTokens = 1000
	cfg.ReportUnitTokens = 1_000_000

	owners := storetest.NewOwners()
	require.NoError(t, owners.Save(context.Background(), &domain.Owner{
		ID: "o1", State: domain.BillingActive, CumulativeTokens: 1000 + 1_500_000,
	}))

	submitter := newFakeSubmitter()
	reporter := NewReporter(cfg, owners, submitter, nil)

	err := reporter.RunOnce(context.Background(), owners.Save)
	require.NoError(t, err)

	// 1,500,000 billable tokens / 1,000,000-per-unit rounds up to 2 units.
	assert.Equal(t, int64(2), submitter.submits["o1"])

	owner, err := owners.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), owner.CumulativeTokensReported)
}

func TestReporterSkipsOwnersWithNothingNewToReport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreeAllowanceTokens = 1000

	owners := storetest.NewOwners()
	require.NoError(t, owners.Save(context.Background(), &domain.Owner{
		ID: "o1", State: domain.BillingActive, CumulativeTokens: 1000, CumulativeTokensReported: 0,
	}))

	submitter := newFakeSubmitter()
	reporter := NewReporter(cfg, owners, submitter, nil)

	require.NoError(t, reporter.RunOnce(context.Background(), owners.Save))
	assert.Equal(t, int64(0), submitter.submits["o1"])
}

func TestReporterDoesNotAdvanceCounterOnFailedSubmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FreeAllowanceTokens = 0

	owners := storetest.NewOwners()
	require.NoError(t, owners.Save(context.Background(), &domain.Owner{
		ID: "o1", State: domain.BillingActive, CumulativeTokens: 2_000_000,
	}))

	submitter := newFakeSubmitter()
	submitter.fail["o1"] = true
	reporter := NewReporter(cfg, owners, submitter, nil)

	require.NoError(t, reporter.RunOnce(context.Background(), owners.Save))

	owner, err := owners.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), owner.CumulativeTokensReported)
}
