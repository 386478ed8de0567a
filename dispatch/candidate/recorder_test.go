package candidate

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/AoaoMH/Aether/dispatch/model"
)

func newTestRecorderDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.RequestCandidate{}))
	return db
}

// TestS4_PreExpandMarksRemainingUnusedOnEarlySuccess reproduces spec.md
// §8 scenario S4.
func TestS4_PreExpandMarksRemainingUnusedOnEarlySuccess(t *testing.T) {
	db := newTestRecorderDB(t)
	r := NewRecorder(db, nil)
	ctx := context.Background()

	c0 := &model.ProviderCandidate{Provider: &model.Provider{ID: 1}, Endpoint: &model.ProviderEndpoint{ID: 1}, Key: &model.ProviderAPIKey{ID: 1}}
	c1 := &model.ProviderCandidate{Provider: &model.Provider{ID: 2}, Endpoint: &model.ProviderEndpoint{ID: 2}, Key: &model.ProviderAPIKey{ID: 2}}

	rows, err := r.PreExpand(ctx, "req-1", []*model.ProviderCandidate{c0, c1}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	first := rows[model.RequestCandidateKey{CandidateIndex: 0, RetryIndex: 0}]
	require.NoError(t, r.MarkPending(ctx, first))
	require.NoError(t, r.MarkSuccess(ctx, first, false))

	require.NoError(t, r.MarkRemainingUnused(ctx, rows, model.RequestCandidateKey{CandidateIndex: 0, RetryIndex: 0}))

	assert.Equal(t, model.StatusSuccess, rows[model.RequestCandidateKey{CandidateIndex: 0, RetryIndex: 0}].Status)
	assert.Equal(t, model.StatusUnused, rows[model.RequestCandidateKey{CandidateIndex: 0, RetryIndex: 1}].Status)
	assert.Equal(t, model.StatusUnused, rows[model.RequestCandidateKey{CandidateIndex: 1, RetryIndex: 0}].Status)
	assert.Equal(t, model.StatusUnused, rows[model.RequestCandidateKey{CandidateIndex: 1, RetryIndex: 1}].Status)

	var persisted []model.RequestCandidate
	require.NoError(t, db.Find(&persisted).Error)
	for _, p := range persisted {
		assert.True(t, p.Status.Terminal())
	}
}

func TestMarkFailed_SetsStatusCodeAndErrorType(t *testing.T) {
	db := newTestRecorderDB(t)
	r := NewRecorder(db, nil)
	ctx := context.Background()

	c := &model.ProviderCandidate{Provider: &model.Provider{ID: 1}, Endpoint: &model.ProviderEndpoint{ID: 1}, Key: &model.ProviderAPIKey{ID: 1}}
	row, err := r.CreateOneSlot(ctx, "req-2", 0, c)
	require.NoError(t, err)

	require.NoError(t, r.MarkFailed(ctx, row, 503, "upstream_transient", "service unavailable"))
	assert.Equal(t, model.StatusFailed, row.Status)
	assert.Equal(t, 503, row.StatusCode)
	assert.NotNil(t, row.FinishedAt)
}
