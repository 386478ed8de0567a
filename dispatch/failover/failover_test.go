package failover

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AoaoMH/Aether/dispatch/candidate"
	"github.com/AoaoMH/Aether/dispatch/dispatcherrors"
	"github.com/AoaoMH/Aether/dispatch/executor"
	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/ratelimit"
	dcache "github.com/AoaoMH/Aether/internal/cache"
)

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.RequestCandidate{}))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cfg := dcache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	c, err := dcache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	guard := ratelimit.NewGuard(c)
	exec := executor.New(guard, nil)
	recorder := candidate.NewRecorder(db, nil)
	return New(exec, recorder, nil), db
}

func cand(providerID, keyID uint64) *model.ProviderCandidate {
	return &model.ProviderCandidate{
		Provider: &model.Provider{ID: providerID},
		Endpoint: &model.ProviderEndpoint{ID: providerID},
		Key:      &model.ProviderAPIKey{ID: keyID},
	}
}

// fakeIterator is a minimal executor.ByteIterator over a fixed chunk
// list, raising final once the list is exhausted (io.EOF by default).
type fakeIterator struct {
	chunks [][]byte
	pos    int
	final  error
}

func (f *fakeIterator) Next() ([]byte, error) {
	if f.pos < len(f.chunks) {
		c := f.chunks[f.pos]
		f.pos++
		return c, nil
	}
	if f.final != nil {
		return nil, f.final
	}
	return nil, io.EOF
}

// TestS4_PreExpandMarksRemainingUnusedOnEarlySuccess reproduces spec.md
// §8 scenario S4 at the Engine level.
func TestS4_PreExpandMarksRemainingUnusedOnEarlySuccess(t *testing.T) {
	e, db := newTestEngine(t)
	c0, c1 := cand(1, 1), cand(2, 2)

	calls := 0
	fn := func(ctx context.Context, c *model.ProviderCandidate) (executor.AttemptResult, error) {
		calls++
		return executor.AttemptResult{Kind: executor.KindSyncResponse, StatusCode: 200}, nil
	}

	policy := RetryPolicy{Kind: RetryPreExpand, MaxRetries: 1}
	out, err := e.Run(context.Background(), "req-s4", []*model.ProviderCandidate{c0, c1}, policy, nil, nil, fn, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.CandidateIndex)
	assert.Equal(t, 1, calls)

	var rows []model.RequestCandidate
	require.NoError(t, db.Order("candidate_index, retry_index").Find(&rows).Error)
	require.Len(t, rows, 4)
	assert.Equal(t, model.StatusSuccess, rows[0].Status) // (0,0)
	assert.Equal(t, model.StatusUnused, rows[1].Status)  // (0,1)
	assert.Equal(t, model.StatusUnused, rows[2].Status)  // (1,0)
	assert.Equal(t, model.StatusUnused, rows[3].Status)  // (1,1)
}

// TestS5_StreamProbeFailureTriggersFailover reproduces spec.md §8
// scenario S5.
func TestS5_StreamProbeFailureTriggersFailover(t *testing.T) {
	e, db := newTestEngine(t)
	c0, c1 := cand(1, 1), cand(2, 2)

	attempt := 0
	fn := func(ctx context.Context, c *model.ProviderCandidate) (executor.AttemptResult, error) {
		attempt++
		if attempt == 1 {
			return executor.AttemptResult{Kind: executor.KindStream, Stream: &fakeIterator{final: errors.New("empty stream")}}, nil
		}
		return executor.AttemptResult{Kind: executor.KindSyncResponse, StatusCode: 200}, nil
	}

	policy := RetryPolicy{Kind: RetryOnDemand, MaxRetries: 1}
	out, err := e.Run(context.Background(), "req-s5", []*model.ProviderCandidate{c0, c1}, policy, nil, nil, fn, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.CandidateIndex)

	var rows []model.RequestCandidate
	require.NoError(t, db.Where("request_id = ?", "req-s5").Order("candidate_index, retry_index").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, model.StatusFailed, rows[0].Status)
	assert.Equal(t, "stream_probe_error", rows[0].ErrorType)
	assert.Equal(t, model.StatusSuccess, rows[1].Status)
}

func TestRun_NoCandidatesReturnsNoEligibleCandidates(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Run(context.Background(), "req-empty", nil, RetryPolicy{Kind: RetryDisabled}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, dispatcherrors.ErrNoEligibleCandidates)
}

func TestRun_AllSkippedReturnsNoEligibleCandidates(t *testing.T) {
	e, _ := newTestEngine(t)
	c0 := cand(1, 1)
	c0.IsSkipped = true
	c0.SkipReason = "no converter"

	_, err := e.Run(context.Background(), "req-skip", []*model.ProviderCandidate{c0}, RetryPolicy{Kind: RetryDisabled}, nil, nil, nil, nil)
	assert.ErrorIs(t, err, dispatcherrors.ErrNoEligibleCandidates)
}

func TestRun_AllCandidatesFailReturnsAllCandidatesFailed(t *testing.T) {
	e, _ := newTestEngine(t)
	c0 := cand(1, 1)

	fn := func(ctx context.Context, c *model.ProviderCandidate) (executor.AttemptResult, error) {
		return executor.AttemptResult{}, &dispatcherrors.Error{Kind: dispatcherrors.KindUpstreamTransient, HTTPStatus: 503, Retryable: true}
	}

	_, err := e.Run(context.Background(), "req-fail", []*model.ProviderCandidate{c0}, RetryPolicy{Kind: RetryDisabled}, nil, nil, fn, nil)
	require.Error(t, err)
	var allFailed *dispatcherrors.AllCandidatesFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, 503, allFailed.LastStatusCode)
}

// TestRun_StreamSuccessPrependsProbedChunkAndMarksCompleteOnEOF exercises
// the STREAM variant's happy path: the probed first chunk is re-emitted
// ahead of the rest, and once the caller drains the iterator to io.EOF
// the RequestCandidate row transitions to StatusSuccess.
func TestRun_StreamSuccessPrependsProbedChunkAndMarksCompleteOnEOF(t *testing.T) {
	e, db := newTestEngine(t)
	c0 := cand(1, 1)

	fn := func(ctx context.Context, c *model.ProviderCandidate) (executor.AttemptResult, error) {
		return executor.AttemptResult{Kind: executor.KindStream, Stream: &fakeIterator{chunks: [][]byte{[]byte("first"), []byte("second")}}}, nil
	}

	out, err := e.Run(context.Background(), "req-stream-ok", []*model.ProviderCandidate{c0}, RetryPolicy{Kind: RetryDisabled}, nil, nil, fn, nil)
	require.NoError(t, err)

	var rows []model.RequestCandidate
	require.NoError(t, db.Where("request_id = ?", "req-stream-ok").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, model.StatusStreaming, rows[0].Status)

	chunk1, err := out.Result.Stream.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), chunk1)

	chunk2, err := out.Result.Stream.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), chunk2)

	_, err = out.Result.Stream.Next()
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, db.Where("request_id = ?", "req-stream-ok").First(&rows[0]).Error)
	assert.Equal(t, model.StatusSuccess, rows[0].Status)
}

// TestRun_AsyncSubmitEmptyTaskIDFailsOverToNextCandidate covers spec.md
// §4.12's ASYNC_SUBMIT verification: an empty provider_task_id (whether
// resolved directly or via the extractor) is a failed attempt, never a
// win, and the engine moves on to the next candidate.
func TestRun_AsyncSubmitEmptyTaskIDFailsOverToNextCandidate(t *testing.T) {
	e, db := newTestEngine(t)
	c0, c1 := cand(1, 1), cand(2, 2)

	attempt := 0
	fn := func(ctx context.Context, c *model.ProviderCandidate) (executor.AttemptResult, error) {
		attempt++
		if attempt == 1 {
			return executor.AttemptResult{Kind: executor.KindAsyncSubmit, Body: []byte(`{"id":""}`)}, nil
		}
		return executor.AttemptResult{Kind: executor.KindAsyncSubmit, Body: []byte(`{"id":"task-42"}`)}, nil
	}
	extract := func(body []byte) string {
		var parsed struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(body, &parsed)
		return parsed.ID
	}

	policy := RetryPolicy{Kind: RetryOnDemand, MaxRetries: 1}
	out, err := e.Run(context.Background(), "req-async-empty", []*model.ProviderCandidate{c0, c1}, policy, nil, nil, fn, extract)
	require.NoError(t, err)
	assert.Equal(t, 1, out.CandidateIndex)
	assert.Equal(t, "task-42", extract(out.Result.Body))

	var rows []model.RequestCandidate
	require.NoError(t, db.Where("request_id = ?", "req-async-empty").Order("candidate_index, retry_index").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, model.StatusFailed, rows[0].Status)
	assert.Equal(t, "empty_task_id", rows[0].ErrorType)
	assert.Equal(t, model.StatusSuccess, rows[1].Status)
}

func TestEffectiveMaxRetries_TighterOfTheTwo(t *testing.T) {
	providerCap := 1
	provider := &model.Provider{MaxRetries: &providerCap}
	assert.Equal(t, 1, EffectiveMaxRetries(RetryPolicy{MaxRetries: 5}, provider))
	assert.Equal(t, 5, EffectiveMaxRetries(RetryPolicy{MaxRetries: 5}, &model.Provider{}))
}
