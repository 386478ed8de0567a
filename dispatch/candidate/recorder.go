package candidate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/AoaoMH/Aether/dispatch/model"
)

// Recorder owns the RequestCandidate audit-row lifecycle of spec.md §3's
// invariant 5 and §4.12's per-attempt bookkeeping: creation (either one
// row per candidate, or PRE_EXPAND's up-front max_retries slots),
// status transitions, and the final "mark remaining unused" commit.
type Recorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRecorder builds a Recorder bound to db. A nil logger falls back to
// zap.NewNop().
func NewRecorder(db *gorm.DB, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, logger: logger.With(zap.String("component", "candidate-recorder"))}
}

// CreateOneSlot creates the single DISABLED/ON_DEMAND audit row for
// candidateIndex, retryIndex 0, in StatusAvailable.
func (r *Recorder) CreateOneSlot(ctx context.Context, requestID string, candidateIndex int, c *model.ProviderCandidate) (*model.RequestCandidate, error) {
	row := r.newRow(requestID, candidateIndex, 0, c)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("candidate: create slot: %w", err)
	}
	return row, nil
}

// CreateRetrySlot creates an additional ON_DEMAND retry row for an
// already-running candidate.
func (r *Recorder) CreateRetrySlot(ctx context.Context, requestID string, candidateIndex, retryIndex int, c *model.ProviderCandidate) (*model.RequestCandidate, error) {
	row := r.newRow(requestID, candidateIndex, retryIndex, c)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("candidate: create retry slot: %w", err)
	}
	return row, nil
}

// PreExpand creates maxRetries rows per candidate up front, per
// PRE_EXPAND's contract (spec.md §4.12, scenario S4). Returns the rows
// keyed by (candidate_index, retry_index).
func (r *Recorder) PreExpand(ctx context.Context, requestID string, cands []*model.ProviderCandidate, maxRetries int) (map[model.RequestCandidateKey]*model.RequestCandidate, error) {
	out := make(map[model.RequestCandidateKey]*model.RequestCandidate, len(cands)*maxRetries)
	for ci, c := range cands {
		for ri := 0; ri < maxRetries; ri++ {
			row := r.newRow(requestID, ci, ri, c)
			if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
				return nil, fmt.Errorf("candidate: pre-expand: %w", err)
			}
			out[model.RequestCandidateKey{CandidateIndex: ci, RetryIndex: ri}] = row
		}
	}
	return out, nil
}

func (r *Recorder) newRow(requestID string, candidateIndex, retryIndex int, c *model.ProviderCandidate) *model.RequestCandidate {
	row := &model.RequestCandidate{
		RequestID:      requestID,
		CandidateIndex: candidateIndex,
		RetryIndex:     retryIndex,
		Status:         model.StatusAvailable,
	}
	if c.Provider != nil {
		row.ProviderID = c.Provider.ID
	}
	if c.Endpoint != nil {
		row.EndpointID = c.Endpoint.ID
	}
	if c.Key != nil {
		row.KeyID = c.Key.ID
	}
	return row
}

// MarkSkipped transitions a row to StatusSkipped with the given reason
// (spec.md §4.12 step 1/2).
func (r *Recorder) MarkSkipped(ctx context.Context, row *model.RequestCandidate, reason string) error {
	row.Status = model.StatusSkipped
	row.SkipReason = reason
	return r.save(ctx, row)
}

// MarkPending transitions a row to StatusPending and stamps StartedAt
// (spec.md §4.13 step 1).
func (r *Recorder) MarkPending(ctx context.Context, row *model.RequestCandidate) error {
	now := time.Now()
	row.Status = model.StatusPending
	row.StartedAt = &now
	return r.save(ctx, row)
}

// MarkSuccess transitions a row to StatusSuccess (or StatusStreaming for
// a stream variant) and stamps FinishedAt.
func (r *Recorder) MarkSuccess(ctx context.Context, row *model.RequestCandidate, streaming bool) error {
	now := time.Now()
	if streaming {
		row.Status = model.StatusStreaming
	} else {
		row.Status = model.StatusSuccess
	}
	row.FinishedAt = &now
	return r.save(ctx, row)
}

// MarkStreamCompleted finalizes a StatusStreaming row once the stream
// body has been fully delivered (spec.md §4.12's "stream_completed
// callback").
func (r *Recorder) MarkStreamCompleted(ctx context.Context, row *model.RequestCandidate) error {
	row.Status = model.StatusSuccess
	return r.save(ctx, row)
}

// MarkFailed transitions a row to StatusFailed with classification
// detail (spec.md §4.12 step 5).
func (r *Recorder) MarkFailed(ctx context.Context, row *model.RequestCandidate, statusCode int, errorType, sanitizedMessage string) error {
	now := time.Now()
	row.Status = model.StatusFailed
	row.StatusCode = statusCode
	row.ErrorType = errorType
	row.ErrorMessage = sanitizedMessage
	row.FinishedAt = &now
	return r.save(ctx, row)
}

// MarkRemainingUnused implements PRE_EXPAND's "on success, mark every
// remaining slot unused in one commit" rule (spec.md §4.12 step 4,
// scenario S4).
func (r *Recorder) MarkRemainingUnused(ctx context.Context, rows map[model.RequestCandidateKey]*model.RequestCandidate, exclude model.RequestCandidateKey) error {
	for key, row := range rows {
		if key == exclude || row.Status.Terminal() {
			continue
		}
		row.Status = model.StatusUnused
		if err := r.save(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) save(ctx context.Context, row *model.RequestCandidate) error {
	if err := r.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("candidate: save record: %w", err)
	}
	return nil
}
