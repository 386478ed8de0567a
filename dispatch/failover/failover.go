// Package failover implements the Failover Engine (C12): the per-request
// loop over C5's ordered candidate list, driving the Request Executor
// (C13) and the Error Classifier (C11) and maintaining the
// RequestCandidate audit trail via dispatch/candidate.Recorder.
//
// Composed with dispatch/executor into the top-level TaskService named
// in spec.md §2's dependency graph.
package failover

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/AoaoMH/Aether/dispatch/candidate"
	"github.com/AoaoMH/Aether/dispatch/classify"
	"github.com/AoaoMH/Aether/dispatch/dispatcherrors"
	"github.com/AoaoMH/Aether/dispatch/executor"
	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/ratelimit"
)

// RetryKind is one of the three RetryPolicy shapes of spec.md §4.12.
type RetryKind string

const (
	RetryDisabled   RetryKind = "disabled"
	RetryOnDemand   RetryKind = "on_demand"
	RetryPreExpand  RetryKind = "pre_expand"
)

// RetryPolicy governs how many times, and by what mechanism, one
// candidate may be retried.
type RetryPolicy struct {
	Kind       RetryKind
	MaxRetries int
}

// EffectiveMaxRetries resolves the Open Question of spec.md §9: when
// both Provider.MaxRetries and RetryPolicy.MaxRetries are set, the
// tighter (smaller) of the two is the effective cap.
func EffectiveMaxRetries(policy RetryPolicy, provider *model.Provider) int {
	effective := policy.MaxRetries
	if provider != nil && provider.MaxRetries != nil && *provider.MaxRetries < effective {
		effective = *provider.MaxRetries
	}
	return effective
}

// SkipFilter is a pre-flight check run before a candidate is attempted
// (spec.md §4.12 step 2): e.g. "auth_type not supported" or "billing
// rule required but missing". Returning a non-empty reason skips the
// candidate without ever calling the executor.
type SkipFilter func(c *model.ProviderCandidate) (reason string, skip bool)

// backoffDelay computes the same exponential-backoff-with-jitter shape
// as the teacher's retry.backoffRetryer.calculateDelay, reimplemented
// here because C12 owns its own retry loop (classifier-driven, not a
// blind retryer) and cannot reuse that unexported method directly.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

// Outcome is what Run returns on success: the winning candidate's index,
// the executor's result, and its execution context.
type Outcome struct {
	CandidateIndex int
	Result         executor.AttemptResult
	ExecCtx        executor.ExecutionContext
}

// Engine is C12.
type Engine struct {
	exec     *executor.Executor
	recorder *candidate.Recorder
	logger   *zap.Logger
}

// New builds an Engine.
func New(exec *executor.Executor, recorder *candidate.Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{exec: exec, recorder: recorder, logger: logger.With(zap.String("component", "failover"))}
}

// Run drives spec.md §4.12's per-candidate attempt loop. states supplies
// the Adaptive RPM state for each candidate's key (keyed by key ID);
// each candidate's IsCached flag decides whether it counts as a cached
// caller in the executor's reservation check.
// extractTaskID resolves an ASYNC_SUBMIT attempt's provider_task_id from
// its raw body; a nil extractor falls back to the result's
// ProviderTaskID field directly (for attempt funcs that already know it).
func (e *Engine) Run(
	ctx context.Context,
	requestID string,
	cands []*model.ProviderCandidate,
	policy RetryPolicy,
	skip SkipFilter,
	states map[uint64]*ratelimit.KeyRateState,
	fn executor.AttemptFunc,
	extractTaskID executor.AsyncTaskIDExtractor,
) (*Outcome, error) {
	if len(cands) == 0 {
		return nil, dispatcherrors.ErrNoEligibleCandidates
	}

	var rows map[model.RequestCandidateKey]*model.RequestCandidate
	maxRetriesPerCandidate := make([]int, len(cands))
	for i, c := range cands {
		maxRetriesPerCandidate[i] = EffectiveMaxRetries(policy, c.Provider)
	}

	if policy.Kind == RetryPreExpand {
		maxSlots := 1
		for _, n := range maxRetriesPerCandidate {
			if n+1 > maxSlots {
				maxSlots = n + 1
			}
		}
		var err error
		rows, err = e.recorder.PreExpand(ctx, requestID, cands, maxSlots)
		if err != nil {
			return nil, err
		}
	} else {
		rows = make(map[model.RequestCandidateKey]*model.RequestCandidate)
	}

	ranAny := false
	var lastStatus int
	attempts := 0

	for ci, c := range cands {
		if c.IsSkipped {
			row, err := e.rowFor(ctx, requestID, ci, 0, c, rows, policy)
			if err != nil {
				return nil, err
			}
			if err := e.recorder.MarkSkipped(ctx, row, c.SkipReason); err != nil {
				return nil, err
			}
			continue
		}

		if skip != nil {
			if reason, skipNow := skip(c); skipNow {
				row, err := e.rowFor(ctx, requestID, ci, 0, c, rows, policy)
				if err != nil {
					return nil, err
				}
				if err := e.recorder.MarkSkipped(ctx, row, reason); err != nil {
					return nil, err
				}
				continue
			}
		}

		maxRetries := maxRetriesPerCandidate[ci]
		retryIdx := 0

		for {
			row, err := e.rowFor(ctx, requestID, ci, retryIdx, c, rows, policy)
			if err != nil {
				return nil, err
			}
			if err := e.recorder.MarkPending(ctx, row); err != nil {
				return nil, err
			}

			ranAny = true
			attempts++

			state := states[c.Key.ID]
			if state == nil {
				state = ratelimit.NewKeyRateState(c.Key, e.logger)
			}

			result, execCtx, attemptErr := e.exec.Attempt(ctx, state, time.Now(), 0, c.IsCached, row.ID, fn, c)

			if attemptErr == nil {
				if streamFailed := e.probeStream(&result); streamFailed != nil {
					// Stream-probe failure always BREAKs to the next
					// candidate (spec.md §4.11/§4.12) — it is never
					// retried on the same candidate.
					if err := e.recorder.MarkFailed(ctx, row, 0, "stream_probe_error", classify.Sanitize(streamFailed.Error())); err != nil {
						return nil, err
					}
					lastStatus = 0
					break
				}

				if errType, taskIDFailed := e.asyncSubmitFailure(result, extractTaskID); taskIDFailed {
					// Empty provider_task_id always BREAKs to the next
					// candidate (spec.md §4.12) — same treatment as a
					// stream-probe failure, never retried in place.
					if err := e.recorder.MarkFailed(ctx, row, result.StatusCode, errType, "upstream returned empty task id"); err != nil {
						return nil, err
					}
					lastStatus = result.StatusCode
					break
				}

				streaming := result.Kind == executor.KindStream
				if err := e.recorder.MarkSuccess(ctx, row, streaming); err != nil {
					return nil, err
				}
				if streaming {
					result.Stream = &streamCompletionIterator{ByteIterator: result.Stream, recorder: e.recorder, row: row, logger: e.logger}
				}
				if policy.Kind == RetryPreExpand {
					if err := e.recorder.MarkRemainingUnused(ctx, rows, model.RequestCandidateKey{CandidateIndex: ci, RetryIndex: retryIdx}); err != nil {
						return nil, err
					}
				}
				return &Outcome{CandidateIndex: ci, Result: result, ExecCtx: execCtx}, nil
			}

			// Attempt failed: classify and decide CONTINUE/BREAK/RAISE.
			if errors.Is(attemptErr, dispatcherrors.ErrConcurrencyLimit) {
				if err := e.recorder.MarkSkipped(ctx, row, "concurrency"); err != nil {
					return nil, err
				}
				break
			}

			statusCode, errType, msg, hasSignature := classifyShapeOf(attemptErr)
			lastStatus = statusCode
			if err := e.recorder.MarkFailed(ctx, row, statusCode, errType, classify.Sanitize(msg)); err != nil {
				return nil, err
			}

			hasRetryLeft := policy.Kind != RetryDisabled && retryIdx < maxRetries
			verdict := classify.Classify(classify.Failure{
				Kind:                 classify.KindHTTPStatus,
				StatusCode:           statusCode,
				ClientErrorSignature: hasSignature,
				HasRetryLeft:         hasRetryLeft,
			})

			switch verdict {
			case classify.VerdictRaise:
				return nil, &dispatcherrors.UpstreamClientRequestError{StatusCode: statusCode, Message: classify.Sanitize(msg)}
			case classify.VerdictContinue:
				retryIdx++
				time.Sleep(backoffDelay(retryIdx, 200*time.Millisecond, 5*time.Second))
				continue
			default: // BREAK
			}
			break
		}
	}

	if !ranAny {
		return nil, dispatcherrors.ErrNoEligibleCandidates
	}
	return nil, &dispatcherrors.AllCandidatesFailedError{LastStatusCode: lastStatus, Attempts: attempts}
}

// rowFor fetches or lazily creates the RequestCandidate row for
// (candidateIndex, retryIndex), depending on the retry policy.
func (e *Engine) rowFor(ctx context.Context, requestID string, candidateIndex, retryIndex int, c *model.ProviderCandidate, rows map[model.RequestCandidateKey]*model.RequestCandidate, policy RetryPolicy) (*model.RequestCandidate, error) {
	key := model.RequestCandidateKey{CandidateIndex: candidateIndex, RetryIndex: retryIndex}
	if row, ok := rows[key]; ok {
		return row, nil
	}

	var row *model.RequestCandidate
	var err error
	if retryIndex == 0 {
		row, err = e.recorder.CreateOneSlot(ctx, requestID, candidateIndex, c)
	} else {
		row, err = e.recorder.CreateRetrySlot(ctx, requestID, candidateIndex, retryIndex, c)
	}
	if err != nil {
		return nil, err
	}
	rows[key] = row
	return row, nil
}

// streamCompletionIterator wraps a probed STREAM result so that, once
// whatever is driving it observes end-of-stream, the RequestCandidate
// row transitions out of StatusStreaming into StatusSuccess (spec.md §3
// invariant 5's "streaming -> success upon stream completion"). A
// non-EOF error mid-body is logged but never triggers failover — the
// caller has already received partial output (spec.md §4.12's
// "Streaming success semantics").
type streamCompletionIterator struct {
	executor.ByteIterator
	recorder *candidate.Recorder
	row      *model.RequestCandidate
	logger   *zap.Logger
	done     bool
}

func (s *streamCompletionIterator) Next() ([]byte, error) {
	chunk, err := s.ByteIterator.Next()
	if err == nil || s.done {
		return chunk, err
	}
	s.done = true
	if errors.Is(err, io.EOF) {
		if mErr := s.recorder.MarkStreamCompleted(context.Background(), s.row); mErr != nil {
			s.logger.Error("mark stream completed failed", zap.Error(mErr))
		}
	} else {
		s.logger.Warn("stream failed mid-body, not re-dispatched", zap.Error(err))
	}
	return chunk, err
}

// probeStream implements spec.md §4.12's STREAM variant check: pull the
// first chunk from result.Stream before returning it to the caller. A
// non-nil return means the iterator raised or yielded nothing before
// any data arrived. On success, result.Stream is replaced with an
// iterator that re-emits the consumed chunk first, so the caller still
// sees an unbroken stream.
func (e *Engine) probeStream(result *executor.AttemptResult) error {
	if result.Kind != executor.KindStream {
		return nil
	}
	wrapped, err := executor.ProbeStream(result.Stream)
	if err != nil {
		return err
	}
	result.Stream = wrapped
	return nil
}

// asyncSubmitFailure implements spec.md §4.12's ASYNC_SUBMIT variant
// check: a non-empty provider_task_id is required, resolved either
// directly from result.ProviderTaskID or, if extract is non-nil, by
// running it over result.Body. taskIDFailed reports whether the attempt
// must be treated as failed; errType is the RequestCandidate error_type
// to record.
func (e *Engine) asyncSubmitFailure(result executor.AttemptResult, extract executor.AsyncTaskIDExtractor) (errType string, taskIDFailed bool) {
	if result.Kind != executor.KindAsyncSubmit {
		return "", false
	}
	taskID := result.ProviderTaskID
	if extract != nil {
		taskID = extract(result.Body)
	}
	if taskID == "" {
		return "empty_task_id", true
	}
	return "", false
}

// classifyShapeOf extracts the fields the classifier needs from an
// ExecutionError without it knowing anything about HTTP semantics
// itself — the attempt func is responsible for encoding status/type
// into the wrapped cause via dispatcherrors.Error.
func classifyShapeOf(err error) (statusCode int, errType, message string, clientErrorSignature bool) {
	cause := err
	if ee, ok := err.(*executor.ExecutionError); ok {
		cause = ee.Cause
	}

	var de *dispatcherrors.Error
	if errors.As(cause, &de) {
		return de.HTTPStatus, string(de.Kind), de.Message, de.Kind == dispatcherrors.KindInvalidRequest
	}
	return 0, "unknown", cause.Error(), false
}
