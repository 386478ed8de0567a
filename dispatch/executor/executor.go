// Package executor implements the Request Executor (C13): the
// per-attempt wrapper that consults the Adaptive RPM Manager (C7) and
// Adaptive Reservation Manager (C8), enters the Concurrency Guard (C9),
// invokes the provider adapter, and reports the outcome back to C7.
//
// Per-(provider, key) circuit breaking adapts the teacher's
// llm/circuitbreaker package — kept in the workspace and wired here
// rather than in the deleted llm/resilient_provider.go, since that file
// coupled circuit-breaking to the Completion/Stream chat interface this
// module replaces.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/ratelimit"
	"github.com/AoaoMH/Aether/llm/circuitbreaker"
)

var tracer = otel.Tracer("github.com/AoaoMH/Aether/dispatch/executor")

// AttemptKind distinguishes the three AttemptResult variants of
// spec.md §4.12.
type AttemptKind string

const (
	KindSyncResponse AttemptKind = "sync_response"
	KindStream       AttemptKind = "stream"
	KindAsyncSubmit  AttemptKind = "async_submit"
)

// ByteIterator is the STREAM variant's chunked body source: each Next
// call returns the next chunk, or an error (io.EOF included) once the
// stream is exhausted or fails.
type ByteIterator interface {
	Next() ([]byte, error)
}

// AttemptResult is what one invocation of the provider adapter returns.
type AttemptResult struct {
	Kind       AttemptKind
	StatusCode int
	Body       []byte
	Headers    map[string][]string

	// Stream is the STREAM variant's unconsumed iterator. The engine
	// probes it for a first chunk via ProbeStream before handing a
	// (possibly wrapped) iterator back to the caller.
	Stream ByteIterator

	// ProviderTaskID is the ASYNC_SUBMIT variant's upstream task id,
	// when the attempt func already knows it. Callers whose task id
	// lives inside the raw response body instead should populate Body
	// and pass an AsyncTaskIDExtractor to the engine.
	ProviderTaskID string
}

// AttemptFunc performs one upstream call for a candidate. Callers supply
// this; the executor only wraps it with rate-limit/guard/timing/tracing.
type AttemptFunc func(ctx context.Context, c *model.ProviderCandidate) (AttemptResult, error)

// AsyncTaskIDExtractor pulls the upstream task id out of an ASYNC_SUBMIT
// attempt's raw body, mirroring the original implementation's
// extract_external_task_id callback. Returns "" if the id is absent —
// spec.md §4.12 treats that as a failed attempt.
type AsyncTaskIDExtractor func(body []byte) string

// peekedIterator re-emits an already-consumed chunk in front of the
// iterator it wraps, so ProbeStream's caller still sees the exact byte
// sequence the underlying stream produced.
type peekedIterator struct {
	first     []byte
	delivered bool
	rest      ByteIterator
}

func (p *peekedIterator) Next() ([]byte, error) {
	if !p.delivered {
		p.delivered = true
		return p.first, nil
	}
	return p.rest.Next()
}

// ProbeStream implements spec.md §4.12's STREAM verification: pull the
// first byte from it before returning to the caller (spec.md §9's
// Design Notes). An iterator may yield an empty-but-not-terminal chunk;
// that is not the same as "yielded nothing", so draining continues
// until either real data or an error (io.EOF included) arrives. On
// success, the returned iterator re-emits the consumed chunk first so
// the caller owns an unbroken stream.
func ProbeStream(it ByteIterator) (ByteIterator, error) {
	if it == nil {
		return nil, errors.New("executor: stream attempt returned no iterator")
	}
	for {
		chunk, err := it.Next()
		if err != nil {
			return nil, err
		}
		if len(chunk) > 0 {
			return &peekedIterator{first: chunk, rest: it}, nil
		}
	}
}

// ExecutionContext is the per-attempt telemetry bundle spec.md §4.13
// step 5 describes, attached to a successful attempt.
type ExecutionContext struct {
	CandidateID        uint64
	ProviderID         uint64
	EndpointID         uint64
	KeyID              uint64
	IsCachedUser       bool
	ElapsedMS          int64
	ConcurrentRequests int
	RPMLimit           *int
	ReservationRatio   float64
	Phase              ratelimit.Phase
	Confidence         float64
	LoadFactor         float64
}

// ExecutionError wraps an attempt failure with its ExecutionContext, per
// spec.md §4.13 step 6.
type ExecutionError struct {
	Cause   error
	Context ExecutionContext
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("dispatch: execution failed for key %d: %v", e.Context.KeyID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Executor is C13.
type Executor struct {
	guard  *ratelimit.Guard
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[uint64]circuitbreaker.CircuitBreaker
}

// New builds an Executor bound to the RPM Guard (C9). A nil logger falls
// back to zap.NewNop().
func New(guard *ratelimit.Guard, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		guard:    guard,
		logger:   logger.With(zap.String("component", "executor")),
		breakers: make(map[uint64]circuitbreaker.CircuitBreaker),
	}
}

func (e *Executor) breakerFor(keyID uint64) circuitbreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[keyID]
	if !ok {
		b = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), e.logger)
		e.breakers[keyID] = b
	}
	return b
}

// Attempt runs spec.md §4.13's full per-attempt sequence for one
// candidate: effective-limit/reservation lookup, guard acquisition,
// circuit-breaker-wrapped invocation of fn, and C7 success feedback.
func (e *Executor) Attempt(ctx context.Context, state *ratelimit.KeyRateState, now time.Time, concurrentRequests int, isCachedUser bool, candidateID uint64, fn AttemptFunc, cand *model.ProviderCandidate) (AttemptResult, ExecutionContext, error) {
	ctx, span := tracer.Start(ctx, "dispatch.executor.attempt",
		trace.WithAttributes(
			attribute.Int64("dispatch.key_id", int64(cand.Key.ID)),
			attribute.Int64("dispatch.provider_id", int64(cand.Provider.ID)),
		))
	defer span.End()

	effLimit := state.EffectiveLimit(now)
	confidence := state.GetConfidence(now)
	usage, _ := e.guard.CurrentCount(ctx, cand.Key.ID, now)
	var limitVal int
	if effLimit != nil {
		limitVal = *effLimit
	}
	res := ratelimit.ComputeReservation(confidence, usage, limitVal)

	execCtx := ExecutionContext{
		CandidateID:        candidateID,
		ProviderID:         cand.Provider.ID,
		EndpointID:         cand.Endpoint.ID,
		KeyID:              cand.Key.ID,
		IsCachedUser:       isCachedUser,
		ConcurrentRequests: concurrentRequests,
		RPMLimit:           effLimit,
		ReservationRatio:   res.Ratio,
		Phase:              res.Phase,
		Confidence:         res.Confidence,
		LoadFactor:         res.LoadFactor,
	}

	if err := e.guard.Acquire(ctx, cand.Key.ID, now, effLimit, res, isCachedUser); err != nil {
		span.RecordError(err)
		return AttemptResult{}, execCtx, err // dispatcherrors.ErrConcurrencyLimit; engine marks skipped("concurrency")
	}

	start := time.Now()
	breaker := e.breakerFor(cand.Key.ID)
	resultAny, err := breaker.CallWithResult(ctx, func() (any, error) {
		return fn(ctx, cand)
	})
	execCtx.ElapsedMS = time.Since(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		return AttemptResult{}, execCtx, &ExecutionError{Cause: err, Context: execCtx}
	}

	result := resultAny.(AttemptResult)
	state.HandleSuccess(now, usage+1)
	return result, execCtx, nil
}
