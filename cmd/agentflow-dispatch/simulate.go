package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/AoaoMH/Aether/dispatch/candidate"
	"github.com/AoaoMH/Aether/dispatch/executor"
	"github.com/AoaoMH/Aether/dispatch/failover"
	"github.com/AoaoMH/Aether/dispatch/model"
	"github.com/AoaoMH/Aether/dispatch/ratelimit"
	"github.com/AoaoMH/Aether/dispatch/restrictions"
	"github.com/AoaoMH/Aether/internal/ctxkeys"
)

var (
	simulateModel        string
	simulateClientFormat string
	simulateAPIKeyID     uint64
)

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one end-to-end candidate resolution + failover attempt against seeded data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate()
		},
	}
	cmd.Flags().StringVar(&simulateModel, "model", "", "Requested model name (required)")
	cmd.Flags().StringVar(&simulateClientFormat, "client-format", "openai", "Client wire format")
	cmd.Flags().Uint64Var(&simulateAPIKeyID, "api-key-id", 0, "dispatch_api_keys.id to resolve restrictions for (0 = unrestricted)")
	cmd.MarkFlagRequired("model")
	return cmd
}

// runSimulate exercises CandidateService.Resolve -> Engine.Run once
// end-to-end, the way the admin/public REST surface spec.md §1 excludes
// from this core would if it existed. No upstream HTTP call is made;
// the AttemptFunc reports what it would have sent.
func runSimulate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	dbPool, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbPool.Close()
	db := dbPool.DB()

	cacheMgr, err := newCacheManager(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}

	a, err := buildApp(cfg, db, cacheMgr, logger)
	if err != nil {
		return err
	}

	eff := restrictions.Effective{}
	if simulateAPIKeyID != 0 {
		var key model.ApiKey
		var owner model.User
		if err := db.First(&key, simulateAPIKeyID).Error; err != nil {
			return fmt.Errorf("load api key %d: %w", simulateAPIKeyID, err)
		}
		if err := db.First(&owner, key.UserID).Error; err != nil {
			return fmt.Errorf("load owning user: %w", err)
		}
		eff = restrictions.Resolve(key, owner)
	}

	req := candidate.Request{
		ClientFormat:            simulateClientFormat,
		ModelName:               simulateModel,
		Restrictions:            eff,
		PriorityMode:            candidate.PriorityMode(cfg.Dispatch.PriorityMode),
		SchedulingMode:          candidate.SchedulingMode(cfg.Dispatch.SchedulingMode),
		GlobalConversionEnabled: cfg.Dispatch.GlobalConversionEnabled,
		RandomSeed:              1,
	}

	requestID := uuid.NewString()
	ctx := ctxkeys.WithRequestID(context.Background(), requestID)
	cands, err := a.resolver.Resolve(ctx, req, nil)
	if err != nil {
		return fmt.Errorf("resolve candidates: %w", err)
	}
	fmt.Printf("resolved %d candidate(s) for model %q\n", len(cands), simulateModel)
	for i, c := range cands {
		fmt.Printf("  [%d] provider=%d endpoint=%d key=%d skipped=%v cached=%v\n",
			i, c.Provider.ID, c.Endpoint.ID, c.Key.ID, c.IsSkipped, c.IsCached)
	}

	policy := failover.RetryPolicy{Kind: failover.RetryKind(cfg.Dispatch.RetryKind), MaxRetries: cfg.Dispatch.MaxRetries}
	states := make(map[uint64]*ratelimit.KeyRateState)
	for _, c := range cands {
		states[c.Key.ID] = ratelimit.NewKeyRateState(c.Key, logger)
	}

	attempt := func(ctx context.Context, c *model.ProviderCandidate) (executor.AttemptResult, error) {
		adp, ok := a.registry.Get(c.Provider.Type)
		if !ok {
			return executor.AttemptResult{}, fmt.Errorf("no adapter registered for provider type %q", c.Provider.Type)
		}
		url, err := adp.BuildURL(c.Endpoint, false, nil)
		if err != nil {
			return executor.AttemptResult{}, err
		}
		logger.Info("simulated upstream call", zap.String("url", url))
		return executor.AttemptResult{Kind: executor.KindSyncResponse, StatusCode: 200}, nil
	}

	outcome, err := a.engine.Run(ctx, requestID, cands, policy, nil, states, attempt, nil)
	if err != nil {
		return fmt.Errorf("failover run: %w", err)
	}
	fmt.Printf("winning candidate index=%d status=%d\n", outcome.CandidateIndex, outcome.Result.StatusCode)
	return nil
}
