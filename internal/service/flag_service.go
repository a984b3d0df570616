package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/talha-yousuf/gatekeep-backend/internal/domain"
	"github.com/talha-yousuf/gatekeep-backend/internal/repository"
)

var (
	ErrInvalidRolloutPercentage = errors.New("rollout percentage must be between 0 and 100")
	ErrEmptyUserID              = errors.New("user id must not be empty")
)

const defaultAuditLimit = 50

type CreateFlagInput struct {
	Key               string
	Description       string
	Enabled           bool
	DefaultValue      bool
	RolloutPercentage int
}

// UpdateFlagInput carries partial-update semantics: nil fields retain their
// prior value. The key is immutable and cannot appear here.
type UpdateFlagInput struct {
	Description       *string
	Enabled           *bool
	DefaultValue      *bool
	RolloutPercentage *int
}

// FlagService coordinates mutations (write store, rebuild cache, append
// audit) and serves evaluation from the cache. Evaluation never touches the
// store synchronously. Targeting mutations rebuild the cache but are not
// audited; only flag field mutations produce audit rows.
type FlagService struct {
	repo      repository.FlagRepository
	cache     *FlagCache
	evalCache EvaluationCacheStore
	evalTTL   time.Duration
	logger    *slog.Logger
}

func NewFlagService(repo repository.FlagRepository, cache *FlagCache, evalCache EvaluationCacheStore, evalTTL time.Duration, logger *slog.Logger) *FlagService {
	return &FlagService{repo: repo, cache: cache, evalCache: evalCache, evalTTL: evalTTL, logger: logger}
}

func (s *FlagService) CreateFlag(ctx context.Context, in CreateFlagInput, actorID string) (*domain.FeatureFlag, error) {
	if in.RolloutPercentage < 0 || in.RolloutPercentage > 100 {
		return nil, ErrInvalidRolloutPercentage
	}
	flag := &domain.FeatureFlag{
		Key:               NormalizeKey(in.Key),
		Description:       strings.TrimSpace(in.Description),
		Enabled:           in.Enabled,
		DefaultValue:      in.DefaultValue,
		RolloutPercentage: in.RolloutPercentage,
	}
	if err := s.repo.CreateFlag(ctx, flag); err != nil {
		return nil, err
	}
	s.afterFlagMutation(ctx, flag.ID, actorID, nil, flag.State())
	return flag, nil
}

func (s *FlagService) UpdateFlag(ctx context.Context, id uint, in UpdateFlagInput, actorID string) (*domain.FeatureFlag, error) {
	if in.RolloutPercentage != nil && (*in.RolloutPercentage < 0 || *in.RolloutPercentage > 100) {
		return nil, ErrInvalidRolloutPercentage
	}
	current, err := s.repo.FindFlagByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := current.State()

	fields := map[string]any{}
	if in.Description != nil {
		fields["description"] = strings.TrimSpace(*in.Description)
	}
	if in.Enabled != nil {
		fields["enabled"] = *in.Enabled
	}
	if in.DefaultValue != nil {
		fields["default_value"] = *in.DefaultValue
	}
	if in.RolloutPercentage != nil {
		fields["rollout_percentage"] = *in.RolloutPercentage
	}
	if len(fields) == 0 {
		return current, nil
	}

	updated, err := s.repo.UpdateFlagFields(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	s.afterFlagMutation(ctx, id, actorID, before, updated.State())
	return updated, nil
}

func (s *FlagService) DeleteFlag(ctx context.Context, id uint, actorID string) error {
	current, err := s.repo.FindFlagByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteFlag(ctx, id); err != nil {
		return err
	}
	s.afterFlagMutation(ctx, id, actorID, current.State(), nil)
	return nil
}

// AddTargetedUser takes the acting principal like every other mutation, but
// targeting membership is not audited; the actor appears in logs only.
func (s *FlagService) AddTargetedUser(ctx context.Context, flagID uint, userID, actorID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}
	if _, err := s.repo.FindFlagByID(ctx, flagID); err != nil {
		return err
	}
	if err := s.repo.AddTargetedUser(ctx, flagID, userID); err != nil {
		return err
	}
	s.afterTargetingMutation(ctx, flagID, userID, actorID)
	return nil
}

// RemoveTargetedUser is idempotent: removing a non-member is not an error.
func (s *FlagService) RemoveTargetedUser(ctx context.Context, flagID uint, userID, actorID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}
	if _, err := s.repo.FindFlagByID(ctx, flagID); err != nil {
		return err
	}
	if err := s.repo.RemoveTargetedUser(ctx, flagID, userID); err != nil {
		return err
	}
	s.afterTargetingMutation(ctx, flagID, userID, actorID)
	return nil
}

// Evaluate answers "is this flag on for this user" from the current
// snapshot. An unknown key follows the cache's not-found policy.
func (s *FlagService) Evaluate(ctx context.Context, key, userID string) (bool, error) {
	flag, err := s.cache.GetByKey(NormalizeKey(key))
	if err != nil {
		return false, err
	}
	return EvaluateFlag(flag, userID), nil
}

// EvaluateAll decides every flag for one user, read-through the evaluation
// result cache when one is configured.
func (s *FlagService) EvaluateAll(ctx context.Context, userID string) (map[string]bool, error) {
	cacheKey := evalCacheKey(userID)
	payload, ok, err := s.evalCache.Get(ctx, cacheKey)
	if err != nil {
		s.logger.Warn("evaluation cache read failed", "error", err)
	} else if ok {
		var cached map[string]bool
		if json.Unmarshal(payload, &cached) == nil {
			return cached, nil
		}
	}

	results := s.cache.Current().EvaluateAll(userID)
	if encoded, err := json.Marshal(results); err == nil {
		if err := s.evalCache.Set(ctx, cacheKey, encoded, s.evalTTL); err != nil {
			s.logger.Warn("evaluation cache write failed", "error", err)
		}
	}
	return results, nil
}

// ListFlags serves the flag listing from the current snapshot, not the store.
func (s *FlagService) ListFlags(ctx context.Context) []*CachedFlag {
	return s.cache.Current().Flags()
}

func (s *FlagService) GetAuditLogs(ctx context.Context, flagID uint, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	return s.repo.ListAuditLogs(ctx, flagID, limit)
}

// afterFlagMutation runs the post-write steps of a flag field mutation: the
// synchronous cache rebuild (so the mutating caller observes its own write on
// the next evaluation), then the best-effort audit append. A failed audit
// append is logged and never rolls back the committed mutation.
func (s *FlagService) afterFlagMutation(ctx context.Context, flagID uint, actorID string, before, after *domain.FlagState) {
	s.cache.Refresh(ctx)
	entry := &domain.AuditLog{FlagID: flagID, ActorID: actorID, BeforeState: before, AfterState: after}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Error("audit append failed", "flag_id", flagID, "actor_id", actorID, "error", err)
	}
	if err := s.evalCache.InvalidateAll(ctx); err != nil {
		s.logger.Warn("evaluation cache invalidation failed", "error", err)
	}
}

func (s *FlagService) afterTargetingMutation(ctx context.Context, flagID uint, userID, actorID string) {
	s.cache.Refresh(ctx)
	s.logger.Debug("targeting mutation applied", "flag_id", flagID, "user_id", userID, "actor_id", actorID)
	if err := s.evalCache.InvalidateUser(ctx, userID); err != nil {
		s.logger.Warn("evaluation cache invalidation failed", "user_id", userID, "error", err)
	}
}

// NormalizeKey lowercases and trims a flag key; keys are stored normalized.
func NormalizeKey(key string) string {
	return strings.TrimSpace(strings.ToLower(key))
}
