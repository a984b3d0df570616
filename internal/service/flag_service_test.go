package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talha-yousuf/gatekeep-backend/internal/domain"
	"github.com/talha-yousuf/gatekeep-backend/internal/repository"
)

// memoryBackedRepo is a stub whose list functions serve a mutable in-memory
// flag table, so mutations become visible to cache rebuilds like they would
// against a real store.
func memoryBackedRepo() (*stubFlagRepository, *[]domain.FeatureFlag, *[]domain.TargetedUser) {
	flags := &[]domain.FeatureFlag{}
	targets := &[]domain.TargetedUser{}
	repo := &stubFlagRepository{}
	repo.listFlagsFn = func(context.Context) ([]domain.FeatureFlag, error) {
		return append([]domain.FeatureFlag(nil), *flags...), nil
	}
	repo.listTargetedUsersFn = func(context.Context) ([]domain.TargetedUser, error) {
		return append([]domain.TargetedUser(nil), *targets...), nil
	}
	repo.findFlagByIDFn = func(_ context.Context, id uint) (*domain.FeatureFlag, error) {
		for _, f := range *flags {
			if f.ID == id {
				copied := f
				return &copied, nil
			}
		}
		return nil, repository.ErrFlagNotFound
	}
	repo.createFlagFn = func(_ context.Context, flag *domain.FeatureFlag) error {
		for _, f := range *flags {
			if f.Key == flag.Key {
				return repository.ErrFlagKeyConflict
			}
		}
		flag.ID = uint(len(*flags) + 1)
		*flags = append(*flags, *flag)
		return nil
	}
	repo.addTargetedUserFn = func(_ context.Context, flagID uint, userID string) error {
		for _, t := range *targets {
			if t.FlagID == flagID && t.UserID == userID {
				return nil
			}
		}
		*targets = append(*targets, domain.TargetedUser{FlagID: flagID, UserID: userID})
		return nil
	}
	repo.removeTargetedFn = func(_ context.Context, flagID uint, userID string) error {
		kept := (*targets)[:0]
		for _, t := range *targets {
			if t.FlagID != flagID || t.UserID != userID {
				kept = append(kept, t)
			}
		}
		*targets = kept
		return nil
	}
	return repo, flags, targets
}

func newTestService(t *testing.T, repo *stubFlagRepository) *FlagService {
	t.Helper()
	cache := NewFlagCache(repo, testLogger(), FlagCacheConfig{})
	if err := cache.Rebuild(context.Background()); err != nil {
		t.Fatalf("initial rebuild: %v", err)
	}
	return NewFlagService(repo, cache, NewNoopEvaluationCacheStore(), 0, testLogger())
}

func TestCreateFlagAuditsAndRefreshesCache(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	svc := newTestService(t, repo)

	flag, err := svc.CreateFlag(context.Background(), CreateFlagInput{
		Key:         "  Dark-Mode ",
		Description: "dark ui",
		Enabled:     true,
	}, "admin:alice")
	if err != nil {
		t.Fatalf("create flag: %v", err)
	}
	if flag.Key != "dark-mode" {
		t.Fatalf("key not normalized: %q", flag.Key)
	}

	// The mutating caller must observe its own write on the next read.
	got, err := svc.Evaluate(context.Background(), "dark-mode", "user:42")
	if err != nil {
		t.Fatalf("evaluate after create: %v", err)
	}
	if got {
		t.Fatal("default-off flag evaluated true")
	}

	if len(repo.auditEntries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(repo.auditEntries))
	}
	entry := repo.auditEntries[0]
	if entry.ActorID != "admin:alice" || entry.FlagID != flag.ID {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.BeforeState != nil {
		t.Fatal("creation audit must have no before state")
	}
	if entry.AfterState == nil || entry.AfterState.Key != "dark-mode" || !entry.AfterState.Enabled {
		t.Fatalf("unexpected after state: %+v", entry.AfterState)
	}
}

func TestCreateFlagRejectsBadPercentageWithoutStoreWrite(t *testing.T) {
	repo, flags, _ := memoryBackedRepo()
	svc := newTestService(t, repo)

	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "x", RolloutPercentage: 101}, "a"); !errors.Is(err, ErrInvalidRolloutPercentage) {
		t.Fatalf("expected ErrInvalidRolloutPercentage, got %v", err)
	}
	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "x", RolloutPercentage: -1}, "a"); !errors.Is(err, ErrInvalidRolloutPercentage) {
		t.Fatalf("expected ErrInvalidRolloutPercentage, got %v", err)
	}
	if len(*flags) != 0 {
		t.Fatal("invalid create reached the store")
	}
}

func TestCreateFlagConflictSurfaces(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	svc := newTestService(t, repo)

	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "dup"}, "a"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "dup"}, "a"); !errors.Is(err, repository.ErrFlagKeyConflict) {
		t.Fatalf("expected ErrFlagKeyConflict, got %v", err)
	}
}

func TestUpdateFlagPartialSemantics(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	var captured map[string]any
	repo.updateFlagFieldsFn = func(_ context.Context, id uint, fields map[string]any) (*domain.FeatureFlag, error) {
		captured = fields
		return &domain.FeatureFlag{ID: id, Key: "dark-mode", Description: "new words", Enabled: true, RolloutPercentage: 25}, nil
	}
	svc := newTestService(t, repo)
	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "dark-mode", Enabled: true, RolloutPercentage: 25}, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}

	desc := "new words"
	updated, err := svc.UpdateFlag(context.Background(), 1, UpdateFlagInput{Description: &desc}, "admin:bob")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(captured) != 1 {
		t.Fatalf("expected only description in update, got %v", captured)
	}
	if captured["description"] != "new words" {
		t.Fatalf("unexpected fields: %v", captured)
	}
	if updated.Description != "new words" {
		t.Fatalf("unexpected updated flag: %+v", updated)
	}

	// Description-only update: before/after agree on everything else.
	if len(repo.auditEntries) != 2 {
		t.Fatalf("expected create+update audits, got %d", len(repo.auditEntries))
	}
	entry := repo.auditEntries[1]
	if entry.BeforeState == nil || entry.AfterState == nil {
		t.Fatalf("update audit missing states: %+v", entry)
	}
	if entry.BeforeState.Enabled != entry.AfterState.Enabled ||
		entry.BeforeState.DefaultValue != entry.AfterState.DefaultValue ||
		entry.BeforeState.RolloutPercentage != entry.AfterState.RolloutPercentage {
		t.Fatalf("non-description fields drifted: before=%+v after=%+v", entry.BeforeState, entry.AfterState)
	}
	if entry.BeforeState.Description == entry.AfterState.Description {
		t.Fatal("description did not change in audit states")
	}
}

func TestUpdateFlagNoFieldsIsNoop(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	svc := newTestService(t, repo)
	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "noop"}, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	audits := len(repo.auditEntries)
	if _, err := svc.UpdateFlag(context.Background(), 1, UpdateFlagInput{}, "a"); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	if len(repo.auditEntries) != audits {
		t.Fatal("empty update produced an audit entry")
	}
}

func TestUpdateFlagNotFound(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	svc := newTestService(t, repo)
	enabled := true
	if _, err := svc.UpdateFlag(context.Background(), 99, UpdateFlagInput{Enabled: &enabled}, "a"); !errors.Is(err, repository.ErrFlagNotFound) {
		t.Fatalf("expected ErrFlagNotFound, got %v", err)
	}
}

func TestDeleteFlagAuditsWithAbsentAfterState(t *testing.T) {
	repo, flags, _ := memoryBackedRepo()
	repo.deleteFlagFn = func(_ context.Context, id uint) error {
		kept := (*flags)[:0]
		found := false
		for _, f := range *flags {
			if f.ID == id {
				found = true
				continue
			}
			kept = append(kept, f)
		}
		if !found {
			return repository.ErrFlagNotFound
		}
		*flags = kept
		return nil
	}
	svc := newTestService(t, repo)
	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "doomed", Enabled: true, DefaultValue: true}, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.DeleteFlag(context.Background(), 1, "admin:carol"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entry := repo.auditEntries[len(repo.auditEntries)-1]
	if entry.AfterState != nil {
		t.Fatal("deletion audit must have no after state")
	}
	if entry.BeforeState == nil || entry.BeforeState.Key != "doomed" {
		t.Fatalf("unexpected before state: %+v", entry.BeforeState)
	}

	// Deleted flag follows the not-found policy (default fallback: false, no error).
	got, err := svc.Evaluate(context.Background(), "doomed", "user:42")
	if err != nil {
		t.Fatalf("evaluate after delete: %v", err)
	}
	if got {
		t.Fatal("deleted flag evaluated true under fallback policy")
	}

	if err := svc.DeleteFlag(context.Background(), 1, "admin:carol"); !errors.Is(err, repository.ErrFlagNotFound) {
		t.Fatalf("expected ErrFlagNotFound on double delete, got %v", err)
	}
}

func TestTargetingMutationsRefreshButDoNotAudit(t *testing.T) {
	repo, _, targets := memoryBackedRepo()
	svc := newTestService(t, repo)
	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "dark-mode", Enabled: true}, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	audits := len(repo.auditEntries)

	// Targeting takes the acting principal like every other mutation, yet
	// must leave the audit trail untouched.
	if err := svc.AddTargetedUser(context.Background(), 1, "user:42", "admin:bob"); err != nil {
		t.Fatalf("add target: %v", err)
	}
	if got, _ := svc.Evaluate(context.Background(), "dark-mode", "user:42"); !got {
		t.Fatal("targeted user not visible on next evaluation")
	}
	if got, _ := svc.Evaluate(context.Background(), "dark-mode", "user:99"); got {
		t.Fatal("non-targeted user evaluated true")
	}

	// Adding the same user again is a no-op, removal of a non-member too.
	if err := svc.AddTargetedUser(context.Background(), 1, "user:42", "admin:bob"); err != nil {
		t.Fatalf("re-add target: %v", err)
	}
	if len(*targets) != 1 {
		t.Fatalf("expected 1 target row, got %d", len(*targets))
	}
	if err := svc.RemoveTargetedUser(context.Background(), 1, "user:nobody", "admin:bob"); err != nil {
		t.Fatalf("remove non-member: %v", err)
	}
	if err := svc.RemoveTargetedUser(context.Background(), 1, "user:42", "admin:bob"); err != nil {
		t.Fatalf("remove target: %v", err)
	}
	if got, _ := svc.Evaluate(context.Background(), "dark-mode", "user:42"); got {
		t.Fatal("removed user still evaluates true")
	}

	if len(repo.auditEntries) != audits {
		t.Fatalf("targeting mutations produced audit entries: %d -> %d", audits, len(repo.auditEntries))
	}

	if err := svc.AddTargetedUser(context.Background(), 99, "user:42", "admin:bob"); !errors.Is(err, repository.ErrFlagNotFound) {
		t.Fatalf("expected ErrFlagNotFound for unknown flag, got %v", err)
	}
	if err := svc.AddTargetedUser(context.Background(), 1, "  ", "admin:bob"); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestAuditAppendFailureDoesNotFailMutation(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	repo.createAuditLogFn = func(context.Context, *domain.AuditLog) error {
		return errors.New("audit table down")
	}
	svc := newTestService(t, repo)

	flag, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "still-works", Enabled: true, DefaultValue: true}, "a")
	if err != nil {
		t.Fatalf("create must survive audit failure: %v", err)
	}
	if got, _ := svc.Evaluate(context.Background(), flag.Key, "user:42"); !got {
		t.Fatal("mutation not visible despite committed store write")
	}
}

func TestEvaluateAllUsesResultCache(t *testing.T) {
	repo, flags, _ := memoryBackedRepo()
	repo.updateFlagFieldsFn = func(_ context.Context, id uint, fields map[string]any) (*domain.FeatureFlag, error) {
		for i := range *flags {
			if (*flags)[i].ID == id {
				if v, ok := fields["enabled"].(bool); ok {
					(*flags)[i].Enabled = v
				}
				copied := (*flags)[i]
				return &copied, nil
			}
		}
		return nil, repository.ErrFlagNotFound
	}
	cache := NewFlagCache(repo, testLogger(), FlagCacheConfig{})
	if err := cache.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	svc := NewFlagService(repo, cache, NewInMemoryEvaluationCacheStore(), time.Minute, testLogger())

	if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: "cached", Enabled: true, DefaultValue: true}, "a"); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := svc.EvaluateAll(context.Background(), "user:42")
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if !first["cached"] {
		t.Fatalf("unexpected results: %+v", first)
	}

	// An out-of-band store edit without invalidation is masked by the TTL cache.
	(*flags)[0].Enabled = false
	cache.Refresh(context.Background())
	second, err := svc.EvaluateAll(context.Background(), "user:42")
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if !second["cached"] {
		t.Fatal("expected cached result within TTL")
	}

	// A mutation through the coordinator invalidates the result cache.
	enabled := false
	if _, err := svc.UpdateFlag(context.Background(), 1, UpdateFlagInput{Enabled: &enabled}, "a"); err != nil {
		t.Fatalf("update: %v", err)
	}
	third, err := svc.EvaluateAll(context.Background(), "user:42")
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if third["cached"] {
		t.Fatal("stale result served after mutation invalidation")
	}
}

func TestListFlagsServesFromSnapshot(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	svc := newTestService(t, repo)
	for _, key := range []string{"b-flag", "a-flag", "c-flag"} {
		if _, err := svc.CreateFlag(context.Background(), CreateFlagInput{Key: key}, "a"); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}
	listed := svc.ListFlags(context.Background())
	if len(listed) != 3 {
		t.Fatalf("expected 3 flags, got %d", len(listed))
	}
	if listed[0].Key != "a-flag" || listed[1].Key != "b-flag" || listed[2].Key != "c-flag" {
		t.Fatalf("flags not sorted by key: %v", []string{listed[0].Key, listed[1].Key, listed[2].Key})
	}
}

func TestGetAuditLogsDefaultsLimit(t *testing.T) {
	repo, _, _ := memoryBackedRepo()
	var gotLimit int
	repo.listAuditLogsFn = func(_ context.Context, flagID uint, limit int) ([]domain.AuditLog, error) {
		gotLimit = limit
		return nil, nil
	}
	svc := newTestService(t, repo)
	if _, err := svc.GetAuditLogs(context.Background(), 1, 0); err != nil {
		t.Fatalf("get audit logs: %v", err)
	}
	if gotLimit != defaultAuditLimit {
		t.Fatalf("expected default limit %d, got %d", defaultAuditLimit, gotLimit)
	}
}
