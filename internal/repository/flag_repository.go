package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/talha-yousuf/gatekeep-backend/internal/domain"
	"github.com/talha-yousuf/gatekeep-backend/internal/observability"
)

var (
	ErrFlagNotFound    = errors.New("feature flag not found")
	ErrFlagKeyConflict = errors.New("feature flag key already exists")
)

// FlagRepository is the durable store gateway for flag definitions, targeted
// user rows and audit entries. Row shapes are mapped to domain structs here
// and never carried further as loose maps.
type FlagRepository interface {
	ListFlags(ctx context.Context) ([]domain.FeatureFlag, error)
	ListTargetedUsers(ctx context.Context) ([]domain.TargetedUser, error)
	FindFlagByID(ctx context.Context, id uint) (*domain.FeatureFlag, error)
	CreateFlag(ctx context.Context, flag *domain.FeatureFlag) error
	UpdateFlagFields(ctx context.Context, id uint, fields map[string]any) (*domain.FeatureFlag, error)
	DeleteFlag(ctx context.Context, id uint) error
	AddTargetedUser(ctx context.Context, flagID uint, userID string) error
	RemoveTargetedUser(ctx context.Context, flagID uint, userID string) error
	CreateAuditLog(ctx context.Context, entry *domain.AuditLog) error
	ListAuditLogs(ctx context.Context, flagID uint, limit int) ([]domain.AuditLog, error)
}

type GormFlagRepository struct{ db *gorm.DB }

func NewFlagRepository(db *gorm.DB) FlagRepository {
	return &GormFlagRepository{db: db}
}

func (r *GormFlagRepository) ListFlags(ctx context.Context) ([]domain.FeatureFlag, error) {
	var flags []domain.FeatureFlag
	if err := r.db.WithContext(ctx).Order("key asc").Find(&flags).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "feature_flag", "list", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "feature_flag", "list", "success")
	return flags, nil
}

func (r *GormFlagRepository) ListTargetedUsers(ctx context.Context) ([]domain.TargetedUser, error) {
	var targets []domain.TargetedUser
	if err := r.db.WithContext(ctx).Find(&targets).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "targeted_user", "list", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "targeted_user", "list", "success")
	return targets, nil
}

func (r *GormFlagRepository) FindFlagByID(ctx context.Context, id uint) (*domain.FeatureFlag, error) {
	var flag domain.FeatureFlag
	err := r.db.WithContext(ctx).First(&flag, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "feature_flag", "find_by_id", "not_found")
			return nil, ErrFlagNotFound
		}
		observability.RecordRepositoryOperation(ctx, "feature_flag", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "feature_flag", "find_by_id", "success")
	return &flag, nil
}

func (r *GormFlagRepository) CreateFlag(ctx context.Context, flag *domain.FeatureFlag) error {
	if err := r.db.WithContext(ctx).Create(flag).Error; err != nil {
		if isDuplicateKeyError(err) {
			observability.RecordRepositoryOperation(ctx, "feature_flag", "create", "conflict")
			return ErrFlagKeyConflict
		}
		observability.RecordRepositoryOperation(ctx, "feature_flag", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "feature_flag", "create", "success")
	return nil
}

func (r *GormFlagRepository) UpdateFlagFields(ctx context.Context, id uint, fields map[string]any) (*domain.FeatureFlag, error) {
	res := r.db.WithContext(ctx).Model(&domain.FeatureFlag{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "feature_flag", "update", "error")
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "feature_flag", "update", "not_found")
		return nil, ErrFlagNotFound
	}
	var flag domain.FeatureFlag
	if err := r.db.WithContext(ctx).First(&flag, id).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "feature_flag", "update", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "feature_flag", "update", "success")
	return &flag, nil
}

// DeleteFlag removes the flag and its targeted-user rows in one transaction
// so sqlite behaves the same as postgres regardless of FK enforcement.
func (r *GormFlagRepository) DeleteFlag(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&domain.FeatureFlag{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrFlagNotFound
		}
		return tx.Where("flag_id = ?", id).Delete(&domain.TargetedUser{}).Error
	})
	if err != nil {
		if errors.Is(err, ErrFlagNotFound) {
			observability.RecordRepositoryOperation(ctx, "feature_flag", "delete", "not_found")
			return ErrFlagNotFound
		}
		observability.RecordRepositoryOperation(ctx, "feature_flag", "delete", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "feature_flag", "delete", "success")
	return nil
}

func (r *GormFlagRepository) AddTargetedUser(ctx context.Context, flagID uint, userID string) error {
	target := domain.TargetedUser{FlagID: flagID, UserID: userID}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&target).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "targeted_user", "add", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "targeted_user", "add", "success")
	return nil
}

func (r *GormFlagRepository) RemoveTargetedUser(ctx context.Context, flagID uint, userID string) error {
	err := r.db.WithContext(ctx).
		Where("flag_id = ? AND user_id = ?", flagID, userID).
		Delete(&domain.TargetedUser{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "targeted_user", "remove", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "targeted_user", "remove", "success")
	return nil
}

func (r *GormFlagRepository) CreateAuditLog(ctx context.Context, entry *domain.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "audit_log", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "audit_log", "create", "success")
	return nil
}

func (r *GormFlagRepository) ListAuditLogs(ctx context.Context, flagID uint, limit int) ([]domain.AuditLog, error) {
	var entries []domain.AuditLog
	err := r.db.WithContext(ctx).
		Where("flag_id = ?", flagID).
		Order("created_at desc").Order("id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "audit_log", "list", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "audit_log", "list", "success")
	return entries, nil
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
