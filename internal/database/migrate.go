package database

import (
	"gorm.io/gorm"

	"github.com/talha-yousuf/gatekeep-backend/internal/domain"
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.FeatureFlag{},
		&domain.TargetedUser{},
		&domain.AuditLog{},
	)
}
