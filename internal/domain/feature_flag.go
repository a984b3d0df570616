package domain

import "time"

// FeatureFlag is a named boolean capability switch. Key is the external
// lookup identity and is immutable after creation; Enabled is the master
// kill switch that overrides targeting and rollout.
type FeatureFlag struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	Key               string         `gorm:"uniqueIndex;size:128;not null" json:"key"`
	Description       string         `gorm:"size:512" json:"description"`
	Enabled           bool           `gorm:"not null;default:false" json:"enabled"`
	DefaultValue      bool           `gorm:"not null;default:false" json:"default_value"`
	RolloutPercentage int            `gorm:"not null;default:0" json:"rollout_percentage"`
	TargetedUsers     []TargetedUser `gorm:"foreignKey:FlagID;constraint:OnDelete:CASCADE" json:"targeted_users,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TargetedUser opts a user identifier unconditionally into a flag,
// bypassing the rollout percentage but not the kill switch.
type TargetedUser struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	FlagID    uint      `gorm:"not null;index;uniqueIndex:idx_targeted_flag_user" json:"flag_id"`
	UserID    string    `gorm:"size:255;not null;uniqueIndex:idx_targeted_flag_user" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FlagState is the audited subset of FeatureFlag fields.
type FlagState struct {
	Key               string `json:"key"`
	Description       string `json:"description"`
	Enabled           bool   `json:"enabled"`
	DefaultValue      bool   `json:"default_value"`
	RolloutPercentage int    `json:"rollout_percentage"`
}

// AuditLog records a flag's state before and after a mutation. BeforeState is
// nil for creation, AfterState is nil for deletion. Rows reference flags by id
// without a foreign key constraint so history survives flag deletion.
type AuditLog struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	FlagID      uint       `gorm:"not null;index" json:"flag_id"`
	ActorID     string     `gorm:"size:255;not null" json:"actor_id"`
	BeforeState *FlagState `gorm:"serializer:json" json:"before_state"`
	AfterState  *FlagState `gorm:"serializer:json" json:"after_state"`
	CreatedAt   time.Time  `json:"created_at"`
}

// State captures the flag's auditable fields at this moment.
func (f *FeatureFlag) State() *FlagState {
	return &FlagState{
		Key:               f.Key,
		Description:       f.Description,
		Enabled:           f.Enabled,
		DefaultValue:      f.DefaultValue,
		RolloutPercentage: f.RolloutPercentage,
	}
}
