package service

import (
	"sort"
	"time"
)

// CachedFlag is the immutable evaluation view of one flag inside a Snapshot.
type CachedFlag struct {
	ID                uint
	Key               string
	Description       string
	Enabled           bool
	DefaultValue      bool
	RolloutPercentage int
	TargetedUsers     map[string]struct{}
}

// TargetedUserList returns the targeted user ids in sorted order.
func (f *CachedFlag) TargetedUserList() []string {
	users := make([]string, 0, len(f.TargetedUsers))
	for id := range f.TargetedUsers {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Snapshot is a point-in-time view of every flag, keyed by flag key. A
// snapshot is never mutated after installation, so readers hold it without
// locks.
type Snapshot struct {
	flags   map[string]*CachedFlag
	builtAt time.Time
}

func (s *Snapshot) Flag(key string) (*CachedFlag, bool) {
	f, ok := s.flags[key]
	return f, ok
}

// Flags returns every cached flag sorted by key.
func (s *Snapshot) Flags() []*CachedFlag {
	out := make([]*CachedFlag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Snapshot) Len() int { return len(s.flags) }

func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// EvaluateAll decides every flag in the snapshot for one user. Flags are
// independent; there is no cross-flag interaction.
func (s *Snapshot) EvaluateAll(userID string) map[string]bool {
	out := make(map[string]bool, len(s.flags))
	for key, flag := range s.flags {
		out[key] = EvaluateFlag(flag, userID)
	}
	return out
}

// EvaluateFlag decides a flag for one user. Precedence, first match wins:
// kill switch off, explicit targeting, percentage rollout, default value.
// Pure function, safe for any number of concurrent callers.
func EvaluateFlag(flag *CachedFlag, userID string) bool {
	if !flag.Enabled {
		return false
	}
	if _, ok := flag.TargetedUsers[userID]; ok {
		return true
	}
	if flag.RolloutPercentage > 0 && RolloutBucket(userID, flag.Key) < flag.RolloutPercentage {
		return true
	}
	return flag.DefaultValue
}
