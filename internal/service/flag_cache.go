package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talha-yousuf/gatekeep-backend/internal/repository"
)

// NotFoundPolicy controls what a snapshot lookup does for an unknown key.
type NotFoundPolicy string

const (
	// NotFoundFallback returns a fully-disabled sentinel definition so
	// evaluation of retired or mistyped keys degrades to false.
	NotFoundFallback NotFoundPolicy = "fallback"
	// NotFoundError surfaces repository.ErrFlagNotFound to the caller.
	NotFoundError NotFoundPolicy = "error"
)

type FlagCacheConfig struct {
	RefreshInterval time.Duration
	StoreTimeout    time.Duration
	NotFoundPolicy  NotFoundPolicy
}

// FlagCache owns the current evaluation snapshot. All reads go against the
// installed snapshot; rebuilds pull both flag and targeted-user tables in
// full, join them by flag id, and install the result with a single atomic
// pointer swap. Rebuilds are serialized by a mutex: concurrent triggers
// (timer racing a mutation) wait their turn, which bounds store load and
// makes installation order last-writer-wins.
type FlagCache struct {
	repo   repository.FlagRepository
	logger *slog.Logger
	cfg    FlagCacheConfig

	rebuildMu sync.Mutex
	current   atomic.Pointer[Snapshot]

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewFlagCache(repo repository.FlagRepository, logger *slog.Logger, cfg FlagCacheConfig) *FlagCache {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.NotFoundPolicy == "" {
		cfg.NotFoundPolicy = NotFoundFallback
	}
	return &FlagCache{
		repo:   repo,
		logger: logger,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Rebuild reads the full flag and targeted-user tables and installs a fresh
// snapshot. On any error the previously-installed snapshot stays current.
func (c *FlagCache) Rebuild(ctx context.Context) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	flags, err := c.repo.ListFlags(ctx)
	if err != nil {
		return fmt.Errorf("list flags: %w", err)
	}
	targets, err := c.repo.ListTargetedUsers(ctx)
	if err != nil {
		return fmt.Errorf("list targeted users: %w", err)
	}

	targetsByFlag := make(map[uint]map[string]struct{})
	for _, t := range targets {
		if targetsByFlag[t.FlagID] == nil {
			targetsByFlag[t.FlagID] = make(map[string]struct{})
		}
		targetsByFlag[t.FlagID][t.UserID] = struct{}{}
	}

	next := &Snapshot{flags: make(map[string]*CachedFlag, len(flags)), builtAt: time.Now().UTC()}
	for _, f := range flags {
		users := targetsByFlag[f.ID]
		if users == nil {
			users = map[string]struct{}{}
		}
		next.flags[f.Key] = &CachedFlag{
			ID:                f.ID,
			Key:               f.Key,
			Description:       f.Description,
			Enabled:           f.Enabled,
			DefaultValue:      f.DefaultValue,
			RolloutPercentage: f.RolloutPercentage,
			TargetedUsers:     users,
		}
	}
	c.current.Store(next)
	return nil
}

// Refresh runs Rebuild and downgrades failure to a log line; the cache keeps
// serving the last good snapshot. Used by the timer loop and mutation paths.
func (c *FlagCache) Refresh(ctx context.Context) {
	if err := c.Rebuild(ctx); err != nil {
		c.logger.Error("flag cache refresh failed, serving stale snapshot", "error", err)
	}
}

// Current never blocks and never returns nil. Before the first successful
// rebuild it returns an empty snapshot.
func (c *FlagCache) Current() *Snapshot {
	if s := c.current.Load(); s != nil {
		return s
	}
	return &Snapshot{flags: map[string]*CachedFlag{}}
}

// GetByKey looks the key up in the current snapshot, applying the configured
// not-found policy on a miss.
func (c *FlagCache) GetByKey(key string) (*CachedFlag, error) {
	if f, ok := c.Current().Flag(key); ok {
		return f, nil
	}
	if c.cfg.NotFoundPolicy == NotFoundFallback {
		return &CachedFlag{Key: key, TargetedUsers: map[string]struct{}{}}, nil
	}
	return nil, repository.ErrFlagNotFound
}

// StartRefresher launches the periodic rebuild loop. The caller is expected
// to have run one synchronous Rebuild first so the cache is warm before it
// serves traffic.
func (c *FlagCache) StartRefresher() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Refresh(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the refresher loop and waits for it to exit.
func (c *FlagCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}
