package sitemap

import (
	"context"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.uber.org/zap"
)

// lockSet holds the node locks of one operation. Locks are taken without waiting and released
// together, in reverse order, when the scope ends.
type lockSet struct {
	operation  string
	repository NodeRepository
	owner      string
	logger     *zap.Logger
	guards     []*store.LockGuard
	held       map[string]bool
}

// withLocks runs fn with a fresh lock set and releases every lock it acquired on all exit paths.
func withLocks(ctx context.Context, operation string, repository NodeRepository, owner string, logger *zap.Logger, fn func(locks *lockSet) error) error {
	locks := &lockSet{
		operation:  operation,
		repository: repository,
		owner:      owner,
		logger:     logger,
		held:       make(map[string]bool),
	}
	defer locks.releaseAll(context.WithoutCancel(ctx))
	return fn(locks)
}

func (s *lockSet) acquire(ctx context.Context, nodeID string) error {
	if nodeID == "" || s.held[nodeID] {
		return nil
	}
	guard, err := s.repository.Lock(ctx, nodeID, s.owner)
	if err != nil {
		return classify(s.operation, err).forID(nodeID)
	}
	s.guards = append(s.guards, guard)
	s.held[nodeID] = true
	return nil
}

func (s *lockSet) releaseAll(ctx context.Context) {
	for index := len(s.guards) - 1; index >= 0; index-- {
		guard := s.guards[index]
		if err := guard.Release(ctx); err != nil {
			s.logger.Error("lock release failed",
				zap.String("node_id", guard.NodeID()),
				zap.String("owner", s.owner),
				zap.Error(err))
		}
	}
	s.guards = nil
	s.held = make(map[string]bool)
}
