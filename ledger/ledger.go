// Package ledger tracks follow relationships between actors.
//
// Each (follower, followee) pair has at most one relationship. It is created
// pending, becomes accepted at most once, and is deleted on Undo:
//
//	(none) --AddFollowing--> pending --AcceptFollowing--> accepted
//	   ^                        |                            |
//	   +----RemoveFollowing-----+----------------------------+
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/fedinbox/interfaces"
)

// Ledger applies follow state transitions to a FollowStore. Every
// transition is a single store statement, so redelivered or concurrent
// activities never produce duplicate edges.
type Ledger struct {
	store interfaces.FollowStore
	log   *slog.Logger
	now   func() time.Time
}

func New(store interfaces.FollowStore, log *slog.Logger) *Ledger {
	return &Ledger{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// AddFollowing records a pending follow and returns its id. If the pair is
// already known the call is a no-op and returns an empty id.
func (l *Ledger) AddFollowing(ctx context.Context, followerID, followeeID, followeeAcct string) (string, error) {
	rel := &interfaces.FollowRelationship{
		ID:           uuid.NewString(),
		FollowerID:   followerID,
		FolloweeID:   followeeID,
		FolloweeAcct: followeeAcct,
		State:        interfaces.FollowPending,
		CreatedAt:    l.now().UTC(),
	}

	inserted, err := l.store.InsertFollowing(ctx, rel)
	if err != nil {
		return "", fmt.Errorf("adding follow: %w", err)
	}
	if !inserted {
		l.log.Debug("Follow already recorded",
			slog.String("follower", followerID),
			slog.String("followee", followeeID))
		return "", nil
	}

	l.log.Info("Follow recorded",
		slog.String("id", rel.ID),
		slog.String("follower", followerID),
		slog.String("followee", followeeID))
	return rel.ID, nil
}

// AcceptFollowing moves a pending follow to accepted. It does nothing when
// the follow is already accepted or was never requested.
func (l *Ledger) AcceptFollowing(ctx context.Context, followerID, followeeID string) error {
	accepted, err := l.store.AcceptFollowing(ctx, followerID, followeeID)
	if err != nil {
		return fmt.Errorf("accepting follow: %w", err)
	}
	if accepted {
		l.log.Info("Follow accepted",
			slog.String("follower", followerID),
			slog.String("followee", followeeID))
	}
	return nil
}

// RemoveFollowing deletes the follow in any state. Missing follows are ignored.
func (l *Ledger) RemoveFollowing(ctx context.Context, followerID, followeeID string) error {
	removed, err := l.store.RemoveFollowing(ctx, followerID, followeeID)
	if err != nil {
		return fmt.Errorf("removing follow: %w", err)
	}
	if removed {
		l.log.Info("Follow removed",
			slog.String("follower", followerID),
			slog.String("followee", followeeID))
	}
	return nil
}

// ListFollowers returns the accepted followers of followeeID.
func (l *Ledger) ListFollowers(ctx context.Context, followeeID string) ([]string, error) {
	followers, err := l.store.ListFollowers(ctx, followeeID)
	if err != nil {
		return nil, fmt.Errorf("listing followers: %w", err)
	}
	return followers, nil
}

// Get returns the relationship for the pair or ErrFollowNotFound.
func (l *Ledger) Get(ctx context.Context, followerID, followeeID string) (*interfaces.FollowRelationship, error) {
	return l.store.GetFollowing(ctx, followerID, followeeID)
}
