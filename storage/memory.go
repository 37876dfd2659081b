package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/fedinbox/interfaces"
)

type followKey struct {
	follower string
	followee string
}

type memoryFollow struct {
	rel interfaces.FollowRelationship
	seq uint64
}

// MemoryStore keeps actors and follow relationships in process memory.
// It is used in tests and single-process development setups.
type MemoryStore struct {
	mu      sync.RWMutex
	actors  map[string]*interfaces.ActorRecord
	follows map[followKey]*memoryFollow
	seq     uint64

	log         *slog.Logger
	locationURI string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		actors:      make(map[string]*interfaces.ActorRecord),
		follows:     make(map[followKey]*memoryFollow),
		log:         log,
		locationURI: "memory://",
	}
}

func (s *MemoryStore) GetActor(ctx context.Context, id string) (*interfaces.ActorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.actors[id]
	if !ok {
		return nil, interfaces.ErrActorNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryStore) InsertActor(ctx context.Context, record *interfaces.ActorRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actors[record.ID]; exists {
		s.log.Debug("Actor already stored", slog.String("actor", record.ID))
		return false, nil
	}

	stored := cloneRecord(record)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.actors[record.ID] = stored
	return true, nil
}

func (s *MemoryStore) UpdateRemoteActor(ctx context.Context, record *interfaces.ActorRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.actors[record.ID]
	if !exists || stored.IsLocal() {
		return false, nil
	}

	fresh := cloneRecord(record)
	stored.Type = fresh.Type
	stored.Properties = fresh.Properties
	stored.PublicKeyPem = fresh.PublicKeyPem
	return true, nil
}

func (s *MemoryStore) GetKeyMaterial(ctx context.Context, id string) (*interfaces.KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.actors[id]
	if !ok {
		return nil, interfaces.ErrActorNotFound
	}
	return &interfaces.KeyMaterial{
		WrappedKey:   cloneBytes(record.WrappedPrivateKey),
		Salt:         cloneBytes(record.Salt),
		PublicKeyPem: record.PublicKeyPem,
	}, nil
}

func (s *MemoryStore) InsertFollowing(ctx context.Context, rel *interfaces.FollowRelationship) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := followKey{rel.FollowerID, rel.FolloweeID}
	if _, exists := s.follows[key]; exists {
		return false, nil
	}

	s.seq++
	s.follows[key] = &memoryFollow{rel: *rel, seq: s.seq}
	return true, nil
}

func (s *MemoryStore) AcceptFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.follows[followKey{followerID, followeeID}]
	if !ok || f.rel.State != interfaces.FollowPending {
		return false, nil
	}
	f.rel.State = interfaces.FollowAccepted
	return true, nil
}

func (s *MemoryStore) RemoveFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := followKey{followerID, followeeID}
	if _, ok := s.follows[key]; !ok {
		return false, nil
	}
	delete(s.follows, key)
	return true, nil
}

func (s *MemoryStore) ListFollowers(ctx context.Context, followeeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*memoryFollow
	for key, f := range s.follows {
		if key.followee == followeeID && f.rel.State == interfaces.FollowAccepted {
			matches = append(matches, f)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	followers := make([]string, 0, len(matches))
	for _, f := range matches {
		followers = append(followers, f.rel.FollowerID)
	}
	return followers, nil
}

func (s *MemoryStore) GetFollowing(ctx context.Context, followerID, followeeID string) (*interfaces.FollowRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.follows[followKey{followerID, followeeID}]
	if !ok {
		return nil, interfaces.ErrFollowNotFound
	}
	rel := f.rel
	return &rel, nil
}

// Name returns a unique identifier for this storage backend.
func (s *MemoryStore) Name() string {
	return s.locationURI
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(r *interfaces.ActorRecord) *interfaces.ActorRecord {
	c := *r
	c.Properties.Icon = cloneBytes(r.Properties.Icon)
	c.WrappedPrivateKey = cloneBytes(r.WrappedPrivateKey)
	c.Salt = cloneBytes(r.Salt)
	return &c
}

func cloneBytes[T ~[]byte](b T) T {
	if b == nil {
		return nil
	}
	return append(T{}, b...)
}
