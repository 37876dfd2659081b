package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/fedinbox/interfaces"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS actors (
	id                  TEXT PRIMARY KEY,
	type                TEXT NOT NULL,
	properties          JSONB NOT NULL,
	public_key_pem      TEXT,
	wrapped_private_key BYTEA,
	salt                BYTEA,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS actor_following (
	id            TEXT PRIMARY KEY,
	follower_id   TEXT NOT NULL,
	followee_id   TEXT NOT NULL,
	followee_acct TEXT NOT NULL,
	state         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (follower_id, followee_id)
);

CREATE INDEX IF NOT EXISTS actor_following_followee
	ON actor_following (followee_id, state);
`

// PostgresStore persists actors and follow relationships in PostgreSQL.
type PostgresStore struct {
	pool        *pgxpool.Pool
	log         *slog.Logger
	locationURI string
}

// NewPostgresStore connects to dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, log *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying postgres schema: %w", err)
	}

	cfg := pool.Config().ConnConfig
	log.Info("Postgres store opened",
		slog.String("host", cfg.Host),
		slog.String("database", cfg.Database))

	return &PostgresStore{
		pool:        pool,
		log:         log,
		locationURI: fmt.Sprintf("postgres://%s/%s", cfg.Host, cfg.Database),
	}, nil
}

func (s *PostgresStore) GetActor(ctx context.Context, id string) (*interfaces.ActorRecord, error) {
	var (
		record     interfaces.ActorRecord
		properties []byte
		publicKey  *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, properties, public_key_pem, wrapped_private_key, salt, created_at
		FROM actors WHERE id = $1`, id,
	).Scan(&record.ID, &record.Type, &properties, &publicKey, &record.WrappedPrivateKey, &record.Salt, &record.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrActorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying actor %s: %w", id, err)
	}

	if publicKey != nil {
		record.PublicKeyPem = *publicKey
	}
	if err := json.Unmarshal(properties, &record.Properties); err != nil {
		return nil, fmt.Errorf("decoding properties of %s: %w", id, err)
	}
	return &record, nil
}

func (s *PostgresStore) InsertActor(ctx context.Context, record *interfaces.ActorRecord) (bool, error) {
	properties, err := json.Marshal(record.Properties)
	if err != nil {
		return false, fmt.Errorf("encoding actor properties: %w", err)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO actors (id, type, properties, public_key_pem, wrapped_private_key, salt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		record.ID, record.Type, properties, nullableText(record.PublicKeyPem),
		record.WrappedPrivateKey, record.Salt, createdAt)
	if err != nil {
		return false, fmt.Errorf("inserting actor %s: %w", record.ID, err)
	}

	if tag.RowsAffected() == 0 {
		s.log.Debug("Actor already stored", slog.String("actor", record.ID))
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) UpdateRemoteActor(ctx context.Context, record *interfaces.ActorRecord) (bool, error) {
	properties, err := json.Marshal(record.Properties)
	if err != nil {
		return false, fmt.Errorf("encoding actor properties: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE actors SET type = $2, properties = $3, public_key_pem = $4
		WHERE id = $1 AND wrapped_private_key IS NULL`,
		record.ID, record.Type, properties, nullableText(record.PublicKeyPem))
	if err != nil {
		return false, fmt.Errorf("updating actor %s: %w", record.ID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetKeyMaterial(ctx context.Context, id string) (*interfaces.KeyMaterial, error) {
	var (
		material  interfaces.KeyMaterial
		publicKey *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT wrapped_private_key, salt, public_key_pem FROM actors WHERE id = $1`, id,
	).Scan(&material.WrappedKey, &material.Salt, &publicKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrActorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying key material of %s: %w", id, err)
	}
	if publicKey != nil {
		material.PublicKeyPem = *publicKey
	}
	return &material, nil
}

func (s *PostgresStore) InsertFollowing(ctx context.Context, rel *interfaces.FollowRelationship) (bool, error) {
	createdAt := rel.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO actor_following (id, follower_id, followee_id, followee_acct, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		rel.ID, rel.FollowerID, rel.FolloweeID, rel.FolloweeAcct, string(rel.State), createdAt)
	if err != nil {
		return false, fmt.Errorf("inserting follow %s -> %s: %w", rel.FollowerID, rel.FolloweeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AcceptFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE actor_following SET state = $1
		WHERE follower_id = $2 AND followee_id = $3 AND state = $4`,
		string(interfaces.FollowAccepted), followerID, followeeID, string(interfaces.FollowPending))
	if err != nil {
		return false, fmt.Errorf("accepting follow %s -> %s: %w", followerID, followeeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RemoveFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM actor_following WHERE follower_id = $1 AND followee_id = $2`,
		followerID, followeeID)
	if err != nil {
		return false, fmt.Errorf("removing follow %s -> %s: %w", followerID, followeeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListFollowers(ctx context.Context, followeeID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT follower_id FROM actor_following
		WHERE followee_id = $1 AND state = $2
		ORDER BY created_at, id`,
		followeeID, string(interfaces.FollowAccepted))
	if err != nil {
		return nil, fmt.Errorf("listing followers of %s: %w", followeeID, err)
	}

	followers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing followers of %s: %w", followeeID, err)
	}
	if followers == nil {
		followers = []string{}
	}
	return followers, nil
}

func (s *PostgresStore) GetFollowing(ctx context.Context, followerID, followeeID string) (*interfaces.FollowRelationship, error) {
	var (
		rel   interfaces.FollowRelationship
		state string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, follower_id, followee_id, followee_acct, state, created_at
		FROM actor_following WHERE follower_id = $1 AND followee_id = $2`,
		followerID, followeeID,
	).Scan(&rel.ID, &rel.FollowerID, &rel.FolloweeID, &rel.FolloweeAcct, &state, &rel.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrFollowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying follow %s -> %s: %w", followerID, followeeID, err)
	}
	rel.State = interfaces.FollowState(state)
	return &rel, nil
}

// Name returns a unique identifier for this storage backend.
func (s *PostgresStore) Name() string {
	return s.locationURI
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
