package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/ruteri/fedinbox/interfaces"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS actors (
	id                  TEXT PRIMARY KEY,
	type                TEXT NOT NULL,
	properties          TEXT NOT NULL,
	public_key_pem      TEXT,
	wrapped_private_key BLOB,
	salt                BLOB,
	created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS actor_following (
	id            TEXT PRIMARY KEY,
	follower_id   TEXT NOT NULL,
	followee_id   TEXT NOT NULL,
	followee_acct TEXT NOT NULL,
	state         TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	UNIQUE (follower_id, followee_id)
);

CREATE INDEX IF NOT EXISTS actor_following_followee
	ON actor_following (followee_id, state);
`

// SQLiteStore persists actors and follow relationships in a SQLite database
// through a zombiezen connection pool.
type SQLiteStore struct {
	pool        *sqlitex.Pool
	log         *slog.Logger
	path        string
	locationURI string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema. poolSize <= 0 picks max(NumCPU, 4).
func NewSQLiteStore(path string, poolSize int, log *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", interfaces.ErrInvalidStoreURI)
	}

	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}

	s := &SQLiteStore{
		pool:        pool,
		log:         log,
		path:        path,
		locationURI: fmt.Sprintf("sqlite://%s", path),
	}

	if err := s.migrate(); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("SQLite store opened", slog.String("path", path), slog.Int("pool_size", poolSize))
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("applying sqlite schema: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("applying sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetActor(ctx context.Context, id string) (*interfaces.ActorRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var record *interfaces.ActorRecord
	err = sqlitex.Execute(conn,
		`SELECT id, type, properties, public_key_pem, wrapped_private_key, salt, created_at
		FROM actors WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanActor(stmt)
				if err != nil {
					return err
				}
				record = r
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying actor %s: %w", id, err)
	}
	if record == nil {
		return nil, interfaces.ErrActorNotFound
	}
	return record, nil
}

func (s *SQLiteStore) InsertActor(ctx context.Context, record *interfaces.ActorRecord) (bool, error) {
	properties, err := json.Marshal(record.Properties)
	if err != nil {
		return false, fmt.Errorf("encoding actor properties: %w", err)
	}

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO actors (id, type, properties, public_key_pem, wrapped_private_key, salt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.ID,
				record.Type,
				string(properties),
				nullableText(record.PublicKeyPem),
				nullableBlob(record.WrappedPrivateKey),
				nullableBlob(record.Salt),
				createdAt.UnixNano(),
			},
		})
	if err != nil {
		return false, fmt.Errorf("inserting actor %s: %w", record.ID, err)
	}

	if conn.Changes() == 0 {
		s.log.Debug("Actor already stored", slog.String("actor", record.ID))
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) UpdateRemoteActor(ctx context.Context, record *interfaces.ActorRecord) (bool, error) {
	properties, err := json.Marshal(record.Properties)
	if err != nil {
		return false, fmt.Errorf("encoding actor properties: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE actors SET type = ?, properties = ?, public_key_pem = ?
		WHERE id = ? AND wrapped_private_key IS NULL`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.Type,
				string(properties),
				nullableText(record.PublicKeyPem),
				record.ID,
			},
		})
	if err != nil {
		return false, fmt.Errorf("updating actor %s: %w", record.ID, err)
	}
	return conn.Changes() > 0, nil
}

func (s *SQLiteStore) GetKeyMaterial(ctx context.Context, id string) (*interfaces.KeyMaterial, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var material *interfaces.KeyMaterial
	err = sqlitex.Execute(conn,
		`SELECT wrapped_private_key, salt, public_key_pem FROM actors WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				material = &interfaces.KeyMaterial{
					WrappedKey:   columnBlob(stmt, 0),
					Salt:         columnBlob(stmt, 1),
					PublicKeyPem: stmt.ColumnText(2),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying key material of %s: %w", id, err)
	}
	if material == nil {
		return nil, interfaces.ErrActorNotFound
	}
	return material, nil
}

func (s *SQLiteStore) InsertFollowing(ctx context.Context, rel *interfaces.FollowRelationship) (bool, error) {
	createdAt := rel.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO actor_following (id, follower_id, followee_id, followee_acct, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				rel.ID,
				rel.FollowerID,
				rel.FolloweeID,
				rel.FolloweeAcct,
				string(rel.State),
				createdAt.UnixNano(),
			},
		})
	if err != nil {
		return false, fmt.Errorf("inserting follow %s -> %s: %w", rel.FollowerID, rel.FolloweeID, err)
	}
	return conn.Changes() > 0, nil
}

func (s *SQLiteStore) AcceptFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE actor_following SET state = ?
		WHERE follower_id = ? AND followee_id = ? AND state = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(interfaces.FollowAccepted), followerID, followeeID, string(interfaces.FollowPending)},
		})
	if err != nil {
		return false, fmt.Errorf("accepting follow %s -> %s: %w", followerID, followeeID, err)
	}
	return conn.Changes() > 0, nil
}

func (s *SQLiteStore) RemoveFollowing(ctx context.Context, followerID, followeeID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM actor_following WHERE follower_id = ? AND followee_id = ?`,
		&sqlitex.ExecOptions{Args: []any{followerID, followeeID}})
	if err != nil {
		return false, fmt.Errorf("removing follow %s -> %s: %w", followerID, followeeID, err)
	}
	return conn.Changes() > 0, nil
}

func (s *SQLiteStore) ListFollowers(ctx context.Context, followeeID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	followers := []string{}
	err = sqlitex.Execute(conn,
		`SELECT follower_id FROM actor_following
		WHERE followee_id = ? AND state = ?
		ORDER BY created_at, rowid`,
		&sqlitex.ExecOptions{
			Args: []any{followeeID, string(interfaces.FollowAccepted)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				followers = append(followers, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("listing followers of %s: %w", followeeID, err)
	}
	return followers, nil
}

func (s *SQLiteStore) GetFollowing(ctx context.Context, followerID, followeeID string) (*interfaces.FollowRelationship, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rel *interfaces.FollowRelationship
	err = sqlitex.Execute(conn,
		`SELECT id, follower_id, followee_id, followee_acct, state, created_at
		FROM actor_following WHERE follower_id = ? AND followee_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{followerID, followeeID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rel = &interfaces.FollowRelationship{
					ID:           stmt.ColumnText(0),
					FollowerID:   stmt.ColumnText(1),
					FolloweeID:   stmt.ColumnText(2),
					FolloweeAcct: stmt.ColumnText(3),
					State:        interfaces.FollowState(stmt.ColumnText(4)),
					CreatedAt:    time.Unix(0, stmt.ColumnInt64(5)).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying follow %s -> %s: %w", followerID, followeeID, err)
	}
	if rel == nil {
		return nil, interfaces.ErrFollowNotFound
	}
	return rel, nil
}

// Name returns a unique identifier for this storage backend.
func (s *SQLiteStore) Name() string {
	return s.locationURI
}

// Close closes the pool. It blocks until all borrowed connections are returned.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		s.log.Error("Failed to close SQLite store", slog.String("path", s.path), "err", err)
		return err
	}
	return nil
}

func scanActor(stmt *sqlite.Stmt) (*interfaces.ActorRecord, error) {
	record := &interfaces.ActorRecord{
		ID:                stmt.ColumnText(0),
		Type:              stmt.ColumnText(1),
		PublicKeyPem:      stmt.ColumnText(3),
		WrappedPrivateKey: columnBlob(stmt, 4),
		Salt:              columnBlob(stmt, 5),
		CreatedAt:         time.Unix(0, stmt.ColumnInt64(6)).UTC(),
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &record.Properties); err != nil {
		return nil, fmt.Errorf("decoding properties of %s: %w", record.ID, err)
	}
	return record, nil
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func nullableBlob(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
