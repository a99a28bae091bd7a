package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/code-payments/purchases-go/kv"
)

const entryTable = "sdk_kv_entry"

// Schema creates the backing table. Applied by tests and by hosts managing
// their own migrations.
const Schema = `
CREATE TABLE IF NOT EXISTS ` + entryTable + ` (
	"key"       TEXT PRIMARY KEY,
	"value"     BYTEA NOT NULL,
	"createdAt" TIMESTAMPTZ NOT NULL,
	"updatedAt" TIMESTAMPTZ NOT NULL
);
`

type pgStore struct {
	db *sqlx.DB
}

func NewInPostgres(db *sql.DB) kv.Store {
	return &pgStore{
		db: sqlx.NewDb(db, "pgx"),
	}
}

func (s *pgStore) reset() {
	_, err := s.db.Exec(`DELETE FROM ` + entryTable)
	if err != nil {
		panic(err)
	}
}

func (s *pgStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := `SELECT "value" FROM ` + entryTable + ` WHERE "key" = $1`
	err := s.db.GetContext(ctx, &value, query, key)
	if err == sql.ErrNoRows {
		return nil, kv.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return value, nil
}

func (s *pgStore) Set(ctx context.Context, key string, value []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+entryTable+` ("key", "value", "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ("key") DO UPDATE SET "value" = EXCLUDED."value", "updatedAt" = EXCLUDED."updatedAt"
	`, key, value, now, now)
	return err
}

func (s *pgStore) SetIfAbsent(ctx context.Context, key string, value []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+entryTable+` ("key", "value", "createdAt", "updatedAt")
		VALUES ($1, $2, $3, $4)
	`, key, value, now, now)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return kv.ErrExists
	}
	return err
}

func (s *pgStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+entryTable+` WHERE "key" = $1`, key)
	return err
}

func (s *pgStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	query := `SELECT "key" FROM ` + entryTable + ` WHERE "key" LIKE $1 || '%'`
	err := s.db.SelectContext(ctx, &keys, query, prefix)
	if err != nil {
		return nil, err
	}
	return keys, nil
}
