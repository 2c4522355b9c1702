package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	_ "github.com/lib/pq"

	"github.com/84hero/launch-indexer/pkg/entity"
)

// PostgresStore is the durable remote store shared between instances.
type PostgresStore struct {
	db            *sql.DB
	cursorTable   string
	entitiesTable string
}

// NewPostgresStore initializes PostgreSQL storage.
// connStr: Connection string
// tablePrefix: Table prefix (defaults to "indexer_") -> tables prefix + "cursors"
// and prefix + "entities".
func NewPostgresStore(connStr string, tablePrefix string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	store := newPostgresStore(db, tablePrefix)
	if err := store.initTables(); err != nil {
		return nil, err
	}

	return store, nil
}

func newPostgresStore(db *sql.DB, tablePrefix string) *PostgresStore {
	if tablePrefix == "" {
		tablePrefix = "indexer_"
	}
	return &PostgresStore{
		db:            db,
		cursorTable:   tablePrefix + "cursors",
		entitiesTable: tablePrefix + "entities",
	}
}

// initTables automatically creates the cursor and snapshot tables
func (p *PostgresStore) initTables() error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		index_key VARCHAR(255) PRIMARY KEY,
		block_height BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS %s (
		index_key VARCHAR(255) NOT NULL,
		entity_key VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (index_key, entity_key)
	);
	`, p.cursorTable, p.entitiesTable)
	_, err := p.db.Exec(query)
	return err
}

func (p *PostgresStore) GetCursor(ctx context.Context, index string) (entity.Cursor, bool, error) {
	var c entity.Cursor
	query := fmt.Sprintf("SELECT block_height, updated_at FROM %s WHERE index_key = $1", p.cursorTable)
	err := p.db.QueryRowContext(ctx, query, index).Scan(&c.Block, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, err
	}
	return c, true, nil
}

// SetCursor upserts with GREATEST so the stored cursor never moves back.
func (p *PostgresStore) SetCursor(ctx context.Context, index string, c entity.Cursor) error {
	query := fmt.Sprintf(`
	INSERT INTO %[1]s (index_key, block_height, updated_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (index_key)
	DO UPDATE SET block_height = GREATEST(%[1]s.block_height, EXCLUDED.block_height), updated_at = EXCLUDED.updated_at;
	`, p.cursorTable)
	_, err := p.db.ExecContext(ctx, query, index, c.Block, c.UpdatedAt)
	return err
}

func (p *PostgresStore) GetEntities(ctx context.Context, index string) (map[string]json.RawMessage, error) {
	query := fmt.Sprintf("SELECT entity_key, payload FROM %s WHERE index_key = $1", p.entitiesTable)
	rows, err := p.db.QueryContext(ctx, query, index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			key     string
			payload []byte
		)
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, err
		}
		out[key] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

// UpsertEntities writes all snapshots in one transaction.
func (p *PostgresStore) UpsertEntities(ctx context.Context, index string, entities map[string]json.RawMessage) error {
	if len(entities) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
	INSERT INTO %s (index_key, entity_key, payload, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (index_key, entity_key)
	DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW();
	`, p.entitiesTable))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, index, k, []byte(entities[k])); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", index, k, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
