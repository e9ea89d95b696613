package grantrelay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJournalTableName = "grantrelay_journal"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJournal stores grant records in a single table, one row per record.
// The connection and schema are set up lazily on first use.
type PostgresJournal struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresJournal{
		dsn:       dsn,
		tableName: postgresJournalTableName,
		openDB:    sql.Open,
	}, nil
}

func (j *PostgresJournal) Record(record GrantRecord) error {
	if j == nil {
		return nil
	}
	if err := j.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (recorded_at, entity_id, task_id, person_id, status, error_text)
		VALUES ($1, $2, $3, $4, $5, $6)`, postgresQuoteIdentifier(j.tableName))
	_, err := j.db.ExecContext(ctx, query, ts, record.EntityID, record.TaskID, record.PersonID, record.Status, record.Error)
	return err
}

func (j *PostgresJournal) Recent(limit int) ([]GrantRecord, error) {
	if j == nil {
		return nil, nil
	}
	if err := j.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT recorded_at, entity_id, task_id, person_id, status, error_text
		FROM %s ORDER BY recorded_at DESC, id DESC LIMIT $1`, postgresQuoteIdentifier(j.tableName))
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GrantRecord
	for rows.Next() {
		var record GrantRecord
		if err := rows.Scan(&record.Timestamp, &record.EntityID, &record.TaskID, &record.PersonID, &record.Status, &record.Error); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (j *PostgresJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *PostgresJournal) ensureReady() error {
	if j == nil {
		return ErrInvalidInput
	}
	j.initOnce.Do(func() {
		db, err := j.openDB("postgres", j.dsn)
		if err != nil {
			j.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				entity_id TEXT NOT NULL,
				task_id TEXT NOT NULL,
				person_id TEXT NOT NULL,
				status TEXT NOT NULL,
				error_text TEXT NOT NULL DEFAULT ''
			)`, postgresQuoteIdentifier(j.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			j.initErr = err
			return
		}
		j.db = db
	})
	return j.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
