package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"framechain/internal/model"
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS framechain_sessions (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		state      JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresStore keeps one JSONB row per session.
type PostgresStore struct {
	db  *sql.DB
	log logrus.FieldLogger
}

func NewPostgresStore(ctx context.Context, dsn string, log logrus.FieldLogger) (*PostgresStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create table: %w", err)
	}
	log.WithField("component", "session").Info("postgres session store ready")
	return &PostgresStore{db: db, log: log}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Lock holds a session-scoped advisory lock on a dedicated connection
// until unlock is called.
func (s *PostgresStore) Lock(ctx context.Context, id string) (func(), error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: lock %s: %w", id, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("session: lock %s: %w", id, err)
	}
	return func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, id); err != nil {
			s.log.WithError(err).WithField("session", id).Warn("advisory unlock failed")
		}
		// 关闭连接也会释放会话级锁
		conn.Close()
	}, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*model.WorkflowState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM framechain_sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st model.WorkflowState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &st, nil
}

func (s *PostgresStore) Save(ctx context.Context, st *model.WorkflowState) error {
	if err := validID(st.ID); err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO framechain_sessions (id, status, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, st.ID, string(st.Status), raw, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("session: save %s: %w", st.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM framechain_sessions WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]*model.WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM framechain_sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.WorkflowState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var st model.WorkflowState
		if err := json.Unmarshal(raw, &st); err != nil {
			s.log.WithError(err).Warn("skipping undecodable session row")
			continue
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}
