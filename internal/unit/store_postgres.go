package unit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fiscalbridge/internal/platform/postgres"
	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
	txcontext "fiscalbridge/pkg/platform/tx"
)

// PostgresStore persists units in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const unitColumns = `id, code, name, environment, active, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, u *Unit) error {
	query := `
		INSERT INTO units (` + unitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(u.ID), u.Code, u.Name, string(u.Environment), u.Active, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.UnitID) (*Unit, error) {
	query := `SELECT ` + unitColumns + ` FROM units WHERE id = $1`
	u, err := scanUnit(txcontext.Exec(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find unit: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Unit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM units ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var out []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return out, nil
}

// Execute locks the row with FOR UPDATE for the duration of validate and apply.
func (s *PostgresStore) Execute(ctx context.Context, id domain.UnitID, validate func(*Unit) error, apply func(*Unit)) (*Unit, error) {
	var result *Unit
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		u, err := scanUnit(exec.QueryRowContext(ctx,
			`SELECT `+unitColumns+` FROM units WHERE id = $1 FOR UPDATE`, uuid.UUID(id)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock unit: %w", err)
		}
		if err := validate(u); err != nil {
			return err
		}
		apply(u)
		_, err = exec.ExecContext(ctx, `
			UPDATE units SET name = $2, environment = $3, active = $4, updated_at = $5
			WHERE id = $1
		`, uuid.UUID(u.ID), u.Name, string(u.Environment), u.Active, u.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update unit: %w", err)
		}
		result = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) SaveCredentials(ctx context.Context, id domain.UnitID, env Environment, sealed []byte) error {
	query := `
		INSERT INTO unit_credentials (unit_id, environment, sealed, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (unit_id, environment) DO UPDATE SET sealed = EXCLUDED.sealed, updated_at = EXCLUDED.updated_at
	`
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, query, uuid.UUID(id), string(env), sealed, time.Now())
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadCredentials(ctx context.Context, id domain.UnitID, env Environment) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed FROM unit_credentials WHERE unit_id = $1 AND environment = $2`,
		uuid.UUID(id), string(env)).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return sealed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*Unit, error) {
	var (
		u   Unit
		id  uuid.UUID
		env string
	)
	if err := row.Scan(&id, &u.Code, &u.Name, &env, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.ID = domain.UnitID(id)
	u.Environment = Environment(env)
	return &u, nil
}
