package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fiscalbridge/internal/platform/postgres"
	"fiscalbridge/internal/record/payload"
	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
	txcontext "fiscalbridge/pkg/platform/tx"
)

// PostgresStore persists raw records with the payload as JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, unit_id, module, competency, payload, status, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, r *RawRecord) error {
	doc, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO raw_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.UUID(r.ID), uuid.UUID(r.UnitID), r.Module, r.Competency, doc, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert raw record: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.RawRecordID) (*RawRecord, error) {
	r, err := scanRecord(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM raw_records WHERE id = $1`, uuid.UUID(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find raw record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*RawRecord, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + recordColumns + ` FROM raw_records` + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list raw records: %w", err)
	}
	defer rows.Close()

	out := make([]*RawRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filterClause(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw records: %w", err)
	}
	return n, nil
}

func filterClause(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, v any) {
		args = append(args, v)
		conds = append(conds, column+" = $"+strconv.Itoa(len(args)))
	}
	if !f.UnitID.IsNil() {
		add("unit_id", uuid.UUID(f.UnitID))
	}
	if f.Module != "" {
		add("module", f.Module)
	}
	if f.Competency != "" {
		add("competency", f.Competency)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Execute locks the row with FOR UPDATE for the duration of validate and apply.
func (s *PostgresStore) Execute(ctx context.Context, id domain.RawRecordID, validate func(*RawRecord) error, apply func(*RawRecord)) (*RawRecord, error) {
	var result *RawRecord
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		r, err := scanRecord(exec.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM raw_records WHERE id = $1 FOR UPDATE`, uuid.UUID(id)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock raw record: %w", err)
		}
		if err := validate(r); err != nil {
			return err
		}
		apply(r)
		doc, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			UPDATE raw_records SET payload = $2, status = $3, updated_at = $4
			WHERE id = $1
		`, uuid.UUID(r.ID), doc, string(r.Status), r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update raw record: %w", err)
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*RawRecord, error) {
	var (
		r          RawRecord
		id, unitID uuid.UUID
		doc        []byte
		status     string
	)
	if err := row.Scan(&id, &unitID, &r.Module, &r.Competency, &doc, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := payload.Parse(doc)
	if err != nil {
		return nil, err
	}
	r.ID = domain.RawRecordID(id)
	r.UnitID = domain.UnitID(unitID)
	r.Payload = parsed
	r.Status = Status(status)
	return &r, nil
}
