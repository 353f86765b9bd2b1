package validation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
	txcontext "fiscalbridge/pkg/platform/tx"
)

// PostgresRuleStore persists rules; the seq column keeps definition order.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, module, field_path, operator, comparison_value, level, code, message, conditions, active, created_at, updated_at`

func (s *PostgresRuleStore) Create(ctx context.Context, r *Rule) error {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO validation_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, uuid.UUID(r.ID), r.Module, r.FieldPath, string(r.Operator), r.ComparisonValue, string(r.Level),
		r.Code, r.Message, conds, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) FindByID(ctx context.Context, id domain.RuleID) (*Rule, error) {
	r, err := scanRule(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM validation_rules WHERE id = $1`, uuid.UUID(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find rule: %w", err)
	}
	return r, nil
}

func (s *PostgresRuleStore) List(ctx context.Context, filter RuleFilter) ([]*Rule, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Module != "" {
		args = append(args, filter.Module)
		conds = append(conds, "module = $"+strconv.Itoa(len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "active")
	}
	query := `SELECT ` + ruleColumns + ` FROM validation_rules`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY seq`

	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	out := make([]*Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

// Execute locks the row with FOR UPDATE for the duration of validate and apply.
func (s *PostgresRuleStore) Execute(ctx context.Context, id domain.RuleID, validate func(*Rule) error, apply func(*Rule)) (*Rule, error) {
	var result *Rule
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		r, err := scanRule(exec.QueryRowContext(ctx,
			`SELECT `+ruleColumns+` FROM validation_rules WHERE id = $1 FOR UPDATE`, uuid.UUID(id)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("lock rule: %w", err)
		}
		if err := validate(r); err != nil {
			return err
		}
		apply(r)
		conds, err := json.Marshal(r.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			UPDATE validation_rules
			SET module = $2, field_path = $3, operator = $4, comparison_value = $5, level = $6,
			    code = $7, message = $8, conditions = $9, active = $10, updated_at = $11
			WHERE id = $1
		`, uuid.UUID(r.ID), r.Module, r.FieldPath, string(r.Operator), r.ComparisonValue, string(r.Level),
			r.Code, r.Message, conds, r.Active, r.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update rule: %w", err)
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

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r         Rule
		id        uuid.UUID
		op, level string
		conds     []byte
	)
	if err := row.Scan(&id, &r.Module, &r.FieldPath, &op, &r.ComparisonValue, &level,
		&r.Code, &r.Message, &conds, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ID = domain.RuleID(id)
	r.Operator = Operator(op)
	r.Level = Level(level)
	if err := json.Unmarshal(conds, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	return &r, nil
}

// PostgresFindingStore persists finding sets.
type PostgresFindingStore struct {
	db *sql.DB
}

func NewPostgresFindingStore(db *sql.DB) *PostgresFindingStore {
	return &PostgresFindingStore{db: db}
}

func (s *PostgresFindingStore) Replace(ctx context.Context, recordID domain.RawRecordID, findings []Finding) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		if _, err := exec.ExecContext(ctx, `DELETE FROM findings WHERE raw_record_id = $1`, uuid.UUID(recordID)); err != nil {
			return fmt.Errorf("delete findings: %w", err)
		}
		for _, f := range findings {
			_, err := exec.ExecContext(ctx, `
				INSERT INTO findings (id, raw_record_id, position, rule_id, code, level, field_path, message, observed_value, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, uuid.UUID(f.ID), uuid.UUID(recordID), f.Position, uuid.UUID(f.RuleID), f.Code, string(f.Level),
				f.FieldPath, f.Message, f.ObservedValue, f.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert finding: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresFindingStore) List(ctx context.Context, recordID domain.RawRecordID) ([]Finding, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT id, raw_record_id, position, rule_id, code, level, field_path, message, observed_value, created_at
		FROM findings WHERE raw_record_id = $1 ORDER BY position
	`, uuid.UUID(recordID))
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	out := make([]Finding, 0)
	for rows.Next() {
		var (
			f                 Finding
			id, recID, ruleID uuid.UUID
			level             string
		)
		if err := rows.Scan(&id, &recID, &f.Position, &ruleID, &f.Code, &level, &f.FieldPath,
			&f.Message, &f.ObservedValue, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.ID = domain.FindingID(id)
		f.RawRecordID = domain.RawRecordID(recID)
		f.RuleID = domain.RuleID(ruleID)
		f.Level = Level(level)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}
	return out, nil
}

func (s *PostgresFindingStore) Clear(ctx context.Context, recordID domain.RawRecordID) (int, error) {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `DELETE FROM findings WHERE raw_record_id = $1`, uuid.UUID(recordID))
	if err != nil {
		return 0, fmt.Errorf("clear findings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear findings: %w", err)
	}
	return int(n), nil
}
