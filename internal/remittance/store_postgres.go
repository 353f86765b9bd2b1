package remittance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fiscalbridge/internal/platform/postgres"
	"fiscalbridge/pkg/domain"
	"fiscalbridge/pkg/platform/sentinel"
	txcontext "fiscalbridge/pkg/platform/tx"
)

// PostgresStore persists remittances. The partial unique index on
// raw_record_id enforces one active remittance per record, and CHECK
// constraints back the protocol and cancellation invariants.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const remittanceColumns = `id, unit_id, raw_record_id, module, competency, status, error_stage, payload,
	source_digest, protocol, error_message, cancel_reason, created_at, updated_at, sent_at, cancelled_at`

func (s *PostgresStore) Create(ctx context.Context, r *Remittance) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO remittances (`+remittanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, uuid.UUID(r.ID), uuid.UUID(r.UnitID), uuid.UUID(r.RawRecordID), r.Module, r.Competency,
		string(r.Status), string(r.ErrorStage), nullJSON(r.Payload), r.SourceDigest, nullString(r.Protocol),
		r.ErrorMessage, r.CancelReason, r.CreatedAt, r.UpdatedAt, r.SentAt, r.CancelledAt)
	if err != nil {
		return mapWriteErr("insert remittance", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id domain.RemittanceID) (*Remittance, error) {
	r, err := scanRemittance(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+remittanceColumns+` FROM remittances WHERE id = $1`, uuid.UUID(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find remittance: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindActiveByRecord(ctx context.Context, recordID domain.RawRecordID) (*Remittance, error) {
	r, err := scanRemittance(txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+remittanceColumns+` FROM remittances WHERE raw_record_id = $1 AND status <> 'CANCELLED'`,
		uuid.UUID(recordID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find active remittance: %w", err)
	}
	return r, nil
}

// UpdateIfStatus is a compare-and-set on status.
func (s *PostgresStore) UpdateIfStatus(ctx context.Context, r *Remittance, expected Status) error {
	exec := txcontext.Exec(ctx, s.db)
	res, err := exec.ExecContext(ctx, `
		UPDATE remittances
		SET status = $3, error_stage = $4, payload = $5, source_digest = $6, protocol = $7, error_message = $8,
		    cancel_reason = $9, updated_at = $10, sent_at = $11, cancelled_at = $12
		WHERE id = $1 AND status = $2
	`, uuid.UUID(r.ID), string(expected), string(r.Status), string(r.ErrorStage), nullJSON(r.Payload),
		r.SourceDigest, nullString(r.Protocol), r.ErrorMessage, r.CancelReason, r.UpdatedAt, r.SentAt, r.CancelledAt)
	if err != nil {
		return mapWriteErr("update remittance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update remittance: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := exec.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM remittances WHERE id = $1)`, uuid.UUID(r.ID)).Scan(&exists); err != nil {
		return fmt.Errorf("check remittance: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrConflict
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Remittance, error) {
	where, args := remittanceFilter(filter, true)
	query := `SELECT ` + remittanceColumns + ` FROM remittances` + where + ` ORDER BY created_at DESC, id`
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
		return nil, fmt.Errorf("list remittances: %w", err)
	}
	defer rows.Close()

	out := make([]*Remittance, 0)
	for rows.Next() {
		r, err := scanRemittance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan remittance: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remittances: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, filter Filter) (map[Status]int, error) {
	where, args := remittanceFilter(filter, false)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM remittances`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count remittances: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan remittance count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remittance counts: %w", err)
	}
	return counts, nil
}

func remittanceFilter(f Filter, withStatus bool) (string, []any) {
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
	if !f.RawRecordID.IsNil() {
		add("raw_record_id", uuid.UUID(f.RawRecordID))
	}
	if f.Module != "" {
		add("module", f.Module)
	}
	if f.Competency != "" {
		add("competency", f.Competency)
	}
	if withStatus && f.Status != "" {
		add("status", string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func mapWriteErr(op string, err error) error {
	switch {
	case postgres.IsUniqueViolation(err):
		return sentinel.ErrAlreadyUsed
	case postgres.IsCheckViolation(err):
		return fmt.Errorf("%s: %w", op, sentinel.ErrInvalidState)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRemittance(row rowScanner) (*Remittance, error) {
	var (
		r                    Remittance
		id, unitID, recordID uuid.UUID
		status, stage        string
		payload              []byte
		protocol             sql.NullString
		sentAt, cancelledAt  sql.NullTime
	)
	if err := row.Scan(&id, &unitID, &recordID, &r.Module, &r.Competency, &status, &stage, &payload,
		&r.SourceDigest, &protocol, &r.ErrorMessage, &r.CancelReason, &r.CreatedAt, &r.UpdatedAt, &sentAt, &cancelledAt); err != nil {
		return nil, err
	}
	r.ID = domain.RemittanceID(id)
	r.UnitID = domain.UnitID(unitID)
	r.RawRecordID = domain.RawRecordID(recordID)
	r.Status = Status(status)
	r.ErrorStage = ErrorStage(stage)
	if len(payload) > 0 {
		r.Payload = json.RawMessage(payload)
	}
	r.Protocol = protocol.String
	r.SentAt = timePtr(sentAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// PostgresLogStore appends communication logs.
type PostgresLogStore struct {
	db *sql.DB
}

func NewPostgresLogStore(db *sql.DB) *PostgresLogStore {
	return &PostgresLogStore{db: db}
}

func (s *PostgresLogStore) Append(ctx context.Context, entries ...Log) error {
	exec := txcontext.Exec(ctx, s.db)
	for _, e := range entries {
		headers, err := json.Marshal(e.Headers)
		if err != nil {
			return fmt.Errorf("marshal log headers: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			INSERT INTO remittance_logs (id, remittance_id, attempt, direction, method, url, status_code, headers, body, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, uuid.UUID(e.ID), uuid.UUID(e.RemittanceID), e.Attempt, string(e.Direction), e.Method, e.URL,
			e.StatusCode, headers, e.Body, e.DurationMs, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert remittance log: %w", err)
		}
	}
	return nil
}

func (s *PostgresLogStore) ListByRemittance(ctx context.Context, id domain.RemittanceID) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, remittance_id, attempt, direction, method, url, status_code, headers, body, duration_ms, created_at
		FROM remittance_logs WHERE remittance_id = $1 ORDER BY attempt, created_at, direction DESC
	`, uuid.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("list remittance logs: %w", err)
	}
	defer rows.Close()

	out := make([]Log, 0)
	for rows.Next() {
		var (
			e          Log
			logID, rID uuid.UUID
			direction  string
			statusCode sql.NullInt64
			headers    []byte
			duration   sql.NullInt64
		)
		if err := rows.Scan(&logID, &rID, &e.Attempt, &direction, &e.Method, &e.URL, &statusCode,
			&headers, &e.Body, &duration, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan remittance log: %w", err)
		}
		e.ID = domain.LogID(logID)
		e.RemittanceID = domain.RemittanceID(rID)
		e.Direction = Direction(direction)
		if statusCode.Valid {
			code := int(statusCode.Int64)
			e.StatusCode = &code
		}
		if duration.Valid {
			d := duration.Int64
			e.DurationMs = &d
		}
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return nil, fmt.Errorf("decode log headers: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate remittance logs: %w", err)
	}
	return out, nil
}

func (s *PostgresLogStore) LastAttempt(ctx context.Context, id domain.RemittanceID) (int, error) {
	var n int
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM remittance_logs WHERE remittance_id = $1`, uuid.UUID(id)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("last attempt: %w", err)
	}
	return n, nil
}
