package repo

import (
	"context"
	"database/sql"
	"fmt"

	"forestline/internal/domain"
)

// UpsertOperator inserts or refreshes an operator. CreatedAt is kept on update.
func (r Repo) UpsertOperator(ctx context.Context, tx *sql.Tx, op domain.Operator) error {
	if op.ID == "" {
		return fmt.Errorf("operator id required")
	}
	if op.Role == "" {
		return fmt.Errorf("operator role required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO operators(id,name,role,corporation_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, corporation_id=excluded.corporation_id`,
		op.ID, nullable(op.Name), op.Role, nullableInt64Ptr(op.CorporationID), op.CreatedAt)
	return err
}

func (r Repo) GetOperator(ctx context.Context, id string) (domain.Operator, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,role,corporation_id,created_at FROM operators WHERE id=?`, id)
	op, err := scanOperator(row)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	return op, err
}

// ListOperators returns operators ordered by id, filtered by role when one is given.
func (r Repo) ListOperators(ctx context.Context, role string) ([]domain.Operator, error) {
	return r.ListOperatorsTx(ctx, nil, role)
}

func (r Repo) ListOperatorsTx(ctx context.Context, tx *sql.Tx, role string) ([]domain.Operator, error) {
	query := `SELECT id,name,role,corporation_id,created_at FROM operators`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Operator{}
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

func scanOperator(row rowScanner) (domain.Operator, error) {
	var op domain.Operator
	var name sql.NullString
	var corp sql.NullInt64
	if err := row.Scan(&op.ID, &name, &op.Role, &corp, &op.CreatedAt); err != nil {
		return op, err
	}
	op.Name = name.String
	op.CorporationID = int64Ptr(corp)
	return op, nil
}
