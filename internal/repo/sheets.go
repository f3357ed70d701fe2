package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"forestline/internal/domain"
)

// StoredOperation is a lifecycle record together with the row version used
// for compare-and-set updates.
type StoredOperation struct {
	SheetID string
	Record  domain.PolygonOperation
	Version int64
}

// InsertExecutionSheet stores the sheet and one row per lifecycle record.
func (r Repo) InsertExecutionSheet(ctx context.Context, tx *sql.Tx, sheet domain.ExecutionSheet) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO execution_sheets(id,worksheet_id,starting_date,finishing_date,observations,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		sheet.ID, sheet.WorkSheetID, nullable(sheet.StartingDate), nullable(sheet.FinishingDate), nullable(sheet.Observations), nullable(sheet.CreatedBy), sheet.CreatedAt); err != nil {
		return err
	}
	pos := 0
	for _, po := range sheet.PolygonsOperations {
		for _, op := range po.Operations {
			op.PolygonID = po.PolygonID
			tracks, err := marshalTracks(op.Tracks)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO polygon_operations(sheet_id,polygon_id,operation_id,position,status,operator_id,starting_date,finishing_date,last_activity_date,observations,planned_completion_date,estimated_duration_hours,tracks_json,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,0)`,
				sheet.ID, op.PolygonID, op.OperationID, pos, string(op.Status), nullableStringPtr(op.OperatorID),
				nullableStringPtr(op.StartingDate), nullableStringPtr(op.FinishingDate), nullableStringPtr(op.LastActivityDate),
				op.Observations, nullableStringPtr(op.PlannedCompletionDate), nullableFloatPtr(op.EstimatedDurationHours), tracks); err != nil {
				return fmt.Errorf("insert record %s/%s: %w", op.PolygonID, op.OperationID, err)
			}
			pos++
		}
	}
	return nil
}

func (r Repo) GetExecutionSheet(ctx context.Context, id string) (domain.ExecutionSheet, error) {
	return r.GetExecutionSheetTx(ctx, nil, id)
}

// GetExecutionSheetTx loads a sheet with its records grouped by polygon in
// creation order.
func (r Repo) GetExecutionSheetTx(ctx context.Context, tx *sql.Tx, id string) (domain.ExecutionSheet, error) {
	var sheet domain.ExecutionSheet
	var starting, finishing, obs, createdBy sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,worksheet_id,starting_date,finishing_date,observations,created_by,created_at FROM execution_sheets WHERE id=?`, id).
		Scan(&sheet.ID, &sheet.WorkSheetID, &starting, &finishing, &obs, &createdBy, &sheet.CreatedAt)
	if err == sql.ErrNoRows {
		return sheet, ErrNotFound
	}
	if err != nil {
		return sheet, err
	}
	sheet.StartingDate = starting.String
	sheet.FinishingDate = finishing.String
	sheet.Observations = obs.String
	sheet.CreatedBy = createdBy.String

	stored, err := r.ListOperationRecords(ctx, tx, id, "", "")
	if err != nil {
		return sheet, err
	}
	sheet.PolygonsOperations = []domain.PolygonOperations{}
	index := map[string]int{}
	for _, so := range stored {
		i, ok := index[so.Record.PolygonID]
		if !ok {
			i = len(sheet.PolygonsOperations)
			index[so.Record.PolygonID] = i
			sheet.PolygonsOperations = append(sheet.PolygonsOperations, domain.PolygonOperations{PolygonID: so.Record.PolygonID})
		}
		sheet.PolygonsOperations[i].Operations = append(sheet.PolygonsOperations[i].Operations, so.Record)
	}
	return sheet, nil
}

// ListExecutionSheets returns sheet headers without records, newest first.
func (r Repo) ListExecutionSheets(ctx context.Context, worksheetID string) ([]domain.ExecutionSheet, error) {
	query := `SELECT id,worksheet_id,starting_date,finishing_date,observations,created_by,created_at FROM execution_sheets`
	var args []any
	if worksheetID != "" {
		query += ` WHERE worksheet_id=?`
		args = append(args, worksheetID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ExecutionSheet{}
	for rows.Next() {
		var s domain.ExecutionSheet
		var starting, finishing, obs, createdBy sql.NullString
		if err := rows.Scan(&s.ID, &s.WorkSheetID, &starting, &finishing, &obs, &createdBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.StartingDate = starting.String
		s.FinishingDate = finishing.String
		s.Observations = obs.String
		s.CreatedBy = createdBy.String
		s.PolygonsOperations = []domain.PolygonOperations{}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListOperationRecords returns the records of a sheet in creation order,
// optionally narrowed to one operation code and one polygon.
func (r Repo) ListOperationRecords(ctx context.Context, tx *sql.Tx, sheetID, operationID, polygonID string) ([]StoredOperation, error) {
	clauses := []string{"sheet_id=?"}
	args := []any{sheetID}
	if operationID != "" {
		clauses = append(clauses, "operation_id=?")
		args = append(args, operationID)
	}
	if polygonID != "" {
		clauses = append(clauses, "polygon_id=?")
		args = append(args, polygonID)
	}
	query := `SELECT sheet_id,polygon_id,operation_id,status,operator_id,starting_date,finishing_date,last_activity_date,observations,planned_completion_date,estimated_duration_hours,tracks_json,version FROM polygon_operations WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY position`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []StoredOperation{}
	for rows.Next() {
		var so StoredOperation
		var status, tracks string
		var operator, starting, finishing, activity, planned sql.NullString
		var hours sql.NullFloat64
		rec := &so.Record
		if err := rows.Scan(&so.SheetID, &rec.PolygonID, &rec.OperationID, &status, &operator, &starting, &finishing, &activity,
			&rec.Observations, &planned, &hours, &tracks, &so.Version); err != nil {
			return nil, err
		}
		rec.Status = domain.Status(status)
		rec.OperatorID = stringPtr(operator)
		rec.StartingDate = stringPtr(starting)
		rec.FinishingDate = stringPtr(finishing)
		rec.LastActivityDate = stringPtr(activity)
		rec.PlannedCompletionDate = stringPtr(planned)
		rec.EstimatedDurationHours = floatPtr(hours)
		if err := json.Unmarshal([]byte(tracks), &rec.Tracks); err != nil {
			return nil, fmt.Errorf("decode tracks of %s/%s: %w", rec.PolygonID, rec.OperationID, err)
		}
		if rec.Tracks == nil {
			rec.Tracks = []domain.Track{}
		}
		res = append(res, so)
	}
	return res, rows.Err()
}

// UpdateOperationRecord writes next over prev only if the stored row still
// carries prev's version and status. A lost race returns ErrConflict.
func (r Repo) UpdateOperationRecord(ctx context.Context, tx *sql.Tx, prev StoredOperation, next domain.PolygonOperation) error {
	if next.PolygonID != prev.Record.PolygonID || next.OperationID != prev.Record.OperationID {
		return fmt.Errorf("record key changed from %s/%s to %s/%s", prev.Record.PolygonID, prev.Record.OperationID, next.PolygonID, next.OperationID)
	}
	tracks, err := marshalTracks(next.Tracks)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE polygon_operations SET status=?, operator_id=?, starting_date=?, finishing_date=?, last_activity_date=?, observations=?, planned_completion_date=?, estimated_duration_hours=?, tracks_json=?, version=version+1
WHERE sheet_id=? AND polygon_id=? AND operation_id=? AND version=? AND status=?`,
		string(next.Status), nullableStringPtr(next.OperatorID), nullableStringPtr(next.StartingDate), nullableStringPtr(next.FinishingDate),
		nullableStringPtr(next.LastActivityDate), next.Observations, nullableStringPtr(next.PlannedCompletionDate), nullableFloatPtr(next.EstimatedDurationHours), tracks,
		prev.SheetID, prev.Record.PolygonID, prev.Record.OperationID, prev.Version, string(prev.Record.Status))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func marshalTracks(tracks []domain.Track) (string, error) {
	if tracks == nil {
		tracks = []domain.Track{}
	}
	data, err := json.Marshal(tracks)
	if err != nil {
		return "", fmt.Errorf("marshal tracks: %w", err)
	}
	return string(data), nil
}

// SheetWorksheetID returns the worksheet an execution sheet was created from.
func (r Repo) SheetWorksheetID(ctx context.Context, tx *sql.Tx, sheetID string) (string, error) {
	var id string
	err := r.q(tx).QueryRowContext(ctx, `SELECT worksheet_id FROM execution_sheets WHERE id=?`, sheetID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}
