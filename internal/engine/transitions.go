package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"forestline/internal/domain"
	"forestline/internal/events"
	"forestline/internal/execution"
	"forestline/internal/geo"
	"forestline/internal/lifecycle"
	"forestline/internal/repo"
)

// RecordRef addresses lifecycle records of one sheet. Transitions other than
// edit require all three fields; edit may leave PolygonID empty to apply to
// every polygon of the operation.
type RecordRef struct {
	SheetID     string
	PolygonID   string
	OperationID string
}

func (r RecordRef) String() string {
	if r.PolygonID == "" {
		return fmt.Sprintf("%s/*/%s", r.SheetID, r.OperationID)
	}
	return fmt.Sprintf("%s/%s/%s", r.SheetID, r.PolygonID, r.OperationID)
}

func (r RecordRef) validate(needPolygon bool) error {
	if strings.TrimSpace(r.SheetID) == "" {
		return &execution.ValidationError{Field: "executionSheetId", Reason: "is required"}
	}
	if strings.TrimSpace(r.OperationID) == "" {
		return &execution.ValidationError{Field: "operationId", Reason: "is required"}
	}
	if needPolygon && strings.TrimSpace(r.PolygonID) == "" {
		return &execution.ValidationError{Field: "polygonId", Reason: "is required"}
	}
	return nil
}

type applyFunc func(domain.PolygonOperation) (domain.PolygonOperation, error)

// prepareFunc reads what a transition depends on through the transition's
// own transaction and returns the function applied to each record.
type prepareFunc func(ctx context.Context, tx *sql.Tx, worksheetID string) (applyFunc, error)

func static(fn applyFunc) prepareFunc {
	return func(context.Context, *sql.Tx, string) (applyFunc, error) { return fn, nil }
}

// mutate loads the addressed records inside one transaction, applies the
// prepared function to each, and writes them back with a compare-and-set on
// version and status. Nothing is written unless every record accepts the change.
func (e Engine) mutate(ctx context.Context, t lifecycle.Transition, evtType string, ref RecordRef, actorID string, payload events.EventPayload, prepare prepareFunc) (out []domain.PolygonOperation, err error) {
	defer func() { e.Metrics.Transition(string(t), transitionResult(err)) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	worksheetID, err := e.Repo.SheetWorksheetID(ctx, tx, ref.SheetID)
	if err != nil {
		return nil, fmt.Errorf("execution sheet %s: %w", ref.SheetID, err)
	}
	fn, err := prepare(ctx, tx, worksheetID)
	if err != nil {
		return nil, err
	}
	stored, err := e.Repo.ListOperationRecords(ctx, tx, ref.SheetID, ref.OperationID, ref.PolygonID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("record %s: %w", ref, repo.ErrNotFound)
	}
	for _, prev := range stored {
		next, err := fn(prev.Record)
		if err != nil {
			e.logger().Debug("transition rejected",
				zap.String("transition", string(t)),
				zap.String("record", fmt.Sprintf("%s/%s/%s", ref.SheetID, prev.Record.PolygonID, prev.Record.OperationID)),
				zap.String("actor_id", actorID),
				zap.Error(err))
			return nil, err
		}
		if err := e.Repo.UpdateOperationRecord(ctx, tx, prev, next); err != nil {
			return nil, fmt.Errorf("update %s/%s: %w", prev.Record.PolygonID, prev.Record.OperationID, err)
		}
		out = append(out, next)
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["records"] = len(out)
	payload["status"] = string(out[0].Status)
	if err := e.events().Append(ctx, tx, evtType, worksheetID, "polygon_operation", ref.String(), actorID, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.logger().Info("transition applied",
		zap.String("transition", string(t)),
		zap.String("record", ref.String()),
		zap.String("actor_id", actorID),
		zap.String("status", string(out[0].Status)))
	return out, nil
}

func transitionResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lifecycle.ErrIneligibleOperator):
		return "ineligible"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return "rejected"
	case errors.Is(err, repo.ErrConflict):
		return "conflict"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, execution.ErrValidation):
		return "invalid"
	}
	return "error"
}

// Assign hands a pending record to an operator eligible for the sheet's worksheet.
func (e Engine) Assign(ctx context.Context, ref RecordRef, operatorID, actorID string) (domain.PolygonOperation, error) {
	return e.single(ctx, lifecycle.TransitionAssign, events.OperationAssigned, ref, actorID,
		events.EventPayload{"operator_id": operatorID},
		func(ctx context.Context, tx *sql.Tx, worksheetID string) (applyFunc, error) {
			ws, err := e.Repo.GetWorksheetTx(ctx, tx, worksheetID)
			if err != nil {
				return nil, fmt.Errorf("worksheet %s: %w", worksheetID, err)
			}
			candidates, err := e.Repo.ListOperatorsTx(ctx, tx, "")
			if err != nil {
				return nil, err
			}
			eligible := e.resolver().Eligible(candidates, ws)
			return func(op domain.PolygonOperation) (domain.PolygonOperation, error) {
				return lifecycle.Assign(op, operatorID, eligible)
			}, nil
		})
}

// Start moves an assigned record to ongoing. callerID must be the assigned operator.
func (e Engine) Start(ctx context.Context, ref RecordRef, callerID string) (domain.PolygonOperation, error) {
	return e.single(ctx, lifecycle.TransitionStart, events.OperationStarted, ref, callerID, nil,
		static(func(op domain.PolygonOperation) (domain.PolygonOperation, error) {
			return lifecycle.Start(op, callerID, e.now())
		}))
}

// Stop completes an ongoing record. callerID must be the assigned operator.
func (e Engine) Stop(ctx context.Context, ref RecordRef, callerID string) (domain.PolygonOperation, error) {
	return e.single(ctx, lifecycle.TransitionStop, events.OperationStopped, ref, callerID, nil,
		static(func(op domain.PolygonOperation) (domain.PolygonOperation, error) {
			return lifecycle.Stop(op, callerID, e.now())
		}))
}

func (e Engine) single(ctx context.Context, t lifecycle.Transition, evtType string, ref RecordRef, actorID string, payload events.EventPayload, prepare prepareFunc) (domain.PolygonOperation, error) {
	if err := ref.validate(true); err != nil {
		e.Metrics.Transition(string(t), transitionResult(err))
		return domain.PolygonOperation{}, err
	}
	out, err := e.mutate(ctx, t, evtType, ref, actorID, payload, prepare)
	if err != nil {
		return domain.PolygonOperation{}, err
	}
	return out[0], nil
}

// Edit updates metadata on every record of ref.OperationID in the sheet, or on
// one record when ref.PolygonID is set. Status and operator are never touched.
func (e Engine) Edit(ctx context.Context, ref RecordRef, fields lifecycle.EditFields, actorID string) ([]domain.PolygonOperation, error) {
	if err := ref.validate(false); err != nil {
		e.Metrics.Transition(string(lifecycle.TransitionEdit), transitionResult(err))
		return nil, err
	}
	if fields.Empty() {
		err := &execution.ValidationError{Field: "fields", Reason: "at least one field must be given"}
		e.Metrics.Transition(string(lifecycle.TransitionEdit), transitionResult(err))
		return nil, err
	}
	payload := events.EventPayload{}
	if fields.Observations != nil {
		payload["observations"] = *fields.Observations
	}
	if fields.PlannedCompletionDate != nil {
		payload["planned_completion_date"] = *fields.PlannedCompletionDate
	}
	if fields.EstimatedDurationHours != nil {
		payload["estimated_duration_hours"] = *fields.EstimatedDurationHours
	}
	return e.mutate(ctx, lifecycle.TransitionEdit, events.OperationEdited, ref, actorID, payload,
		static(func(op domain.PolygonOperation) (domain.PolygonOperation, error) {
			return lifecycle.Edit(op, fields), nil
		}))
}

// TrackInput is one activity report from the field. Position is a raw
// coordinate pair in either reference system; an unmappable pair is dropped
// and the entry kept without a position.
type TrackInput struct {
	Position []float64
	Note     string
}

// RecordTrack appends an activity entry to an ongoing record of the caller.
// The position is read in the configured reference system, or else the one
// the worksheet declared, before falling back to range detection.
func (e Engine) RecordTrack(ctx context.Context, ref RecordRef, callerID string, in TrackInput) (domain.PolygonOperation, error) {
	payload := events.EventPayload{"note": in.Note}
	return e.single(ctx, lifecycle.TransitionTrack, events.OperationTracked, ref, callerID, payload,
		func(ctx context.Context, tx *sql.Tx, worksheetID string) (applyFunc, error) {
			var position *domain.LatLng
			if len(in.Position) > 0 {
				system := e.declaredSystem()
				if system == geo.Unknown {
					ws, err := e.Repo.GetWorksheetTx(ctx, tx, worksheetID)
					if err != nil {
						return nil, fmt.Errorf("worksheet %s: %w", worksheetID, err)
					}
					system = geo.ParseSystem(ws.CRS)
				}
				norm := geo.Normalizer{Declared: system, Logger: e.logger()}
				c := norm.Normalize(in.Position)
				if c.IsSentinel() {
					e.logger().Warn("track position unmappable", zap.String("record", ref.String()), zap.Float64s("position", in.Position))
				} else {
					ll := c.LatLng()
					position = &ll
					payload["lat"] = ll.Lat
					payload["lng"] = ll.Lng
				}
			}
			return func(op domain.PolygonOperation) (domain.PolygonOperation, error) {
				return lifecycle.RecordTrack(op, callerID, position, in.Note, e.now())
			}, nil
		})
}

// GlobalStatus is the coarsest status across all records of one operation in a sheet.
func (e Engine) GlobalStatus(ctx context.Context, sheetID, operationID string) (domain.Status, error) {
	stored, err := e.Repo.ListOperationRecords(ctx, nil, sheetID, operationID, "")
	if err != nil {
		return "", err
	}
	records := make([]domain.PolygonOperation, 0, len(stored))
	for _, so := range stored {
		records = append(records, so.Record)
	}
	status, ok := lifecycle.GlobalStatus(records)
	if !ok {
		return "", fmt.Errorf("operation %s in sheet %s: %w", operationID, sheetID, repo.ErrNotFound)
	}
	return status, nil
}

// SheetStatus reports the global status of every operation of a sheet.
func (e Engine) SheetStatus(ctx context.Context, sheetID string) (map[string]domain.Status, error) {
	sheet, err := e.Repo.GetExecutionSheet(ctx, sheetID)
	if err != nil {
		return nil, fmt.Errorf("execution sheet %s: %w", sheetID, err)
	}
	return lifecycle.SheetStatus(sheet), nil
}
