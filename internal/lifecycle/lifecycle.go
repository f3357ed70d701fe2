package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"forestline/internal/domain"
)

type Transition string

const (
	TransitionAssign Transition = "assign"
	TransitionStart  Transition = "start"
	TransitionStop   Transition = "stop"
	TransitionEdit   Transition = "edit"
	TransitionTrack  Transition = "track"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrIneligibleOperator = errors.New("ineligible operator")
)

type InvalidTransitionError struct {
	Transition Transition
	Current    domain.Status
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s operation in status %s", e.Transition, e.Current)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// IneligibleOperatorError rejects an assign. It also matches ErrInvalidTransition.
type IneligibleOperatorError struct {
	OperatorID string
	Current    domain.Status
}

func (e *IneligibleOperatorError) Error() string {
	return fmt.Sprintf("operator %s is not eligible for this worksheet", e.OperatorID)
}

func (e *IneligibleOperatorError) Is(target error) bool {
	return target == ErrIneligibleOperator || target == ErrInvalidTransition
}

func invalid(t Transition, cur domain.Status, reason string) error {
	return &InvalidTransitionError{Transition: t, Current: cur, Reason: reason}
}

// NewRecord returns a fresh pending record.
func NewRecord(polygonID, operationID string) domain.PolygonOperation {
	return domain.PolygonOperation{
		PolygonID:   polygonID,
		OperationID: operationID,
		Status:      domain.StatusPending,
		Tracks:      []domain.Track{},
	}
}

// Assign moves a pending record to assigned. operatorID must be in eligible.
func Assign(op domain.PolygonOperation, operatorID string, eligible []domain.Operator) (domain.PolygonOperation, error) {
	if op.Status != domain.StatusPending {
		return op, invalid(TransitionAssign, op.Status, "")
	}
	if operatorID == "" {
		return op, invalid(TransitionAssign, op.Status, "operator is required")
	}
	found := false
	for _, cand := range eligible {
		if cand.ID == operatorID {
			found = true
			break
		}
	}
	if !found {
		return op, &IneligibleOperatorError{OperatorID: operatorID, Current: op.Status}
	}
	next := clone(op)
	next.Status = domain.StatusAssigned
	next.OperatorID = &operatorID
	return next, nil
}

// Start moves an assigned record to ongoing. Only the assigned operator may start it.
func Start(op domain.PolygonOperation, callerID string, now time.Time) (domain.PolygonOperation, error) {
	if op.Status != domain.StatusAssigned {
		return op, invalid(TransitionStart, op.Status, "")
	}
	if err := ensureCaller(TransitionStart, op, callerID); err != nil {
		return op, err
	}
	ts := stamp(now)
	next := clone(op)
	next.Status = domain.StatusOngoing
	next.StartingDate = &ts
	next.LastActivityDate = &ts
	next.Tracks = append(next.Tracks, domain.Track{Kind: "start", At: ts, OperatorID: callerID})
	return next, nil
}

// Stop moves an ongoing record to completed. Only the assigned operator may stop it.
func Stop(op domain.PolygonOperation, callerID string, now time.Time) (domain.PolygonOperation, error) {
	if op.Status != domain.StatusOngoing {
		return op, invalid(TransitionStop, op.Status, "")
	}
	if err := ensureCaller(TransitionStop, op, callerID); err != nil {
		return op, err
	}
	ts := stamp(now)
	next := clone(op)
	next.Status = domain.StatusCompleted
	next.FinishingDate = &ts
	next.LastActivityDate = &ts
	next.Tracks = append(next.Tracks, domain.Track{Kind: "stop", At: ts, OperatorID: callerID})
	return next, nil
}

// EditFields holds the metadata an edit may change. Nil fields are left alone;
// an empty PlannedCompletionDate clears it.
type EditFields struct {
	Observations           *string
	PlannedCompletionDate  *string
	EstimatedDurationHours *float64
}

func (f EditFields) Empty() bool {
	return f.Observations == nil && f.PlannedCompletionDate == nil && f.EstimatedDurationHours == nil
}

// Edit updates metadata in any status. Status, operator and timestamps are untouched.
func Edit(op domain.PolygonOperation, fields EditFields) domain.PolygonOperation {
	next := clone(op)
	if fields.Observations != nil {
		next.Observations = *fields.Observations
	}
	if fields.PlannedCompletionDate != nil {
		if *fields.PlannedCompletionDate == "" {
			next.PlannedCompletionDate = nil
		} else {
			v := *fields.PlannedCompletionDate
			next.PlannedCompletionDate = &v
		}
	}
	if fields.EstimatedDurationHours != nil {
		v := *fields.EstimatedDurationHours
		next.EstimatedDurationHours = &v
	}
	return next
}

// RecordTrack appends an activity entry to an ongoing record and refreshes
// its last-activity timestamp. Status never changes.
func RecordTrack(op domain.PolygonOperation, callerID string, position *domain.LatLng, note string, now time.Time) (domain.PolygonOperation, error) {
	if op.Status != domain.StatusOngoing {
		return op, invalid(TransitionTrack, op.Status, "")
	}
	if err := ensureCaller(TransitionTrack, op, callerID); err != nil {
		return op, err
	}
	ts := stamp(now)
	next := clone(op)
	next.LastActivityDate = &ts
	next.Tracks = append(next.Tracks, domain.Track{Kind: "activity", At: ts, OperatorID: callerID, Position: position, Note: note})
	return next, nil
}

func ensureCaller(t Transition, op domain.PolygonOperation, callerID string) error {
	if op.OperatorID == nil || callerID == "" || *op.OperatorID != callerID {
		return invalid(t, op.Status, "caller is not the assigned operator")
	}
	return nil
}

func stamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}

func clone(op domain.PolygonOperation) domain.PolygonOperation {
	next := op
	next.Tracks = make([]domain.Track, len(op.Tracks), len(op.Tracks)+1)
	copy(next.Tracks, op.Tracks)
	return next
}

// GlobalStatus is the minimum status across records. ok is false for no records.
func GlobalStatus(records []domain.PolygonOperation) (domain.Status, bool) {
	if len(records) == 0 {
		return "", false
	}
	low := records[0].Status
	for _, r := range records[1:] {
		if r.Status.Rank() < low.Rank() {
			low = r.Status
		}
	}
	return low, true
}

// SheetStatus computes the global status of every operation in a sheet.
func SheetStatus(sheet domain.ExecutionSheet) map[string]domain.Status {
	byOp := map[string][]domain.PolygonOperation{}
	for _, r := range sheet.Records() {
		byOp[r.OperationID] = append(byOp[r.OperationID], r)
	}
	out := make(map[string]domain.Status, len(byOp))
	for opID, records := range byOp {
		out[opID], _ = GlobalStatus(records)
	}
	return out
}
