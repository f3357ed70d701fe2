package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forestline/internal/domain"
	"forestline/internal/lifecycle"
)

var ErrValidation = errors.New("validation failed")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Dating is the validity window and free text given when a sheet is created.
type Dating struct {
	StartingDate  string
	FinishingDate string
	Observations  string
}

type Coordinator struct {
	NewID func() string
	Now   func() time.Time
}

// CreateExecutionSheet is Coordinator{}.Create.
func CreateExecutionSheet(ws domain.Worksheet, selected []string, dating Dating) (domain.ExecutionSheet, error) {
	return Coordinator{}.Create(ws, selected, dating)
}

// Create expands every polygon of ws by every selected operation code into a
// pending record. Repeated codes in selected collapse to one.
func (c Coordinator) Create(ws domain.Worksheet, selected []string, dating Dating) (domain.ExecutionSheet, error) {
	ops := make([]string, 0, len(selected))
	seen := map[string]bool{}
	for _, code := range selected {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		if len(ws.Operations) > 0 && !ws.HasOperation(code) {
			return domain.ExecutionSheet{}, &ValidationError{Field: "operations", Reason: fmt.Sprintf("operation %s is not planned in worksheet %s", code, ws.ID)}
		}
		seen[code] = true
		ops = append(ops, code)
	}
	if len(ops) == 0 {
		return domain.ExecutionSheet{}, &ValidationError{Field: "operations", Reason: "at least one operation must be selected"}
	}
	if len(ws.Polygons) == 0 {
		return domain.ExecutionSheet{}, &ValidationError{Field: "worksheet", Reason: fmt.Sprintf("worksheet %s has no polygons", ws.ID)}
	}
	if err := checkWindow(dating); err != nil {
		return domain.ExecutionSheet{}, err
	}

	sheet := domain.ExecutionSheet{
		ID:                 c.newID(),
		WorkSheetID:        ws.ID,
		StartingDate:       dating.StartingDate,
		FinishingDate:      dating.FinishingDate,
		Observations:       dating.Observations,
		PolygonsOperations: make([]domain.PolygonOperations, 0, len(ws.Polygons)),
		CreatedAt:          c.now().UTC().Format(time.RFC3339),
	}
	for _, p := range ws.Polygons {
		po := domain.PolygonOperations{PolygonID: p.ID, Operations: make([]domain.PolygonOperation, 0, len(ops))}
		for _, code := range ops {
			po.Operations = append(po.Operations, lifecycle.NewRecord(p.ID, code))
		}
		sheet.PolygonsOperations = append(sheet.PolygonsOperations, po)
	}
	return sheet, nil
}

func checkWindow(d Dating) error {
	start, err := parseDate("startingDate", d.StartingDate)
	if err != nil {
		return err
	}
	finish, err := parseDate("finishingDate", d.FinishingDate)
	if err != nil {
		return err
	}
	if !start.IsZero() && !finish.IsZero() && finish.Before(start) {
		return &ValidationError{Field: "finishingDate", Reason: "must not be before startingDate"}
	}
	return nil
}

// parseDate accepts a calendar date or an RFC3339 timestamp. Empty is allowed.
func parseDate(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, &ValidationError{Field: field, Reason: fmt.Sprintf("invalid date %q", v)}
}

func (c Coordinator) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
