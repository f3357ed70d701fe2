package lifecycle

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestline/internal/domain"
)

var (
	t0       = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	eligible = []domain.Operator{{ID: "po-7", Role: "PO"}, {ID: "po-8", Role: "PO"}}
)

func TestHappyPath(t *testing.T) {
	op := NewRecord("P1", "OP1")
	op, err := Assign(op, "po-7", eligible)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, op.Status)
	assert.Equal(t, "po-7", *op.OperatorID)
	assert.Nil(t, op.StartingDate)
	assert.Nil(t, op.LastActivityDate)

	op, err = Start(op, "po-7", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOngoing, op.Status)
	assert.Equal(t, "2024-05-01T08:00:00Z", *op.StartingDate)
	assert.Equal(t, *op.StartingDate, *op.LastActivityDate)

	op, err = RecordTrack(op, "po-7", &domain.LatLng{Lat: 39.1, Lng: -8.2}, "halfway", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOngoing, op.Status)
	assert.Equal(t, "2024-05-01T09:00:00Z", *op.LastActivityDate)

	op, err = Stop(op, "po-7", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, op.Status)
	assert.Equal(t, "2024-05-01T10:00:00Z", *op.FinishingDate)
	assert.Equal(t, "2024-05-01T08:00:00Z", *op.StartingDate)
	require.Len(t, op.Tracks, 3)
	assert.Equal(t, []string{"start", "activity", "stop"}, []string{op.Tracks[0].Kind, op.Tracks[1].Kind, op.Tracks[2].Kind})
}

func TestSecondAssignIsInvalid(t *testing.T) {
	op, err := Assign(NewRecord("P1", "OP1"), "po-7", eligible)
	require.NoError(t, err)

	again, err := Assign(op, "po-8", eligible)
	require.Error(t, err)
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, TransitionAssign, ite.Transition)
	assert.Equal(t, domain.StatusAssigned, ite.Current)
	assert.Equal(t, op, again)
	assert.Equal(t, "po-7", *again.OperatorID)
}

func TestAssignIneligible(t *testing.T) {
	op := NewRecord("P1", "OP1")
	_, err := Assign(op, "po-9", eligible)
	assert.ErrorIs(t, err, ErrIneligibleOperator)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Assign(op, "", eligible)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Assign(op, "po-7", nil)
	assert.ErrorIs(t, err, ErrIneligibleOperator)
}

func TestStartStopRequireAssignedCaller(t *testing.T) {
	op, err := Assign(NewRecord("P1", "OP1"), "po-7", eligible)
	require.NoError(t, err)
	for _, caller := range []string{"", "po-8", "planner"} {
		_, err := Start(op, caller, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition, caller)
	}
	op, err = Start(op, "po-7", t0)
	require.NoError(t, err)
	for _, caller := range []string{"", "po-8"} {
		_, err := Stop(op, caller, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition, caller)
		_, err = RecordTrack(op, caller, nil, "", t0)
		assert.ErrorIs(t, err, ErrInvalidTransition, caller)
	}
}

func TestNoSkippingForward(t *testing.T) {
	pending := NewRecord("P1", "OP1")
	_, err := Start(pending, "po-7", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Stop(pending, "po-7", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = RecordTrack(pending, "po-7", nil, "", t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEditLeavesLifecycleAlone(t *testing.T) {
	op, _ := Assign(NewRecord("P1", "OP1"), "po-7", eligible)
	obs := "steep slope"
	planned := "2024-06-01"
	hours := 12.5
	edited := Edit(op, EditFields{Observations: &obs, PlannedCompletionDate: &planned, EstimatedDurationHours: &hours})
	assert.Equal(t, op.Status, edited.Status)
	assert.Equal(t, op.OperatorID, edited.OperatorID)
	assert.Equal(t, "steep slope", edited.Observations)
	assert.Equal(t, "2024-06-01", *edited.PlannedCompletionDate)
	assert.Equal(t, 12.5, *edited.EstimatedDurationHours)

	none := ""
	cleared := Edit(edited, EditFields{PlannedCompletionDate: &none})
	assert.Nil(t, cleared.PlannedCompletionDate)
	assert.Equal(t, "steep slope", cleared.Observations)
	assert.True(t, EditFields{}.Empty())
}

func TestTransitionsDoNotAliasTracks(t *testing.T) {
	op, _ := Assign(NewRecord("P1", "OP1"), "po-7", eligible)
	started, err := Start(op, "po-7", t0)
	require.NoError(t, err)
	a, err := RecordTrack(started, "po-7", nil, "a", t0)
	require.NoError(t, err)
	b, err := RecordTrack(started, "po-7", nil, "b", t0)
	require.NoError(t, err)
	assert.Len(t, started.Tracks, 1)
	assert.Equal(t, "a", a.Tracks[1].Note)
	assert.Equal(t, "b", b.Tracks[1].Note)
}

func TestStatusNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	callers := []string{"po-7", "po-8", "po-9", ""}
	for iter := 0; iter < 500; iter++ {
		op := NewRecord("P", "O")
		for step := 0; step < 12; step++ {
			before := op
			caller := callers[rng.Intn(len(callers))]
			var next domain.PolygonOperation
			var err error
			switch rng.Intn(5) {
			case 0:
				next, err = Assign(op, caller, eligible)
			case 1:
				next, err = Start(op, caller, t0)
			case 2:
				next, err = Stop(op, caller, t0)
			case 3:
				next, err = RecordTrack(op, caller, nil, "", t0)
			case 4:
				obs := "x"
				next = Edit(op, EditFields{Observations: &obs})
			}
			if err != nil {
				require.ErrorIs(t, err, ErrInvalidTransition)
				require.Equal(t, before, next)
				continue
			}
			require.GreaterOrEqual(t, next.Status.Rank(), before.Status.Rank())
			require.LessOrEqual(t, next.Status.Rank()-before.Status.Rank(), 1)
			if next.Status == domain.StatusOngoing || next.Status == domain.StatusCompleted {
				require.NotNil(t, next.OperatorID)
			}
			op = next
		}
	}
}

func TestGlobalStatus(t *testing.T) {
	rec := func(s domain.Status) domain.PolygonOperation { return domain.PolygonOperation{Status: s} }

	got, ok := GlobalStatus([]domain.PolygonOperation{rec(domain.StatusCompleted), rec(domain.StatusOngoing)})
	require.True(t, ok)
	assert.Equal(t, domain.StatusOngoing, got)

	got, _ = GlobalStatus([]domain.PolygonOperation{rec(domain.StatusCompleted), rec(domain.StatusCompleted)})
	assert.Equal(t, domain.StatusCompleted, got)

	got, _ = GlobalStatus([]domain.PolygonOperation{rec(domain.StatusOngoing), rec(domain.StatusPending), rec(domain.StatusAssigned)})
	assert.Equal(t, domain.StatusPending, got)

	_, ok = GlobalStatus(nil)
	assert.False(t, ok)
}

func TestSheetStatus(t *testing.T) {
	sheet := domain.ExecutionSheet{PolygonsOperations: []domain.PolygonOperations{
		{PolygonID: "P1", Operations: []domain.PolygonOperation{
			{OperationID: "OP1", Status: domain.StatusCompleted},
			{OperationID: "OP2", Status: domain.StatusAssigned},
		}},
		{PolygonID: "P2", Operations: []domain.PolygonOperation{
			{OperationID: "OP1", Status: domain.StatusOngoing},
			{OperationID: "OP2", Status: domain.StatusCompleted},
		}},
	}}
	assert.Equal(t, map[string]domain.Status{"OP1": domain.StatusOngoing, "OP2": domain.StatusAssigned}, SheetStatus(sheet))
}
