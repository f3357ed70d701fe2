package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestline/internal/db"
	"forestline/internal/domain"
	"forestline/internal/migrate"
)

const stamp = "2024-03-01T08:00:00Z"

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	return Repo{DB: conn}
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func square(id string, lat, lng float64) domain.Polygon {
	ring := []domain.LatLng{{Lat: lat, Lng: lng}, {Lat: lat, Lng: lng + 0.01}, {Lat: lat + 0.01, Lng: lng + 0.01}, {Lat: lat, Lng: lng}}
	return domain.Polygon{
		ID:     id,
		Ring:   ring,
		Bounds: domain.Bounds{MinLat: lat, MinLng: lng, MaxLat: lat + 0.01, MaxLng: lng + 0.01},
	}
}

func sampleWorksheet() domain.Worksheet {
	provider := int64(7)
	return domain.Worksheet{
		ID:                "ws-1",
		Encoding:          "metadata",
		StartingDate:      "2024-03-01",
		ServiceProviderID: &provider,
		Codes:             domain.AdministrativeCodes{AIGP: "AIGP-9"},
		Operations:        []domain.OperationSpec{{Code: "OP1", Description: "Cleaning", AreaHa: 2.5}, {Code: "OP2"}},
		Polygons:          []domain.Polygon{square("P1", 38.7, -9.1), square("P2", 40.1, -8.2)},
		Centroid:          &domain.LatLng{Lat: 39.4, Lng: -8.65},
		CreatedAt:         stamp,
		UpdatedAt:         stamp,
	}
}

func TestWorksheetRoundTripAndReplace(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	ws := sampleWorksheet()
	ws.Polygons[0].Properties = map[string]any{"owner": "x"}
	inTx(t, r, func(tx *sql.Tx) error { return r.ReplaceWorksheet(ctx, tx, ws) })

	got, err := r.GetWorksheet(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, ws.Operations, got.Operations)
	require.Len(t, got.Polygons, 2)
	assert.Equal(t, ws.Polygons[0].Ring, got.Polygons[0].Ring)
	assert.Equal(t, "x", got.Polygons[0].Properties["owner"])
	assert.Equal(t, int64(7), *got.ServiceProviderID)
	assert.Equal(t, "AIGP-9", got.Codes.AIGP)
	require.NotNil(t, got.Centroid)

	ws.Operations = ws.Operations[:1]
	ws.Polygons = ws.Polygons[1:]
	ws.CreatedAt = "2030-01-01T00:00:00Z"
	ws.UpdatedAt = "2024-04-01T00:00:00Z"
	inTx(t, r, func(tx *sql.Tx) error { return r.ReplaceWorksheet(ctx, tx, ws) })

	got, err = r.GetWorksheet(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, got.Operations, 1)
	require.Len(t, got.Polygons, 1)
	assert.Equal(t, "P2", got.Polygons[0].ID)
	assert.Equal(t, stamp, got.CreatedAt)

	list, err := r.ListWorksheets(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Polygons)
	assert.Equal(t, 1, list[0].Operations)

	_, err = r.GetWorksheet(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPolygonsInBounds(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	inTx(t, r, func(tx *sql.Tx) error { return r.ReplaceWorksheet(ctx, tx, sampleWorksheet()) })

	hits, err := r.PolygonsInBounds(ctx, domain.Bounds{MinLat: 38.0, MinLng: -9.5, MaxLat: 39.0, MaxLng: -9.0}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "P1", hits[0].ID)
	assert.Equal(t, "ws-1", hits[0].WorksheetID)

	// partial overlap of the corner
	hits, err = r.PolygonsInBounds(ctx, domain.Bounds{MinLat: 40.105, MinLng: -8.195, MaxLat: 41, MaxLng: -8}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "P2", hits[0].ID)

	hits, err = r.PolygonsInBounds(ctx, domain.Bounds{MinLat: 0, MinLng: 0, MaxLat: 1, MaxLng: 1}, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOperators(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	corp := int64(7)
	require.NoError(t, r.UpsertOperator(ctx, nil, domain.Operator{ID: "op-1", Role: "PO", CorporationID: &corp, CreatedAt: stamp}))
	require.NoError(t, r.UpsertOperator(ctx, nil, domain.Operator{ID: "op-2", Role: "ADMIN", CreatedAt: stamp}))
	require.NoError(t, r.UpsertOperator(ctx, nil, domain.Operator{ID: "op-1", Name: "Ana", Role: "PO", CorporationID: &corp, CreatedAt: "later"}))

	op, err := r.GetOperator(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", op.Name)
	assert.Equal(t, stamp, op.CreatedAt)

	pos, err := r.ListOperators(ctx, "PO")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	all, err := r.ListOperators(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.GetOperator(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, r.UpsertOperator(ctx, nil, domain.Operator{ID: "op-3"}))
}

func TestExecutionSheetCompareAndSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	inTx(t, r, func(tx *sql.Tx) error { return r.ReplaceWorksheet(ctx, tx, sampleWorksheet()) })

	sheet := domain.ExecutionSheet{ID: "sheet-1", WorkSheetID: "ws-1", StartingDate: "2024-03-01", CreatedAt: stamp}
	for _, pid := range []string{"P1", "P2"} {
		sheet.PolygonsOperations = append(sheet.PolygonsOperations, domain.PolygonOperations{
			PolygonID:  pid,
			Operations: []domain.PolygonOperation{{PolygonID: pid, OperationID: "OP1", Status: domain.StatusPending}},
		})
	}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertExecutionSheet(ctx, tx, sheet) })

	got, err := r.GetExecutionSheet(ctx, "sheet-1")
	require.NoError(t, err)
	require.Len(t, got.PolygonsOperations, 2)
	assert.Equal(t, "P1", got.PolygonsOperations[0].PolygonID)
	assert.Empty(t, got.PolygonsOperations[0].Operations[0].Tracks)

	stored, err := r.ListOperationRecords(ctx, nil, "sheet-1", "OP1", "P2")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	prev := stored[0]

	next := prev.Record
	operator := "op-1"
	next.Status = domain.StatusAssigned
	next.OperatorID = &operator
	next.Tracks = []domain.Track{{Kind: "activity", At: stamp, OperatorID: operator, Position: &domain.LatLng{Lat: 1, Lng: 2}}}
	inTx(t, r, func(tx *sql.Tx) error { return r.UpdateOperationRecord(ctx, tx, prev, next) })

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	err = r.UpdateOperationRecord(ctx, tx, prev, next)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, tx.Rollback())

	stored, err = r.ListOperationRecords(ctx, nil, "sheet-1", "OP1", "P2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored[0].Version)
	assert.Equal(t, domain.StatusAssigned, stored[0].Record.Status)
	assert.Equal(t, "op-1", *stored[0].Record.OperatorID)
	require.Len(t, stored[0].Record.Tracks, 1)
	assert.Equal(t, 2.0, stored[0].Record.Tracks[0].Position.Lng)

	list, err := r.ListExecutionSheets(ctx, "ws-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	_, err = r.GetExecutionSheet(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsQueries(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	for i, ws := range []string{"ws-1", "ws-2", "ws-1"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,worksheet_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			stamp, "operation.started", ws, "polygon_operation", nil, "op-1", "{}")
		require.NoError(t, err, i)
	}
	latest, err := r.LatestEvents(ctx, 10, 0, "ws-1", "", "", "")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID, "")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "ws-2", after[0].WorksheetID)

	id, err := r.LatestEventID(ctx, "ws-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}
