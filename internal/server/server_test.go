package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestline/internal/config"
	"forestline/internal/db"
	"forestline/internal/domain"
	"forestline/internal/engine"
	"forestline/internal/export"
	"forestline/internal/metrics"
	"forestline/internal/migrate"
)

const testSecret = "test-secret"

const worksheetDoc = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "EPSG:4326"}},
  "features": [
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[-9.10,38.70],[-9.09,38.70],[-9.09,38.71],[-9.10,38.70]]]}, "properties": {"polygon_id": "P1"}},
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[-8.20,40.10],[-8.19,40.10],[-8.19,40.11],[-8.20,40.10]]]}, "properties": {"polygon_id": "P2"}},
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[-8.20,40.10],[0,0]]]}, "properties": {"polygon_id": "BAD"}}
  ],
  "metadata": {
    "id": "ws-1",
    "startingDate": "2024-03-01", "finishingDate": "2024-09-30",
    "serviceProviderId": 7,
    "operations": [
      {"operationCode": "OP1", "operationDescription": "Clearing", "areaHa": 12.5},
      {"operationCode": "OP2", "operationDescription": "Planting", "areaHa": 3}
    ]
  }
}`

type testServer struct {
	URL       string
	ExportDir string
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err, "open db")
	require.NoError(t, migrate.Migrate(context.Background(), conn), "migrate")
	rec, err := metrics.New()
	require.NoError(t, err)
	e := engine.New(conn, config.Default(), nil, rec)
	exportDir := filepath.Join(workspace, "exports")
	cfg := Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true, EnableDevLogin: true},
		Sink:     export.DirSink{Root: exportDir},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err, "build handler")
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "listen")
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	s := &testServer{
		URL:       "http://" + ln.Addr().String(),
		ExportDir: exportDir,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err, "marshal body")
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err, "read body")
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func login(t *testing.T, s *testServer, actorID string, roles ...string) map[string]string {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/auth/dev/login", map[string]any{
		"actorId": actorID,
		"roles":   roles,
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.Token)
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func actor(id string) map[string]string { return map[string]string{"X-Actor-Id": id} }

// seedServer imports ws-1, registers ana (corp 7) and rui (corp 9), and
// creates a sheet for OP1 and OP2.
func seedServer(t *testing.T, s *testServer) (map[string]string, domain.ExecutionSheet) {
	t.Helper()
	planner := login(t, s, "planner", "PLANNER")
	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets", worksheetDoc, planner)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	for _, op := range []map[string]any{
		{"id": "ana", "role": "PO", "corporationId": 7},
		{"id": "rui", "role": "PO", "corporationId": 9},
	} {
		res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/operators", op, planner)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	}

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/execution-sheets", map[string]any{
		"workSheetId":  "ws-1",
		"operations":   []string{"OP1", "OP2"},
		"startingDate": "2024-03-01",
	}, planner)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var sheet domain.ExecutionSheet
	require.NoError(t, json.Unmarshal(data, &sheet))
	return planner, sheet
}

func TestImportWorksheet(t *testing.T) {
	s := newTestServer(t)
	planner := login(t, s, "planner", "PLANNER")

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets", worksheetDoc, planner)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var imported ImportResponse
	require.NoError(t, json.Unmarshal(data, &imported))
	assert.Equal(t, "ws-1", imported.Worksheet.ID)
	assert.Len(t, imported.Worksheet.Polygons, 2)
	require.Len(t, imported.Dropped, 1)
	assert.Equal(t, "BAD", imported.Dropped[0].PolygonID)
	assert.Equal(t, 1, imported.UnmappableCoordinates)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets", `{"nothing":true}`, planner)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/worksheets", nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var list WorksheetListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, 2, list.Items[0].Polygons)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/worksheets/missing", nil, planner)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets", worksheetDoc, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/worksheets", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	// unknown actors hold no office role
	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets", worksheetDoc, actor("stranger"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, _ = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
}

func TestDevLoginOffByDefault(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Auth.EnableDevLogin = false })

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/auth/dev/login", map[string]any{
		"actorId": "stranger",
		"roles":   []string{"ADMIN"},
	}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, _ = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets", worksheetDoc, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotContains(t, string(data), "/auth/dev/login")
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestServer(t)
	planner, sheet := seedServer(t, s)
	require.Len(t, sheet.PolygonsOperations, 2)
	client := s.Client()

	res, data := doJSON(t, client, http.MethodGet, s.URL+"/v0/worksheets/ws-1/eligible-operators", nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var eligible OperatorListResponse
	require.NoError(t, json.Unmarshal(data, &eligible))
	require.Len(t, eligible.Items, 1)
	assert.Equal(t, "ana", eligible.Items[0].ID)

	record := map[string]any{"executionSheetId": sheet.ID, "polygonId": "P1", "operationId": "OP1"}
	assign := func(operatorID string) map[string]any {
		out := map[string]any{"operatorId": operatorID}
		for k, v := range record {
			out[k] = v
		}
		return out
	}

	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/start", record, actor("ana"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/assign", assign("rui"), planner)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "ineligible_operator", errorCode(t, data))

	// field operators may not assign
	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/assign", assign("ana"), actor("ana"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/assign", assign("ana"), planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rec RecordResponse
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "P1", rec.PolygonID)
	assert.Equal(t, domain.StatusAssigned, rec.Operation.Status)

	res, _ = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/start", record, actor("rui"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/start", record, actor("ana"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	track := map[string]any{"position": []float64{-9.095, 38.705}, "note": "halfway"}
	for k, v := range record {
		track[k] = v
	}
	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/track", track, actor("ana"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Len(t, rec.Operation.Tracks, 2)

	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/stop", record, actor("ana"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, domain.StatusCompleted, rec.Operation.Status)
	assert.NotNil(t, rec.Operation.FinishingDate)

	res, data = doJSON(t, client, http.MethodGet, s.URL+"/v0/execution-sheets/"+sheet.ID+"/status", nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var status StatusResponse
	require.NoError(t, json.Unmarshal(data, &status))
	assert.Equal(t, domain.StatusPending, status.Operations["OP1"])

	res, _ = doJSON(t, client, http.MethodGet, s.URL+"/v0/execution-sheets/"+sheet.ID+"/status?operation=OP9", nil, planner)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, s.URL+"/v0/events?worksheet_id=ws-1&entity_kind=polygon_operation&limit=2", nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "operation.stopped", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, s.URL+"/v0/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `forestline_transitions_total{result="ok",transition="stop"} 1`)
}

func TestEditAndValidation(t *testing.T) {
	s := newTestServer(t)
	planner, sheet := seedServer(t, s)
	client := s.Client()

	res, data := doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/edit", map[string]any{
		"executionSheetId": sheet.ID,
		"operationId":      "OP2",
		"observations":     "windy",
	}, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var edited RecordListResponse
	require.NoError(t, json.Unmarshal(data, &edited))
	require.Len(t, edited.Items, 2)
	assert.Equal(t, "windy", edited.Items[0].Operation.Observations)

	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/edit", map[string]any{
		"executionSheetId": sheet.ID,
		"operationId":      "OP2",
	}, planner)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/execution-sheets", map[string]any{
		"workSheetId": "ws-1",
		"operations":  []string{"OP9"},
	}, planner)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	// missing required body fields fail request validation
	res, data = doJSON(t, client, http.MethodPost, s.URL+"/v0/transitions/start", map[string]any{"operationId": "OP1"}, actor("ana"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodGet, s.URL+"/v0/execution-sheets/missing", nil, planner)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, s.URL+"/v0/worksheets/ws-1/execution-sheets", nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sheets ExecutionSheetListResponse
	require.NoError(t, json.Unmarshal(data, &sheets))
	assert.Len(t, sheets.Items, 1)
}

func TestRegionLookupIsCached(t *testing.T) {
	s := newTestServer(t)
	planner, _ := seedServer(t, s)
	client := s.Client()
	url := s.URL + "/v0/polygons?bbox=-9.2,38.6,-9.0,38.8"

	res, data := doJSON(t, client, http.MethodGet, url, nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var region RegionResponse
	require.NoError(t, json.Unmarshal(data, &region))
	require.Len(t, region.Items, 1)
	assert.Equal(t, "P1", region.Items[0].ID)
	assert.Equal(t, "ws-1", region.Items[0].WorksheetID)
	assert.False(t, region.Cached)

	res, data = doJSON(t, client, http.MethodGet, url, nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &region))
	assert.True(t, region.Cached)

	// imports flush the cache
	res, _ = doJSON(t, client, http.MethodPost, s.URL+"/v0/worksheets", worksheetDoc, planner)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res, data = doJSON(t, client, http.MethodGet, url, nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &region))
	assert.False(t, region.Cached)

	res, data = doJSON(t, client, http.MethodGet, s.URL+"/v0/polygons?bbox=1,2,3", nil, planner)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, s.URL+"/v0/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "forestline_region_lookups_total"), string(data))
}

func TestExportEndpoints(t *testing.T) {
	s := newTestServer(t)
	planner, sheet := seedServer(t, s)

	res, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/execution-sheets/"+sheet.ID+"/export", nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out ExportResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, filepath.Join(s.ExportDir, "execution-sheets", sheet.ID+".json"), out.Location)
	written, err := os.ReadFile(out.Location)
	require.NoError(t, err)
	assert.Contains(t, string(written), `"polygonsOperations"`)

	res, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets/ws-1/export", nil, planner)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = doJSON(t, s.Client(), http.MethodPost, s.URL+"/v0/worksheets/missing/export", nil, planner)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
