package forestlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Forestline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; servers accept it
	// only in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// Polygon is a stored polygon; WorksheetID is set on region results.
type Polygon struct {
	ID          string   `json:"polygonId"`
	WorksheetID string   `json:"worksheetId,omitempty"`
	Ring        []LatLng `json:"coordinates"`
	Bounds      Bounds   `json:"bounds"`
}

type Operation struct {
	Code        string  `json:"operationCode"`
	Description string  `json:"operationDescription"`
	AreaHa      float64 `json:"areaHa"`
}

// Worksheet represents the API worksheet model (partial).
type Worksheet struct {
	ID                string      `json:"id"`
	StartingDate      string      `json:"startingDate,omitempty"`
	FinishingDate     string      `json:"finishingDate,omitempty"`
	ServiceProviderID *int64      `json:"serviceProviderId,omitempty"`
	Operations        []Operation `json:"operations"`
	Polygons          []Polygon   `json:"polygons"`
	Centroid          *LatLng     `json:"centroid,omitempty"`
}

type DroppedPolygon struct {
	Position  int    `json:"position"`
	PolygonID string `json:"polygonId"`
	Reason    string `json:"reason"`
}

type ImportResult struct {
	Worksheet             Worksheet        `json:"worksheet"`
	Dropped               []DroppedPolygon `json:"dropped"`
	UnmappableCoordinates int              `json:"unmappableCoordinates"`
}

type Operator struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Role          string `json:"role"`
	CorporationID *int64 `json:"corporationId,omitempty"`
}

type Track struct {
	Kind     string  `json:"kind"`
	At       string  `json:"at"`
	Position *LatLng `json:"position,omitempty"`
	Note     string  `json:"note,omitempty"`
}

// Record is one polygon x operation lifecycle record.
type Record struct {
	OperationID            string   `json:"operationId"`
	Status                 string   `json:"status"`
	OperatorID             *string  `json:"operatorId"`
	StartingDate           *string  `json:"startingDate"`
	FinishingDate          *string  `json:"finishingDate"`
	LastActivityDate       *string  `json:"lastActivityDate"`
	Observations           string   `json:"observations"`
	PlannedCompletionDate  *string  `json:"plannedCompletionDate,omitempty"`
	EstimatedDurationHours *float64 `json:"estimatedDurationHours,omitempty"`
	Tracks                 []Track  `json:"tracks"`
}

type PolygonRecords struct {
	PolygonID  string   `json:"polygonId"`
	Operations []Record `json:"operations"`
}

type ExecutionSheet struct {
	ID                 string           `json:"id"`
	WorkSheetID        string           `json:"workSheetId"`
	StartingDate       string           `json:"startingDate"`
	FinishingDate      string           `json:"finishingDate"`
	Observations       string           `json:"observations"`
	PolygonsOperations []PolygonRecords `json:"polygonsOperations"`
}

type RecordResult struct {
	ExecutionSheetID string `json:"executionSheetId"`
	PolygonID        string `json:"polygonId"`
	Operation        Record `json:"operation"`
}

// RecordKey addresses one record; PolygonID is optional for Edit only.
type RecordKey struct {
	ExecutionSheetID string `json:"executionSheetId"`
	PolygonID        string `json:"polygonId,omitempty"`
	OperationID      string `json:"operationId"`
}

type EditFields struct {
	Observations           *string  `json:"observations,omitempty"`
	PlannedCompletionDate  *string  `json:"plannedCompletionDate,omitempty"`
	EstimatedDurationHours *float64 `json:"estimatedDurationHours,omitempty"`
}

type CreateSheetRequest struct {
	WorkSheetID   string   `json:"workSheetId"`
	Operations    []string `json:"operations"`
	StartingDate  string   `json:"startingDate,omitempty"`
	FinishingDate string   `json:"finishingDate,omitempty"`
	Observations  string   `json:"observations,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	WorksheetID string `json:"worksheetId"`
	EntityKind  string `json:"entityKind"`
	EntityID    string `json:"entityId"`
	ActorID     string `json:"actorId"`
	Payload     string `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type RegionResult struct {
	Bounds Bounds    `json:"bounds"`
	Items  []Polygon `json:"items"`
	Cached bool      `json:"cached"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// DevLogin mints a development token and stores it on the client. The server
// must be started with --enable-dev-login.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actorId": actorID, "roles": append([]string{}, roles...)}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// ImportWorksheet uploads a GeoJSON document. An empty id keeps the document's own.
func (c *Client) ImportWorksheet(ctx context.Context, doc []byte, id string) (ImportResult, error) {
	endpoint := "worksheets"
	if id != "" {
		endpoint += "?id=" + url.QueryEscape(id)
	}
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, endpoint, json.RawMessage(doc), &resp)
	return resp, err
}

func (c *Client) GetWorksheet(ctx context.Context, id string) (Worksheet, error) {
	var resp Worksheet
	err := c.do(ctx, http.MethodGet, "worksheets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) RegisterOperator(ctx context.Context, op Operator) (Operator, error) {
	var resp Operator
	err := c.do(ctx, http.MethodPost, "operators", op, &resp)
	return resp, err
}

// EligibleOperators lists operators that may be assigned on a worksheet.
func (c *Client) EligibleOperators(ctx context.Context, worksheetID string) ([]Operator, error) {
	var resp struct {
		Items []Operator `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "worksheets/"+url.PathEscape(worksheetID)+"/eligible-operators", nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateExecutionSheet(ctx context.Context, req CreateSheetRequest) (ExecutionSheet, error) {
	var resp ExecutionSheet
	err := c.do(ctx, http.MethodPost, "execution-sheets", req, &resp)
	return resp, err
}

func (c *Client) GetExecutionSheet(ctx context.Context, id string) (ExecutionSheet, error) {
	var resp ExecutionSheet
	err := c.do(ctx, http.MethodGet, "execution-sheets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SheetStatus returns the global status of every operation in a sheet.
func (c *Client) SheetStatus(ctx context.Context, sheetID string) (map[string]string, error) {
	var resp struct {
		Operations map[string]string `json:"operations"`
	}
	err := c.do(ctx, http.MethodGet, "execution-sheets/"+url.PathEscape(sheetID)+"/status", nil, &resp)
	return resp.Operations, err
}

func (c *Client) Assign(ctx context.Context, key RecordKey, operatorID string) (RecordResult, error) {
	body := struct {
		RecordKey
		OperatorID string `json:"operatorId"`
	}{key, operatorID}
	var resp RecordResult
	err := c.do(ctx, http.MethodPost, "transitions/assign", body, &resp)
	return resp, err
}

func (c *Client) Start(ctx context.Context, key RecordKey) (RecordResult, error) {
	var resp RecordResult
	err := c.do(ctx, http.MethodPost, "transitions/start", key, &resp)
	return resp, err
}

func (c *Client) Stop(ctx context.Context, key RecordKey) (RecordResult, error) {
	var resp RecordResult
	err := c.do(ctx, http.MethodPost, "transitions/stop", key, &resp)
	return resp, err
}

// Edit updates metadata; without key.PolygonID every polygon of the operation changes.
func (c *Client) Edit(ctx context.Context, key RecordKey, fields EditFields) ([]RecordResult, error) {
	body := struct {
		RecordKey
		EditFields
	}{key, fields}
	var resp struct {
		Items []RecordResult `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "transitions/edit", body, &resp)
	return resp.Items, err
}

// Track appends an activity entry; position is [x, y] or nil.
func (c *Client) Track(ctx context.Context, key RecordKey, position []float64, note string) (RecordResult, error) {
	body := struct {
		RecordKey
		Position []float64 `json:"position,omitempty"`
		Note     string    `json:"note,omitempty"`
	}{key, position, note}
	var resp RecordResult
	err := c.do(ctx, http.MethodPost, "transitions/track", body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing for a worksheet ("" for all).
func (c *Client) EventsPage(ctx context.Context, worksheetID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if worksheetID != "" {
		q.Set("worksheet_id", worksheetID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Region returns stored polygons intersecting b.
func (c *Client) Region(ctx context.Context, b Bounds) (RegionResult, error) {
	bbox := strings.Join([]string{
		fmt.Sprint(b.MinLng), fmt.Sprint(b.MinLat), fmt.Sprint(b.MaxLng), fmt.Sprint(b.MaxLat),
	}, ",")
	var resp RegionResult
	err := c.do(ctx, http.MethodGet, "polygons?bbox="+url.QueryEscape(bbox), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
