package server

import (
	"forestline/internal/catalog"
	"forestline/internal/domain"
)

// Request payloads

type RegisterOperatorRequest struct {
	ID            string `json:"id" minLength:"1"`
	Name          string `json:"name,omitempty"`
	Role          string `json:"role" minLength:"1"`
	CorporationID *int64 `json:"corporationId,omitempty"`
}

type CreateExecutionSheetRequest struct {
	WorkSheetID   string   `json:"workSheetId" minLength:"1"`
	Operations    []string `json:"operations"`
	StartingDate  string   `json:"startingDate,omitempty"`
	FinishingDate string   `json:"finishingDate,omitempty"`
	Observations  string   `json:"observations,omitempty"`
}

type AssignRequest struct {
	ExecutionSheetID string `json:"executionSheetId" minLength:"1"`
	PolygonID        string `json:"polygonId" minLength:"1"`
	OperationID      string `json:"operationId" minLength:"1"`
	OperatorID       string `json:"operatorId" minLength:"1"`
}

type RecordRequest struct {
	ExecutionSheetID string `json:"executionSheetId" minLength:"1"`
	PolygonID        string `json:"polygonId" minLength:"1"`
	OperationID      string `json:"operationId" minLength:"1"`
}

// EditRequest applies to every polygon of the operation unless polygonId is set.
type EditRequest struct {
	ExecutionSheetID       string   `json:"executionSheetId" minLength:"1"`
	OperationID            string   `json:"operationId" minLength:"1"`
	PolygonID              string   `json:"polygonId,omitempty"`
	Observations           *string  `json:"observations,omitempty"`
	PlannedCompletionDate  *string  `json:"plannedCompletionDate,omitempty"`
	EstimatedDurationHours *float64 `json:"estimatedDurationHours,omitempty" minimum:"0"`
}

type TrackRequest struct {
	ExecutionSheetID string `json:"executionSheetId" minLength:"1"`
	PolygonID        string `json:"polygonId" minLength:"1"`
	OperationID      string `json:"operationId" minLength:"1"`
	// Position is a raw [x, y] pair: [lng, lat] or projected [easting, northing].
	Position []float64 `json:"position,omitempty" minItems:"2" maxItems:"2"`
	Note     string    `json:"note,omitempty"`
}

type DevLoginRequest struct {
	ActorID       string   `json:"actorId" minLength:"1"`
	Roles         []string `json:"roles,omitempty"`
	CorporationID *int64   `json:"corporationId,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ImportResponse struct {
	Worksheet             domain.Worksheet        `json:"worksheet"`
	Dropped               []catalog.GeometryError `json:"dropped"`
	UnmappableCoordinates int                     `json:"unmappableCoordinates"`
}

type WorksheetListResponse struct {
	Items []domain.WorksheetSummary `json:"items"`
}

type OperatorListResponse struct {
	Items []domain.Operator `json:"items"`
}

type ExecutionSheetListResponse struct {
	Items []domain.ExecutionSheet `json:"items"`
}

// RecordResponse carries one lifecycle record with the keys it is addressed by.
type RecordResponse struct {
	ExecutionSheetID string                  `json:"executionSheetId"`
	PolygonID        string                  `json:"polygonId"`
	Operation        domain.PolygonOperation `json:"operation"`
}

type RecordListResponse struct {
	ExecutionSheetID string           `json:"executionSheetId"`
	Items            []RecordResponse `json:"items"`
}

type StatusResponse struct {
	ExecutionSheetID string                   `json:"executionSheetId"`
	Operations       map[string]domain.Status `json:"operations"`
}

type ExportResponse struct {
	Location string `json:"location"`
}

type RegionResponse struct {
	Bounds domain.Bounds          `json:"bounds"`
	Items  []domain.RegionPolygon `json:"items"`
	Cached bool                   `json:"cached"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func recordResponse(sheetID string, op domain.PolygonOperation) RecordResponse {
	if op.Tracks == nil {
		op.Tracks = []domain.Track{}
	}
	return RecordResponse{ExecutionSheetID: sheetID, PolygonID: op.PolygonID, Operation: op}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
