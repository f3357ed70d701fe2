package domain

// Status is the lifecycle state of a PolygonOperation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Rank orders statuses pending < assigned < ongoing < completed. Unknown values rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAssigned:
		return 1
	case StatusOngoing:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

func (s Status) Valid() bool {
	return s.Rank() >= 0
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

// Intersects reports whether two bounding boxes overlap, edges included.
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat && b.MinLng <= o.MaxLng && o.MinLng <= b.MaxLng
}

type Polygon struct {
	ID         string         `json:"polygonId"`
	Ring       []LatLng       `json:"coordinates"`
	Properties map[string]any `json:"properties,omitempty"`
	Bounds     Bounds         `json:"bounds"`
}

// RegionPolygon is a stored polygon returned by a bounding-box lookup.
type RegionPolygon struct {
	WorksheetID string `json:"worksheetId"`
	Polygon
}

type OperationSpec struct {
	Code        string  `json:"operationCode"`
	Description string  `json:"operationDescription"`
	AreaHa      float64 `json:"areaHa"`
}

type AdministrativeCodes struct {
	AIGP            string `json:"aigp,omitempty"`
	RuralPropertyID string `json:"ruralPropertyId,omitempty"`
	PosaCode        string `json:"posaCode,omitempty"`
	PosaDescription string `json:"posaDescription,omitempty"`
	UserID          string `json:"userId,omitempty"`
}

type Worksheet struct {
	ID                string              `json:"id"`
	CRS               string              `json:"crs,omitempty"`
	Encoding          string              `json:"encoding,omitempty" enum:"metadata,raw-features"`
	StartingDate      string              `json:"startingDate,omitempty"`
	FinishingDate     string              `json:"finishingDate,omitempty"`
	IssueDate         string              `json:"issueDate,omitempty"`
	AwardDate         string              `json:"awardDate,omitempty"`
	ServiceProviderID *int64              `json:"serviceProviderId,omitempty"`
	Codes             AdministrativeCodes `json:"administrativeCodes"`
	Operations        []OperationSpec     `json:"operations"`
	Polygons          []Polygon           `json:"polygons"`
	Centroid          *LatLng             `json:"centroid,omitempty"`
	CreatedAt         string              `json:"createdAt" format:"date-time"`
	UpdatedAt         string              `json:"updatedAt" format:"date-time"`
}

// HasOperation reports whether code is one of the worksheet's planned operations.
func (w Worksheet) HasOperation(code string) bool {
	for _, op := range w.Operations {
		if op.Code == code {
			return true
		}
	}
	return false
}

type WorksheetSummary struct {
	ID                string `json:"id"`
	StartingDate      string `json:"startingDate,omitempty"`
	FinishingDate     string `json:"finishingDate,omitempty"`
	ServiceProviderID *int64 `json:"serviceProviderId,omitempty"`
	Polygons          int    `json:"polygons"`
	Operations        int    `json:"operations"`
	UpdatedAt         string `json:"updatedAt" format:"date-time"`
}

type Operator struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Role          string `json:"role"`
	CorporationID *int64 `json:"corporationId,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty" format:"date-time"`
}

type ExecutionSheet struct {
	ID                 string              `json:"id"`
	WorkSheetID        string              `json:"workSheetId"`
	StartingDate       string              `json:"startingDate"`
	FinishingDate      string              `json:"finishingDate"`
	Observations       string              `json:"observations"`
	PolygonsOperations []PolygonOperations `json:"polygonsOperations"`
	CreatedBy          string              `json:"createdBy,omitempty"`
	CreatedAt          string              `json:"createdAt" format:"date-time"`
}

// Records flattens the sheet into its lifecycle records, polygon order first.
func (s ExecutionSheet) Records() []PolygonOperation {
	var out []PolygonOperation
	for _, po := range s.PolygonsOperations {
		out = append(out, po.Operations...)
	}
	return out
}

type PolygonOperations struct {
	PolygonID  string             `json:"polygonId"`
	Operations []PolygonOperation `json:"operations"`
}

// PolygonOperation is one lifecycle record. Status, OperatorID and the
// timestamps are only written by package lifecycle.
type PolygonOperation struct {
	PolygonID              string   `json:"-"`
	OperationID            string   `json:"operationId"`
	Status                 Status   `json:"status" enum:"pending,assigned,ongoing,completed"`
	OperatorID             *string  `json:"operatorId"`
	StartingDate           *string  `json:"startingDate" format:"date-time"`
	FinishingDate          *string  `json:"finishingDate" format:"date-time"`
	LastActivityDate       *string  `json:"lastActivityDate" format:"date-time"`
	Observations           string   `json:"observations"`
	PlannedCompletionDate  *string  `json:"plannedCompletionDate,omitempty"`
	EstimatedDurationHours *float64 `json:"estimatedDurationHours,omitempty"`
	Tracks                 []Track  `json:"tracks"`
}

type Track struct {
	Kind       string  `json:"kind" enum:"start,stop,activity"`
	At         string  `json:"at" format:"date-time"`
	OperatorID string  `json:"operatorId"`
	Position   *LatLng `json:"position,omitempty"`
	Note       string  `json:"note,omitempty"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorksheetID string `json:"worksheetId,omitempty"`
	EntityKind  string `json:"entityKind"`
	EntityID    string `json:"entityId,omitempty"`
	ActorID     string `json:"actorId"`
	Payload     string `json:"payload"`
}
