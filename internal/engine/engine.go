package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forestline/internal/assignment"
	"forestline/internal/catalog"
	"forestline/internal/config"
	"forestline/internal/domain"
	"forestline/internal/events"
	"forestline/internal/execution"
	"forestline/internal/export"
	"forestline/internal/geo"
	"forestline/internal/metrics"
	"forestline/internal/repo"
)

// ErrInvalidDocument wraps any failure to decode an imported worksheet.
var ErrInvalidDocument = errors.New("invalid worksheet document")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
	NewID   func() string
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger, rec *metrics.Recorder) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Logger:  logger,
		Metrics: rec,
		Now:     time.Now,
		NewID:   uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// declaredSystem maps geo.default_crs to a forced reference system; auto leaves detection to the document.
func (e Engine) declaredSystem() geo.System {
	if e.Config == nil {
		return geo.Unknown
	}
	switch e.Config.Geo.DefaultCRS {
	case "projected":
		return geo.Projected
	case "geographic":
		return geo.Geographic
	}
	return geo.Unknown
}

func (e Engine) resolver() assignment.Resolver {
	r := assignment.Resolver{}
	if e.Config != nil {
		r.FieldOperatorRole = e.Config.Roles.FieldOperator
	}
	return r
}

// ImportOptions are parameters for importing a worksheet document.
type ImportOptions struct {
	// ID overrides the identifier carried by the document.
	ID      string
	Data    []byte
	ActorID string
}

type ImportResult struct {
	Worksheet domain.Worksheet        `json:"worksheet"`
	Dropped   []catalog.GeometryError `json:"dropped"`
	Sentinels int                     `json:"unmappableCoordinates"`
}

// ImportWorksheet decodes a worksheet document and stores it, replacing any
// worksheet with the same id. Invalid polygons are dropped and reported.
func (e Engine) ImportWorksheet(ctx context.Context, opts ImportOptions) (ImportResult, error) {
	began := e.now()
	imp, err := catalog.Decode(opts.Data)
	if err != nil {
		e.Metrics.Import("unknown", "rejected", 0, 0, e.now().Sub(began))
		return ImportResult{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	builder := catalog.Builder{
		Normalizer: geo.Normalizer{Declared: e.declaredSystem(), Logger: e.logger()},
		Logger:     e.logger(),
	}
	ws, cat := builder.Worksheet(imp, strings.TrimSpace(opts.ID))
	if ws.ID == "" {
		ws.ID = e.newID()
	}
	now := e.stamp()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ImportResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceWorksheet(ctx, tx, ws); err != nil {
		e.Metrics.Import(string(imp.Encoding), "error", 0, 0, e.now().Sub(began))
		return ImportResult{}, fmt.Errorf("store worksheet %s: %w", ws.ID, err)
	}
	payload := events.EventPayload{
		"encoding":   string(imp.Encoding),
		"polygons":   len(ws.Polygons),
		"operations": len(ws.Operations),
		"dropped":    len(cat.Dropped),
		"sentinels":  cat.Sentinels,
	}
	if err := e.events().Append(ctx, tx, events.WorksheetImported, ws.ID, "worksheet", ws.ID, opts.ActorID, payload); err != nil {
		return ImportResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ImportResult{}, err
	}
	e.Metrics.Import(string(imp.Encoding), "ok", len(cat.Dropped), cat.Sentinels, e.now().Sub(began))
	e.logger().Info("worksheet imported",
		zap.String("worksheet_id", ws.ID),
		zap.String("encoding", string(imp.Encoding)),
		zap.Int("polygons", len(ws.Polygons)),
		zap.Int("dropped", len(cat.Dropped)),
		zap.Int("unmappable", cat.Sentinels))

	stored, err := e.Repo.GetWorksheet(ctx, ws.ID)
	if err != nil {
		return ImportResult{}, err
	}
	dropped := cat.Dropped
	if dropped == nil {
		dropped = []catalog.GeometryError{}
	}
	return ImportResult{Worksheet: stored, Dropped: dropped, Sentinels: cat.Sentinels}, nil
}

// RegisterOperator creates or updates an operator.
func (e Engine) RegisterOperator(ctx context.Context, op domain.Operator, actorID string) (domain.Operator, error) {
	op.ID = strings.TrimSpace(op.ID)
	op.Role = strings.TrimSpace(op.Role)
	if op.ID == "" {
		return domain.Operator{}, &execution.ValidationError{Field: "id", Reason: "operator id is required"}
	}
	if op.Role == "" {
		return domain.Operator{}, &execution.ValidationError{Field: "role", Reason: "operator role is required"}
	}
	if op.CreatedAt == "" {
		op.CreatedAt = e.stamp()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Operator{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertOperator(ctx, tx, op); err != nil {
		return domain.Operator{}, err
	}
	payload := events.EventPayload{"role": op.Role}
	if op.CorporationID != nil {
		payload["corporation_id"] = *op.CorporationID
	}
	if err := e.events().Append(ctx, tx, events.OperatorRegistered, "", "operator", op.ID, actorID, payload); err != nil {
		return domain.Operator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Operator{}, err
	}
	return e.Repo.GetOperator(ctx, op.ID)
}

// EligibleOperators lists the registered operators who may be assigned work on a worksheet.
func (e Engine) EligibleOperators(ctx context.Context, worksheetID string) ([]domain.Operator, error) {
	ws, err := e.Repo.GetWorksheet(ctx, worksheetID)
	if err != nil {
		return nil, fmt.Errorf("worksheet %s: %w", worksheetID, err)
	}
	candidates, err := e.Repo.ListOperators(ctx, "")
	if err != nil {
		return nil, err
	}
	return e.resolver().Eligible(candidates, ws), nil
}

// CreateSheetOptions are parameters for creating an execution sheet.
type CreateSheetOptions struct {
	WorksheetID string
	Operations  []string
	Dating      execution.Dating
	ActorID     string
}

// CreateExecutionSheet expands a stored worksheet into a new execution sheet
// of pending records, one per polygon and selected operation.
func (e Engine) CreateExecutionSheet(ctx context.Context, opts CreateSheetOptions) (domain.ExecutionSheet, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionSheet{}, err
	}
	defer tx.Rollback()

	ws, err := e.Repo.GetWorksheetTx(ctx, tx, opts.WorksheetID)
	if err != nil {
		return domain.ExecutionSheet{}, fmt.Errorf("worksheet %s: %w", opts.WorksheetID, err)
	}
	coord := execution.Coordinator{NewID: e.newID, Now: e.now}
	sheet, err := coord.Create(ws, opts.Operations, opts.Dating)
	if err != nil {
		return domain.ExecutionSheet{}, err
	}
	sheet.CreatedBy = opts.ActorID
	if err := e.Repo.InsertExecutionSheet(ctx, tx, sheet); err != nil {
		return domain.ExecutionSheet{}, fmt.Errorf("store execution sheet: %w", err)
	}
	records := sheet.Records()
	var codes []string
	for _, r := range sheet.PolygonsOperations[0].Operations {
		codes = append(codes, r.OperationID)
	}
	payload := events.EventPayload{"operations": codes, "polygons": len(sheet.PolygonsOperations), "records": len(records)}
	if err := e.events().Append(ctx, tx, events.ExecutionCreated, ws.ID, "execution_sheet", sheet.ID, opts.ActorID, payload); err != nil {
		return domain.ExecutionSheet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionSheet{}, err
	}
	e.Metrics.SheetCreated()
	e.logger().Info("execution sheet created",
		zap.String("sheet_id", sheet.ID),
		zap.String("worksheet_id", ws.ID),
		zap.Strings("operations", codes),
		zap.Int("records", len(records)))
	return e.Repo.GetExecutionSheet(ctx, sheet.ID)
}

// ExportWorksheet writes the stored worksheet to sink and returns its location.
func (e Engine) ExportWorksheet(ctx context.Context, id string, sink export.Sink) (string, error) {
	ws, err := e.Repo.GetWorksheet(ctx, id)
	if err != nil {
		return "", fmt.Errorf("worksheet %s: %w", id, err)
	}
	return export.Write(ctx, sink, "worksheets", ws.ID, ws)
}

// ExportExecutionSheet writes the stored execution sheet to sink and returns its location.
func (e Engine) ExportExecutionSheet(ctx context.Context, id string, sink export.Sink) (string, error) {
	sheet, err := e.Repo.GetExecutionSheet(ctx, id)
	if err != nil {
		return "", fmt.Errorf("execution sheet %s: %w", id, err)
	}
	return export.Write(ctx, sink, "execution-sheets", sheet.ID, sheet)
}

// IsNotFound reports whether err wraps repo.ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
