package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"forestline/internal/domain"
)

// ReplaceWorksheet stores ws, replacing its operations and polygons when the
// worksheet already exists. The row itself is updated in place so execution
// sheets referencing it survive a re-import. CreatedAt of an existing row is kept.
func (r Repo) ReplaceWorksheet(ctx context.Context, tx *sql.Tx, ws domain.Worksheet) error {
	if ws.ID == "" {
		return fmt.Errorf("worksheet id required")
	}
	codes, err := json.Marshal(ws.Codes)
	if err != nil {
		return fmt.Errorf("marshal administrative codes: %w", err)
	}
	var lat, lng any
	if ws.Centroid != nil {
		lat, lng = ws.Centroid.Lat, ws.Centroid.Lng
	}
	res, err := tx.ExecContext(ctx, `UPDATE worksheets SET crs=?, encoding=?, starting_date=?, finishing_date=?, issue_date=?, award_date=?, service_provider_id=?, codes_json=?, centroid_lat=?, centroid_lng=?, updated_at=? WHERE id=?`,
		nullable(ws.CRS), ws.Encoding, nullable(ws.StartingDate), nullable(ws.FinishingDate), nullable(ws.IssueDate), nullable(ws.AwardDate),
		nullableInt64Ptr(ws.ServiceProviderID), string(codes), lat, lng, ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO worksheets(id,crs,encoding,starting_date,finishing_date,issue_date,award_date,service_provider_id,codes_json,centroid_lat,centroid_lng,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			ws.ID, nullable(ws.CRS), ws.Encoding, nullable(ws.StartingDate), nullable(ws.FinishingDate), nullable(ws.IssueDate), nullable(ws.AwardDate),
			nullableInt64Ptr(ws.ServiceProviderID), string(codes), lat, lng, ws.CreatedAt, ws.UpdatedAt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM worksheet_operations WHERE worksheet_id=?`, ws.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM polygons WHERE worksheet_id=?`, ws.ID); err != nil {
		return err
	}
	for i, op := range ws.Operations {
		if _, err := tx.ExecContext(ctx, `INSERT INTO worksheet_operations(worksheet_id,position,code,description,area_ha) VALUES (?,?,?,?,?)`,
			ws.ID, i, op.Code, nullable(op.Description), op.AreaHa); err != nil {
			return fmt.Errorf("insert operation %s: %w", op.Code, err)
		}
	}
	for i, p := range ws.Polygons {
		ring, err := json.Marshal(p.Ring)
		if err != nil {
			return err
		}
		var props any
		if len(p.Properties) > 0 {
			data, err := json.Marshal(p.Properties)
			if err != nil {
				return fmt.Errorf("marshal properties of %s: %w", p.ID, err)
			}
			props = string(data)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO polygons(worksheet_id,polygon_id,position,ring_json,properties_json,min_lat,min_lng,max_lat,max_lng) VALUES (?,?,?,?,?,?,?,?,?)`,
			ws.ID, p.ID, i, string(ring), props, p.Bounds.MinLat, p.Bounds.MinLng, p.Bounds.MaxLat, p.Bounds.MaxLng); err != nil {
			return fmt.Errorf("insert polygon %s: %w", p.ID, err)
		}
	}
	return nil
}

func (r Repo) GetWorksheet(ctx context.Context, id string) (domain.Worksheet, error) {
	return r.GetWorksheetTx(ctx, nil, id)
}

func (r Repo) GetWorksheetTx(ctx context.Context, tx *sql.Tx, id string) (domain.Worksheet, error) {
	q := r.q(tx)
	var ws domain.Worksheet
	var crs, starting, finishing, issue, award sql.NullString
	var provider sql.NullInt64
	var lat, lng sql.NullFloat64
	var codes string
	err := q.QueryRowContext(ctx, `SELECT id,crs,encoding,starting_date,finishing_date,issue_date,award_date,service_provider_id,codes_json,centroid_lat,centroid_lng,created_at,updated_at FROM worksheets WHERE id=?`, id).
		Scan(&ws.ID, &crs, &ws.Encoding, &starting, &finishing, &issue, &award, &provider, &codes, &lat, &lng, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return ws, ErrNotFound
	}
	if err != nil {
		return ws, err
	}
	ws.CRS = crs.String
	ws.StartingDate = starting.String
	ws.FinishingDate = finishing.String
	ws.IssueDate = issue.String
	ws.AwardDate = award.String
	ws.ServiceProviderID = int64Ptr(provider)
	if lat.Valid && lng.Valid {
		ws.Centroid = &domain.LatLng{Lat: lat.Float64, Lng: lng.Float64}
	}
	if err := json.Unmarshal([]byte(codes), &ws.Codes); err != nil {
		return ws, fmt.Errorf("decode administrative codes: %w", err)
	}

	ops, err := q.QueryContext(ctx, `SELECT code,COALESCE(description,''),area_ha FROM worksheet_operations WHERE worksheet_id=? ORDER BY position`, id)
	if err != nil {
		return ws, err
	}
	defer ops.Close()
	ws.Operations = []domain.OperationSpec{}
	for ops.Next() {
		var op domain.OperationSpec
		if err := ops.Scan(&op.Code, &op.Description, &op.AreaHa); err != nil {
			return ws, err
		}
		ws.Operations = append(ws.Operations, op)
	}
	if err := ops.Err(); err != nil {
		return ws, err
	}

	rows, err := q.QueryContext(ctx, `SELECT polygon_id,ring_json,properties_json,min_lat,min_lng,max_lat,max_lng FROM polygons WHERE worksheet_id=? ORDER BY position`, id)
	if err != nil {
		return ws, err
	}
	defer rows.Close()
	ws.Polygons = []domain.Polygon{}
	for rows.Next() {
		p, err := scanPolygon(rows)
		if err != nil {
			return ws, err
		}
		ws.Polygons = append(ws.Polygons, p)
	}
	return ws, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolygon(row rowScanner, extra ...any) (domain.Polygon, error) {
	var p domain.Polygon
	var ring string
	var props sql.NullString
	dest := append(extra, &p.ID, &ring, &props, &p.Bounds.MinLat, &p.Bounds.MinLng, &p.Bounds.MaxLat, &p.Bounds.MaxLng)
	if err := row.Scan(dest...); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(ring), &p.Ring); err != nil {
		return p, fmt.Errorf("decode ring of %s: %w", p.ID, err)
	}
	if props.Valid {
		if err := json.Unmarshal([]byte(props.String), &p.Properties); err != nil {
			return p, fmt.Errorf("decode properties of %s: %w", p.ID, err)
		}
	}
	return p, nil
}

// ListWorksheets returns summaries, most recently updated first.
func (r Repo) ListWorksheets(ctx context.Context) ([]domain.WorksheetSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT w.id, w.starting_date, w.finishing_date, w.service_provider_id,
  (SELECT count(*) FROM polygons p WHERE p.worksheet_id=w.id),
  (SELECT count(*) FROM worksheet_operations o WHERE o.worksheet_id=w.id),
  w.updated_at
FROM worksheets w ORDER BY w.updated_at DESC, w.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.WorksheetSummary{}
	for rows.Next() {
		var s domain.WorksheetSummary
		var starting, finishing sql.NullString
		var provider sql.NullInt64
		if err := rows.Scan(&s.ID, &starting, &finishing, &provider, &s.Polygons, &s.Operations, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.StartingDate = starting.String
		s.FinishingDate = finishing.String
		s.ServiceProviderID = int64Ptr(provider)
		res = append(res, s)
	}
	return res, rows.Err()
}

// PolygonsInBounds returns stored polygons whose bounding box intersects b.
func (r Repo) PolygonsInBounds(ctx context.Context, b domain.Bounds, limit int) ([]domain.RegionPolygon, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT worksheet_id,polygon_id,ring_json,properties_json,min_lat,min_lng,max_lat,max_lng FROM polygons
WHERE min_lat<=? AND max_lat>=? AND min_lng<=? AND max_lng>=?
ORDER BY worksheet_id, position LIMIT ?`, b.MaxLat, b.MinLat, b.MaxLng, b.MinLng, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RegionPolygon{}
	for rows.Next() {
		var rp domain.RegionPolygon
		p, err := scanPolygon(rows, &rp.WorksheetID)
		if err != nil {
			return nil, err
		}
		rp.Polygon = p
		res = append(res, rp)
	}
	return res, rows.Err()
}
