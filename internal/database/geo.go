package database

import (
	"context"
	"fmt"
	"projectsync/internal/model"

	"github.com/jackc/pgx/v5"
)

var geoTables = map[model.GeoLevel]struct{ table, parent string }{
	model.LevelRegion:   {"regions", "NULL::bigint"},
	model.LevelProvince: {"provinces", "region_id"},
	model.LevelCity:     {"cities", "province_id"},
	model.LevelBarangay: {"barangays", "city_id"},
}

func geoSelect(level model.GeoLevel) string {
	t := geoTables[level]
	return fmt.Sprintf(`SELECT id, code, coalesce(external_code, ''), name, alt_names, %s FROM %s`, t.parent, t.table)
}

// GeoEntities loads every entity of a level
func (p *Postgres) GeoEntities(ctx context.Context, level model.GeoLevel) ([]model.GeoEntity, error) {
	if level == model.LevelBarangay {
		return nil, fmt.Errorf("barangays are loaded per city")
	}
	rows, err := p.pool.Query(ctx, geoSelect(level)+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", level, err)
	}
	return collectGeo(rows, level)
}

// BarangaysByCity loads the barangays of one city
func (p *Postgres) BarangaysByCity(ctx context.Context, cityID int64) ([]model.GeoEntity, error) {
	rows, err := p.pool.Query(ctx, geoSelect(model.LevelBarangay)+` WHERE city_id = $1 ORDER BY id`, cityID)
	if err != nil {
		return nil, fmt.Errorf("query barangays: %w", err)
	}
	return collectGeo(rows, model.LevelBarangay)
}

// FindBarangays matches barangays by exact code or case-insensitive name across all cities
func (p *Postgres) FindBarangays(ctx context.Context, code, name string) ([]model.GeoEntity, error) {
	rows, err := p.pool.Query(ctx, geoSelect(model.LevelBarangay)+`
		WHERE ($1 <> '' AND (code = $1 OR external_code = $1))
		   OR ($2 <> '' AND lower(name) = lower($2))
		ORDER BY id
		LIMIT 50
	`, code, name)
	if err != nil {
		return nil, fmt.Errorf("query barangays: %w", err)
	}
	return collectGeo(rows, model.LevelBarangay)
}

func collectGeo(rows pgx.Rows, level model.GeoLevel) ([]model.GeoEntity, error) {
	defer rows.Close()

	var out []model.GeoEntity
	for rows.Next() {
		e := model.GeoEntity{Level: level}
		if err := rows.Scan(&e.ID, &e.Code, &e.ExternalCode, &e.Name, &e.AltNames, &e.ParentID); err != nil {
			return nil, fmt.Errorf("scan %s: %w", level, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
