package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"projectsync/internal/model"
	"projectsync/internal/upsert"
	"time"

	"github.com/jackc/pgx/v5"
)

const projectColumns = `id, source, external_id, code, name, description, status, category,
	region_id, province_id, city_id, barangay_id, geo_outcome, latitude, longitude, cost,
	start_date, end_date, metadata, last_synced_at, created_at, updated_at`

// InTx runs fn in one transaction. Any error rolls back everything fn wrote.
func (p *Postgres) InTx(ctx context.Context, fn func(tx upsert.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(&projectTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountProjects counts stored projects, optionally for one source
func (p *Postgres) CountProjects(ctx context.Context, source string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM projects WHERE $1 = '' OR source = $1
	`, source).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

type projectTx struct {
	tx pgx.Tx
}

func identityColumns(uniqueField string) (string, string) {
	if uniqueField == model.FieldCode {
		return "code", "external_id"
	}
	return "external_id", "code"
}

// identityLockKey names the advisory lock serializing writers of one record identity
func identityLockKey(source, uniqueField, value string) string {
	return source + ":" + uniqueField + ":" + value
}

// FindForUpdate locks the row matching the unique field, or failing that the secondary field.
// The identity is locked first so concurrent writers of a record that does not exist yet
// queue behind each other instead of both inserting it.
func (t *projectTx) FindForUpdate(ctx context.Context, source, uniqueField, value, secondary string) (*model.Project, error) {
	primaryCol, secondaryCol := identityColumns(uniqueField)

	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, identityLockKey(source, uniqueField, value)); err != nil {
		return nil, fmt.Errorf("lock project identity: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM projects
		WHERE source = $1 AND (%s = $2 OR ($3 <> '' AND %s = $3))
		ORDER BY (%s = $2) DESC, id
		LIMIT 1
		FOR UPDATE
	`, projectColumns, primaryCol, secondaryCol, primaryCol)

	p, err := scanProject(t.tx.QueryRow(ctx, query, source, value, secondary))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *projectTx) Insert(ctx context.Context, p *model.Project) (int64, error) {
	metadata, err := json.Marshal(nonNilMap(p.Metadata))
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	var id int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO projects (source, external_id, code, name, description, status, category,
			region_id, province_id, city_id, barangay_id, geo_outcome, latitude, longitude, cost,
			start_date, end_date, metadata, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id
	`, p.Source, p.ExternalID, p.Code, p.Name, p.Description, p.Status, p.Category,
		p.RegionID, p.ProvinceID, p.CityID, p.BarangayID, string(p.GeoOutcome), p.Latitude, p.Longitude, p.Cost,
		p.StartDate, p.EndDate, metadata, p.LastSyncedAt, p.CreatedAt, p.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

func (t *projectTx) Update(ctx context.Context, p *model.Project) error {
	metadata, err := json.Marshal(nonNilMap(p.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE projects SET
			external_id = $2, code = $3, name = $4, description = $5, status = $6, category = $7,
			region_id = $8, province_id = $9, city_id = $10, barangay_id = $11, geo_outcome = $12,
			latitude = $13, longitude = $14, cost = $15, start_date = $16, end_date = $17,
			metadata = $18, last_synced_at = $19, updated_at = $20
		WHERE id = $1
	`, p.ID, p.ExternalID, p.Code, p.Name, p.Description, p.Status, p.Category,
		p.RegionID, p.ProvinceID, p.CityID, p.BarangayID, string(p.GeoOutcome),
		p.Latitude, p.Longitude, p.Cost, p.StartDate, p.EndDate,
		metadata, p.LastSyncedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %d vanished during update", p.ID)
	}
	return nil
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var (
		p        model.Project
		outcome  string
		metadata []byte
		lastSync time.Time
	)
	err := row.Scan(&p.ID, &p.Source, &p.ExternalID, &p.Code, &p.Name, &p.Description, &p.Status, &p.Category,
		&p.RegionID, &p.ProvinceID, &p.CityID, &p.BarangayID, &outcome, &p.Latitude, &p.Longitude, &p.Cost,
		&p.StartDate, &p.EndDate, &metadata, &lastSync, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.GeoOutcome = model.MatchOutcome(outcome)
	p.LastSyncedAt = lastSync
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode project metadata: %w", err)
		}
	}
	return &p, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
