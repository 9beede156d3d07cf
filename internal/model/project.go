package model

import "time"

// Project is the persisted target entity produced by upserting a Record
type Project struct {
	ID           int64          `json:"id"`
	Source       string         `json:"source"`
	ExternalID   string         `json:"external_id"`
	Code         string         `json:"code,omitempty"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status,omitempty"`
	Category     string         `json:"category,omitempty"`
	RegionID     *int64         `json:"region_id,omitempty"`
	ProvinceID   *int64         `json:"province_id,omitempty"`
	CityID       *int64         `json:"city_id,omitempty"`
	BarangayID   *int64         `json:"barangay_id,omitempty"`
	GeoOutcome   MatchOutcome   `json:"geo_outcome"`
	Latitude     *float64       `json:"latitude,omitempty"`
	Longitude    *float64       `json:"longitude,omitempty"`
	Cost         *float64       `json:"cost,omitempty"`
	StartDate    *time.Time     `json:"start_date,omitempty"`
	EndDate      *time.Time     `json:"end_date,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	LastSyncedAt time.Time      `json:"last_synced_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ProjectFromRecord maps a canonical record and its resolved hierarchy onto a project row
func ProjectFromRecord(r *Record) *Project {
	return &Project{
		Source:      r.Source,
		ExternalID:  r.ExternalID,
		Code:        r.Code,
		Name:        r.Name,
		Description: r.Description,
		Status:      r.Status,
		Category:    r.Category,
		RegionID:    r.Geo.IDs[LevelRegion],
		ProvinceID:  r.Geo.IDs[LevelProvince],
		CityID:      r.Geo.IDs[LevelCity],
		BarangayID:  r.Geo.IDs[LevelBarangay],
		GeoOutcome:  r.Geo.Outcome,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Cost:        r.Cost,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		Metadata:    r.Metadata,
	}
}
