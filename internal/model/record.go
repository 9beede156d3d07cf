package model

import (
	"errors"
	"time"
)

// Metadata keys holding nested related entities kept verbatim for later normalization
const (
	MetaOffices        = "offices"
	MetaContractors    = "contractors"
	MetaFundingSources = "funding_sources"
	MetaProgram        = "program"
)

// Location carries the free-text and coded location references of a record
type Location struct {
	RegionName   string `json:"region_name,omitempty"`
	RegionCode   string `json:"region_code,omitempty"`
	ProvinceName string `json:"province_name,omitempty"`
	ProvinceCode string `json:"province_code,omitempty"`
	CityName     string `json:"city_name,omitempty"`
	CityCode     string `json:"city_code,omitempty"`
	BarangayName string `json:"barangay_name,omitempty"`
	BarangayCode string `json:"barangay_code,omitempty"`
}

// IsEmpty reports whether no location reference is present
func (l Location) IsEmpty() bool {
	return l == Location{}
}

// Record is the source-agnostic normalized representation of one external item
type Record struct {
	Source      string         `json:"source"`
	ExternalID  string         `json:"external_id"`
	Code        string         `json:"code,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status,omitempty"`
	Category    string         `json:"category,omitempty"`
	Location    Location       `json:"location"`
	Latitude    *float64       `json:"latitude,omitempty"`
	Longitude   *float64       `json:"longitude,omitempty"`
	Cost        *float64       `json:"cost,omitempty"`
	StartDate   *time.Time     `json:"start_date,omitempty"`
	EndDate     *time.Time     `json:"end_date,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Geo         Resolution     `json:"geo"`
}

// UniqueValue returns the value of the named identity field
func (r *Record) UniqueValue(field string) string {
	if field == FieldCode {
		return r.Code
	}
	return r.ExternalID
}

// SecondaryValue returns the correlating identity opposite to the named unique field
func (r *Record) SecondaryValue(field string) string {
	if field == FieldCode {
		return r.ExternalID
	}
	return r.Code
}

// Identity fields a strategy may designate as unique
const (
	FieldExternalID = "external_id"
	FieldCode       = "code"
)

// ErrValidation marks record-level data problems that a write can never fix on retry
var ErrValidation = errors.New("validation failed")
