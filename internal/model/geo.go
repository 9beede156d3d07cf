package model

// GeoLevel is a level of the administrative hierarchy
type GeoLevel int

const (
	LevelRegion GeoLevel = iota
	LevelProvince
	LevelCity
	LevelBarangay
)

// GeoLevels lists the hierarchy top-down
var GeoLevels = []GeoLevel{LevelRegion, LevelProvince, LevelCity, LevelBarangay}

func (l GeoLevel) String() string {
	switch l {
	case LevelRegion:
		return "region"
	case LevelProvince:
		return "province"
	case LevelCity:
		return "city"
	case LevelBarangay:
		return "barangay"
	}
	return "unknown"
}

// Parent returns the level above, and false for regions
func (l GeoLevel) Parent() (GeoLevel, bool) {
	if l <= LevelRegion {
		return LevelRegion, false
	}
	return l - 1, true
}

// GeoEntity is a region, province, city/municipality or barangay
type GeoEntity struct {
	ID           int64    `json:"id"`
	Level        GeoLevel `json:"level"`
	Code         string   `json:"code"`
	ExternalCode string   `json:"external_code,omitempty"`
	Name         string   `json:"name"`
	AltNames     []string `json:"alt_names,omitempty"`
	ParentID     *int64   `json:"parent_id,omitempty"`
}

// Names returns the official name followed by its variants
func (e *GeoEntity) Names() []string {
	names := make([]string, 0, 1+len(e.AltNames))
	if e.Name != "" {
		names = append(names, e.Name)
	}
	for _, alt := range e.AltNames {
		if alt != "" {
			names = append(names, alt)
		}
	}
	return names
}

// MatchOutcome summarizes how much of the hierarchy resolved
type MatchOutcome string

const (
	MatchFull      MatchOutcome = "full"
	MatchPartial   MatchOutcome = "partial"
	MatchUnmatched MatchOutcome = "unmatched"
)

// Resolution holds resolved hierarchy ids, indexed by GeoLevel
type Resolution struct {
	IDs     [4]*int64    `json:"ids"`
	Methods [4]string    `json:"methods"`
	Outcome MatchOutcome `json:"outcome"`
}

// ID returns the resolved id at a level
func (r *Resolution) ID(level GeoLevel) *int64 {
	return r.IDs[level]
}

// Matched counts resolved levels
func (r *Resolution) Matched() int {
	n := 0
	for _, id := range r.IDs {
		if id != nil {
			n++
		}
	}
	return n
}

// Finalize derives the outcome from the resolved levels
func (r *Resolution) Finalize() {
	switch n := r.Matched(); {
	case n == len(r.IDs):
		r.Outcome = MatchFull
	case n > 0:
		r.Outcome = MatchPartial
	default:
		r.Outcome = MatchUnmatched
	}
}
