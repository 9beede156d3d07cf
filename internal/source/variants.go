package source

import "projectsync/internal/model"

// NewDPWH handles the public works transparency API: one project per request,
// PascalCase fields, and a server-rendered project page as the last resort.
func NewDPWH(src model.Source, fetcher *Fetcher) Strategy {
	return &jsonStrategy{
		Fetcher: fetcher,
		src:     src,
		unique:  model.FieldExternalID,
		fields: fieldMap{
			id:             []string{"project_id", "id", "external_id"},
			code:           []string{"contract_id", "contract_no", "contract_number", "project_code"},
			name:           []string{"project_name", "name", "title", "contract_name"},
			description:    []string{"description", "project_description", "scope_of_work"},
			status:         []string{"status", "project_status", "contract_status"},
			category:       []string{"category", "infra_type", "type_of_work", "project_type"},
			regionName:     []string{"region", "region_name"},
			regionCode:     []string{"region_code", "region_psgc"},
			provinceName:   []string{"province", "province_name"},
			provinceCode:   []string{"province_code", "province_psgc"},
			cityName:       []string{"municipality", "city", "city_municipality", "city_name", "municipality_name"},
			cityCode:       []string{"municipality_code", "city_code", "city_psgc"},
			barangayName:   []string{"barangay", "barangay_name", "brgy"},
			barangayCode:   []string{"barangay_code", "brgy_code", "barangay_psgc"},
			latitude:       []string{"latitude", "lat"},
			longitude:      []string{"longitude", "lng", "lon", "long"},
			cost:           []string{"contract_amount", "contract_cost", "project_cost", "amount", "abc"},
			startDate:      []string{"start_date", "date_started", "contract_start_date", "notice_to_proceed"},
			endDate:        []string{"completion_date", "target_completion_date", "end_date", "date_completed"},
			offices:        []string{"implementing_offices", "implementing_office", "offices"},
			contractors:    []string{"contractors", "contractor"},
			fundingSources: []string{"funding_sources", "source_of_funds", "fund_source"},
			program:        []string{"program", "programme", "program_name"},
		},
	}
}

// NewOpenData handles the open data portal listing: paged (limit, offset) requests,
// camelCase fields nested under data or items, keyed by the project code.
func NewOpenData(src model.Source, fetcher *Fetcher) Strategy {
	return &jsonStrategy{
		Fetcher: fetcher,
		src:     src,
		unique:  model.FieldCode,
		fields: fieldMap{
			id:             []string{"id", "record_id", "uuid"},
			code:           []string{"project_code", "code", "reference_no", "reference_number"},
			name:           []string{"title", "project_title", "name", "project_name"},
			description:    []string{"description", "summary", "details"},
			status:         []string{"status", "implementation_status"},
			category:       []string{"sector", "category", "sub_sector"},
			regionName:     []string{"region", "region_name", "location_region"},
			regionCode:     []string{"region_code", "psgc_region"},
			provinceName:   []string{"province", "province_name", "location_province"},
			provinceCode:   []string{"province_code", "psgc_province"},
			cityName:       []string{"city_municipality", "city", "municipality", "location_city"},
			cityCode:       []string{"city_code", "municipality_code", "psgc_city"},
			barangayName:   []string{"barangay", "location_barangay"},
			barangayCode:   []string{"barangay_code", "psgc_barangay"},
			latitude:       []string{"latitude", "lat", "geo_lat"},
			longitude:      []string{"longitude", "lng", "lon", "geo_lng"},
			cost:           []string{"total_cost", "budget", "allocation", "cost", "amount"},
			startDate:      []string{"start_date", "implementation_start", "date_start"},
			endDate:        []string{"end_date", "target_end", "date_end", "completion_date"},
			offices:        []string{"implementing_agencies", "implementing_agency", "offices"},
			contractors:    []string{"contractors", "suppliers", "contractor"},
			fundingSources: []string{"funding_sources", "funding", "fund_sources"},
			program:        []string{"program", "programs", "program_name"},
		},
	}
}
