package source

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnakeCase(t *testing.T) {
	cases := map[string]string{
		"ProjectId":        "project_id",
		"projectName":      "project_name",
		"contract-amount":  "contract_amount",
		"Region Name":      "region_name",
		"PSGCCode":         "psgc_code",
		"already_snake":    "already_snake",
		"__NEXT_DATA__":    "next_data",
		"Barangay2Code":    "barangay2_code",
		"implementingUnit": "implementing_unit",
	}
	for in, want := range cases {
		assert.Equal(t, want, snakeCase(in), in)
	}
}

func TestExtractShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "flat pascal case",
			raw:  `{"ProjectId": 7, "ProjectName": "Bridge"}`,
			want: "Bridge",
		},
		{
			name: "nested under data",
			raw:  `{"data": {"projectName": "Road Widening", "projectId": 8}}`,
			want: "Road Widening",
		},
		{
			name: "next.js page props",
			raw:  `{"props": {"pageProps": {"project": {"Name": "Seawall"}}}}`,
			want: "Seawall",
		},
		{
			name: "json api attributes",
			raw:  `{"data": {"type": "project", "attributes": {"title": "Flood Control"}}}`,
			want: "Flood Control",
		},
		{
			name: "single element array wrapper",
			raw:  `{"result": [{"name": "School Building"}]}`,
			want: "School Building",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw Raw
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &raw))
			e := Extract(raw)
			assert.Equal(t, tt.want, lookup(e, nameKeys...))
		})
	}
}

func TestExtractKeepsFetchID(t *testing.T) {
	raw := Raw{fetchIDKey: "12", "data": map[string]any{"name": "Bridge"}}
	e := Extract(raw)
	assert.Equal(t, "12", e[fetchIDKey])
	assert.Equal(t, "Bridge", e["name"])
}

func TestLookupSkipsBlankValues(t *testing.T) {
	r := Raw{"name": "  ", "title": "Farm Road"}
	assert.Equal(t, "Farm Road", lookup(r, "name", "title"))
	assert.Nil(t, lookup(r, "missing"))
}

func TestDecodeRecords(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		count int
	}{
		{"array", `[{"id":1},{"id":2}]`, 2},
		{"data array", `{"data":[{"id":1},{"id":2},{"id":3}]}`, 3},
		{"items array", `{"items":[{"id":1}],"total":10}`, 1},
		{"nested data", `{"result":{"x":1},"data":{"items":[{"id":1},{"id":2}]}}`, 2},
		{"single object", `{"id":1,"name":"x"}`, 1},
		{"null", `null`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raws, err := DecodeRecords([]byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, raws, tt.count)
		})
	}

	_, err := DecodeRecords([]byte(`{"broken"`))
	assert.Error(t, err)

	_, err = DecodeRecords([]byte(`"text"`))
	assert.Error(t, err)
}

func TestDecodeRecordsKeepsNumbersExact(t *testing.T) {
	raws, err := DecodeRecords([]byte(`{"id": 9007199254740993}`))
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, json.Number("9007199254740993"), raws[0]["id"])
}

func TestExtractEmbeddedJSON(t *testing.T) {
	page := `<html><body>
		<script type="application/json" id="other">{"ignored":true}</script>
		<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"project":{"id":5}}}}</script>
	</body></html>`

	payload, err := ExtractEmbeddedJSON([]byte(page), "__NEXT_DATA__")
	require.NoError(t, err)
	assert.JSONEq(t, `{"props":{"pageProps":{"project":{"id":5}}}}`, string(payload))

	payload, err = ExtractEmbeddedJSON([]byte(page), "missing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ignored":true}`, string(payload))

	_, err = ExtractEmbeddedJSON([]byte(`<html><body><p>Maintenance</p></body></html>`), "__NEXT_DATA__")
	assert.ErrorIs(t, err, ErrNoEmbeddedPayload)
}
