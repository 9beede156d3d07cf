package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  Road   widening \n project ", "Road widening project"},
		{"markup", "<p>Construction of <b>Bridge</b></p><p>Phase 2</p>", "Construction of Bridge Phase 2"},
		{"entities", "Flood control &amp; drainage &ndash; Lot&nbsp;1", "Flood control & drainage – Lot 1"},
		{"line breaks", "Line one<br>Line two", "Line one Line two"},
		{"script dropped", "Name<script>alert(1)</script>", "Name"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.in))
		})
	}
}

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "Bad name here", SanitizeText("Bad\x00 name\x07here�"))
}

func TestID(t *testing.T) {
	assert.Equal(t, "42", ID(float64(42)))
	assert.Equal(t, "42", ID(json.Number("42")))
	assert.Equal(t, "P-00012", ID(" P-00012 "))
	assert.Equal(t, "", ID(nil))
}

func TestAmount(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want *float64
	}{
		{"peso symbol", "₱ 1,250,000.50", ptr(1250000.50)},
		{"php prefix", "PHP 3,000", ptr(3000)},
		{"php dot prefix", "Php. 45,000.00", ptr(45000)},
		{"number", float64(12.5), ptr(12.5)},
		{"json number", json.Number("99"), ptr(99)},
		{"accounting negative", "(1,000)", ptr(-1000)},
		{"garbage", "to be determined", nil},
		{"two dots", "1.234.567", nil},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Amount(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.0001)
		})
	}
}

func TestDate(t *testing.T) {
	for _, in := range []string{"2023-04-05", "2023-04-05T10:11:12Z", "04/05/2023", "April 5, 2023", "Apr 5, 2023", "2023-04-05 08:00:00"} {
		got := Date(in)
		require.NotNil(t, got, in)
		assert.Equal(t, "2023-04-05", FormatDate(got), in)
	}

	assert.Nil(t, Date("not-a-date"))
	assert.Nil(t, Date(""))
	assert.Nil(t, Date("0001-01-01"))
	assert.Nil(t, Date(20230405))
	assert.Equal(t, "", FormatDate(nil))
}

func TestCoordinates(t *testing.T) {
	assert.InDelta(t, 14.5995, *Latitude("14.5995"), 0.00001)
	assert.InDelta(t, 120.9842, *Longitude(120.9842), 0.00001)
	assert.Nil(t, Latitude(91.0))
	assert.Nil(t, Latitude("-90.5"))
	assert.Nil(t, Longitude("181"))
	assert.Nil(t, Longitude("east"))
	assert.NotNil(t, Longitude(-180.0))
}

func ptr(f float64) *float64 { return &f }
