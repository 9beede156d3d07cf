package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRange(t *testing.T) {
	item := Source{Code: "dpwh", Endpoint: "/api/projects/{id}"}
	list := Source{Code: "opendata", Endpoint: "/api/projects?limit={limit}&offset={offset}"}

	assert.NoError(t, item.ValidateRange(0, 10))
	assert.NoError(t, list.ValidateRange(1, 10))
	assert.ErrorIs(t, list.ValidateRange(0, 10), ErrInvalidRange)
}

func TestListOffset(t *testing.T) {
	assert.Equal(t, int64(0), ListOffset(1))
	assert.Equal(t, int64(10), ListOffset(11))
	assert.Equal(t, int64(0), ListOffset(0))
	assert.Equal(t, "/p?limit=5&offset=0", ExpandEndpoint("/p?limit={limit}&offset={offset}", 1, 5, ListOffset(1)))
}
