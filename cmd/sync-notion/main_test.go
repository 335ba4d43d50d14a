package main

import (
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateRange(t *testing.T) {
	r, err := dateRange("2025-03-01", "2025-04-01")
	require.NoError(t, err)
	assert.Equal(t, civil.Date{Year: 2025, Month: 3, Day: 1}, r.Start)
	assert.Equal(t, civil.Date{Year: 2025, Month: 4, Day: 1}, r.End)

	tests := []struct {
		name       string
		start, end string
	}{
		{name: "bad start", start: "03/01/2025", end: "2025-04-01"},
		{name: "bad end", start: "2025-03-01", end: "soon"},
		{name: "end before start", start: "2025-04-01", end: "2025-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dateRange(tt.start, tt.end)
			assert.Error(t, err)
		})
	}
}
