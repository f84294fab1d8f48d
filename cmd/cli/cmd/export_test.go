package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBounds(t *testing.T) {
	b, err := parseBounds("0, 1.5,10,20")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1.5, 10, 20}, b)

	_, err = parseBounds("0,1,2")
	assert.Error(t, err)
	_, err = parseBounds("0,1,2,x")
	assert.Error(t, err)
}

func TestParseGrid(t *testing.T) {
	rows, cols, err := parseGrid("2x3")
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, 3, cols)

	rows, cols, err = parseGrid("4X4")
	require.NoError(t, err)
	assert.Equal(t, 4, rows)
	assert.Equal(t, 4, cols)

	for _, bad := range []string{"4", "ax2", "2xb", ""} {
		_, _, err := parseGrid(bad)
		assert.Error(t, err, bad)
	}
}
