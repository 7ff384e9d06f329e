package durationx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_GoShorthand(t *testing.T) {
	d, err := Parse("100ms")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d)
}

func TestParse_ISO8601(t *testing.T) {
	d, err := Parse("PT1H30M")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+30*time.Minute, d)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not-a-duration")
	assert.Error(t, err)
}
