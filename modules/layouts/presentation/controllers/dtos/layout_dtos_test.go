package dtos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw  string
		want int64
	}{
		{raw: `"5"`, want: 5},
		{raw: `5`, want: 5},
		{raw: ` W/"7" `, want: 7},
		{raw: FormatVersion(42), want: 42},
	}
	for _, tc := range cases {
		got, err := ParseVersion(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	_, err := ParseVersion(`"abc"`)
	require.Error(t, err)
	_, err = ParseVersion("")
	require.Error(t, err)
}
