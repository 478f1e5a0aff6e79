package timestamp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireForm(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0.000"},
		{1, "0.001"},
		{999, "0.999"},
		{1000, "1.000"},
		{1634567890123, "1634567890.123"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromMillis(tt.ms).String())
	}
}

func TestParseRoundtrip(t *testing.T) {
	ts, err := Parse("1634567890.123")
	require.NoError(t, err)
	assert.Equal(t, int64(1634567890123), ts.Millis())
	assert.Equal(t, "1634567890.123", ts.String())

	_, err = Parse("nope")
	require.Error(t, err)
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(FromMillis(1500))
	require.NoError(t, err)
	assert.Equal(t, "1.500", string(b))

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte("2.250"), &ts))
	assert.Equal(t, int64(2250), ts.Millis())
}

func TestOrdering(t *testing.T) {
	assert.True(t, FromMillis(1) < FromMillis(2))
	assert.True(t, FromSeconds(1.0015) == FromMillis(1002) || FromSeconds(1.0015) == FromMillis(1001))
}
