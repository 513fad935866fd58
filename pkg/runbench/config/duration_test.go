package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDurationJSONRoundTrip(t *testing.T) {
	tcases := []struct {
		name string
		in   Duration
		json string
	}{
		{name: "seconds", in: Duration(90 * time.Second), json: `"1m30s"`},
		{name: "minutes", in: Duration(10 * time.Minute), json: `"10m0s"`},
		{name: "zero means unlimited", in: Duration(0), json: `"0s"`},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.in.MarshalJSON()
			require.NoError(t, err)
			require.Equal(t, tc.json, string(data))

			var out Duration
			require.NoError(t, out.UnmarshalJSON(data))
			require.Equal(t, tc.in, out)
		})
	}
}

func TestDurationSeconds(t *testing.T) {
	require.Equal(t, 90.0, Duration(90*time.Second).Seconds())
	require.Equal(t, 0.0, Duration(0).Seconds())
}

func TestDurationUnmarshalRejectsMalformed(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalJSON([]byte(`"not-a-duration"`)))
	require.Error(t, d.UnmarshalJSON([]byte(`x`)))
}
