package sla

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{
			name: "валидная пара",
			cfg:  sharedLineConfig(HoldAccessOpen, false),
			ok:   true,
		},
		{
			name: "дубликат транка",
			cfg: Config{Trunks: []TrunkConfig{
				{Name: "line1", Device: "a"},
				{Name: "line1", Device: "b"},
			}},
		},
		{
			name: "транк без device",
			cfg:  Config{Trunks: []TrunkConfig{{Name: "line1"}}},
		},
		{
			name: "ссылка на неизвестный транк",
			cfg: Config{
				Trunks: []TrunkConfig{{Name: "line1", Device: "a"}},
				Stations: []StationConfig{{
					Name: "station1", Device: "b",
					Trunks: []StationTrunk{{Trunk: "line9"}},
				}},
			},
		},
		{
			name: "дубликат станции",
			cfg: Config{Stations: []StationConfig{
				{Name: "station1", Device: "a"},
				{Name: "station1", Device: "b"},
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, &Error{Code: ErrorCodeBadConfig})
		})
	}
}

func TestParseHoldAccess(t *testing.T) {
	a, err := ParseHoldAccess("")
	require.NoError(t, err)
	assert.Equal(t, HoldAccessOpen, a)

	a, err = ParseHoldAccess("private")
	require.NoError(t, err)
	assert.Equal(t, HoldAccessPrivate, a)
	assert.Equal(t, "private", a.String())

	_, err = ParseHoldAccess("shared")
	require.ErrorIs(t, err, &Error{Code: ErrorCodeBadConfig})
}
