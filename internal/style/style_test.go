package style

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupKnownPresets(t *testing.T) {
	cases := []struct {
		name       string
		kind       TransitionKind
		durationMs int
		kelvin     int
	}{
		{"cinematic_drama", Crossfade, 500, 5600},
		{"energetic_dance", HardCut, 0, 2700},
		{"luxe_travel", Crossfade, 500, 3200},
		{"modern_minimal", Crossfade, 200, 4500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, ok := Lookup(tc.name)
			require.True(t, ok)
			assert.Equal(t, tc.name, p.Name)
			assert.Equal(t, tc.kind, p.DefaultTransition.Kind)
			assert.Equal(t, tc.durationMs, p.DefaultTransition.DurationMs)
			assert.Equal(t, tc.kelvin, p.Grade.TemperatureKelvin)
		})
	}
}

func TestLookupUnknownPreset(t *testing.T) {
	_, ok := Lookup("sepia_dream")
	assert.False(t, ok)
}

func TestNamesIsClosedAndSorted(t *testing.T) {
	names := Names()
	assert.Equal(t, []string{
		"cinematic_drama",
		"energetic_dance",
		"luxe_travel",
		"modern_minimal",
	}, names)
}

func TestGradeFilterChainDeterministic(t *testing.T) {
	p, _ := Lookup("cinematic_drama")
	first := p.Grade.FilterChain()
	second := p.Grade.FilterChain()
	assert.Equal(t, first, second)
	assert.Contains(t, first, "colortemperature=temperature=5600")
	assert.Contains(t, first, "saturation=0.90")
	assert.Contains(t, first, "contrast=1.15")
}
