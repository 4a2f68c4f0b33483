package tweakid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCanonical(t *testing.T) {
	id, err := Parse("network.disable_nagle@1.2.3")
	require.NoError(t, err)

	assert.Equal(t, "network", id.Category)
	assert.Equal(t, "disable_nagle", id.Name)
	assert.Equal(t, "1.2.3", id.Version)
	assert.Equal(t, "network.disable_nagle", id.Base())
	assert.False(t, id.Unversioned())
}

func TestParseDottedCategory(t *testing.T) {
	id, err := Parse("system.power.hibernate@1.0")
	require.NoError(t, err)

	assert.Equal(t, "system.power", id.Category)
	assert.Equal(t, "hibernate", id.Name)
}

func TestParseLegacyNumeric(t *testing.T) {
	id, err := Parse("042")
	require.NoError(t, err)

	assert.Equal(t, LegacyCategory, id.Category)
	assert.Equal(t, "042", id.Name)
	assert.Equal(t, "0", id.Version)
	assert.Equal(t, "042", id.String())
}

func TestParseUnversioned(t *testing.T) {
	id, err := Parse("ui.show_extensions")
	require.NoError(t, err)

	assert.True(t, id.Unversioned())
	assert.Equal(t, "0", id.Version)
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "Upper.Case@1.0", "nodot@1.0", "a.b@", "a.b@1..2", "a.b@1.2.", "a.b@x"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalid, "input %q", s)
	}
}

func TestParseLongVersion(t *testing.T) {
	id, err := Parse("driver.msi_mode@10.0.19041.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.19041.1", id.Version)
	assert.Equal(t, "driver.msi_mode", id.Base())
}

func TestSameBaseIgnoresVersion(t *testing.T) {
	a := MustParse("network.disable_nagle@1.0")
	b := MustParse("network.disable_nagle@2.1")
	c := MustParse("network.tcp_window@1.0")

	assert.True(t, a.SameBase(b))
	assert.False(t, a.Equal(b))
	assert.False(t, a.SameBase(c))
}

func TestMatches(t *testing.T) {
	active := MustParse("network.disable_nagle@1.0")

	assert.True(t, active.Matches(MustParse("network.disable_nagle")))
	assert.True(t, active.Matches(MustParse("network.disable_nagle@1.0")))
	assert.False(t, active.Matches(MustParse("network.disable_nagle@2.0")))
}

func TestCompareVersion(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"x.y@1.2", "x.y@1.2.0", 0},
		{"x.y@1.10", "x.y@1.9", 1},
		{"x.y@1.0", "x.y@2.0", -1},
		{"x.y@2.0.1", "x.y@2.0", 1},
		{"x.y@1.2.3.4", "x.y@1.2.3.10", -1},
		{"x.y@1.2.3.0", "x.y@1.2.3", 0},
		{"x.y@1.2.3.0.1", "x.y@1.2.3", 1},
		{"x.y@1.3", "x.y@1.2.9.9", 1},
		{"x.y@99999999999999999999.1", "x.y@99999999999999999999.0", 1},
		{"x.y@100000000000000000000", "x.y@99999999999999999999", 1},
		{"x.y@007", "x.y@7.0", 0},
	}

	for _, tt := range tests {
		got := MustParse(tt.a).CompareVersion(MustParse(tt.b))
		assert.Equal(t, tt.want, got, "%s vs %s", tt.a, tt.b)
	}
}
