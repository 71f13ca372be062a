package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
	}{
		{"no_stage", NoStage},
		{"NoStage", NoStage},
		{"feeder", Feeder},
		{" Bronze ", Bronze},
		{"silver", Silver},
		{"GOLD", Gold},
		{"diamond", Diamond},
		{"infinity", Infinity},
	}
	for _, tc := range tests {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q got=%s want=%s", tc.in, got, tc.want)
		}
	}

	if _, err := Parse("platinum"); err == nil {
		t.Fatalf("expected unknown stage to fail")
	}
}

func TestDefaultCatalogLadder(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	order := All()
	for i := 0; i < len(order)-1; i++ {
		next, ok := c.Next(order[i])
		require.True(t, ok, "stage %s should have a successor", order[i])
		assert.Equal(t, order[i+1], next)
	}
	_, ok := c.Next(Infinity)
	assert.False(t, ok, "infinity is terminal")

	assert.Equal(t, 6, c.Required(NoStage))
	assert.Equal(t, 6, c.Required(Feeder))
	assert.Equal(t, 0, c.Required(Infinity))
	assert.Equal(t, int64(1_500_000), c.Bonus(NoStage))
	assert.Equal(t, int64(1_500_000), c.Bonus(Feeder))
}

func TestDefaultPrerequisites(t *testing.T) {
	c := Default()

	_, gated := c.Prerequisite(NoStage)
	assert.False(t, gated, "no_stage matrices qualify every placement")
	_, gated = c.Prerequisite(Infinity)
	assert.False(t, gated, "infinity has no qualification gate")

	tests := []struct {
		owner Stage
		want  Stage
	}{
		{Feeder, NoStage},
		{Bronze, Feeder},
		{Silver, Bronze},
		{Gold, Silver},
		{Diamond, Gold},
	}
	for _, tc := range tests {
		got, ok := c.Prerequisite(tc.owner)
		require.True(t, ok, "%s should be gated", tc.owner)
		assert.Equal(t, tc.want, got, "prerequisite of %s", tc.owner)
	}
}

func TestIncentivesAreCopied(t *testing.T) {
	c := Default()
	got := c.Incentives(Bronze)
	require.NotEmpty(t, got)
	got[0] = "tampered"
	assert.NotEqual(t, "tampered", c.Incentives(Bronze)[0])
}

func TestParseYAMLOverrides(t *testing.T) {
	raw := []byte(`
stages:
  - name: feeder
    bonus: 2.25
    required_qualified_slots: 4
    incentives: ["hamper"]
  - name: infinity
    prerequisite: diamond
`)
	c, err := ParseYAML(raw)
	require.NoError(t, err)

	assert.Equal(t, int64(2_250_000), c.Bonus(Feeder))
	assert.Equal(t, 4, c.Required(Feeder))
	assert.Equal(t, []string{"hamper"}, c.Incentives(Feeder))

	prereq, ok := c.Prerequisite(Infinity)
	require.True(t, ok)
	assert.Equal(t, Diamond, prereq)

	// untouched entries keep their defaults
	assert.Equal(t, Default().Bonus(Gold), c.Bonus(Gold))
}

func TestParseYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown stage":      "stages:\n  - name: platinum\n",
		"later prerequisite": "stages:\n  - name: bronze\n    prerequisite: gold\n",
		"negative bonus":     "stages:\n  - name: gold\n    bonus: -1\n",
		"zero fan-out":       "stages:\n  - name: gold\n    matrix_fan_out: 0\n",
	}
	for name, raw := range cases {
		if _, err := ParseYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseYAMLCanUngate(t *testing.T) {
	c, err := ParseYAML([]byte("stages:\n  - name: feeder\n    prerequisite: none\n"))
	require.NoError(t, err)
	_, ok := c.Prerequisite(Feeder)
	assert.False(t, ok)
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Entries(), c.Entries())
}

func TestLevels(t *testing.T) {
	c := Default()
	cases := []struct {
		stage Stage
		want  int
	}{
		{NoStage, 2},
		{Feeder, 2},
		{Bronze, 3},
		{Diamond, 3},
		{Infinity, 1},
	}
	for _, tc := range cases {
		if got := c.Levels(tc.stage); got != tc.want {
			t.Fatalf("Levels(%s) = %d, want %d", tc.stage, got, tc.want)
		}
	}
	assert.Equal(t, 3, c.MaxLevels())

	wide, err := ParseYAML([]byte("stages:\n  - name: no_stage\n    matrix_fan_out: 3\n    required_qualified_slots: 12\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, wide.Levels(NoStage))
}

func TestGatedOn(t *testing.T) {
	c := Default()
	assert.Equal(t, []Stage{Feeder}, c.GatedOn(NoStage))
	assert.Equal(t, []Stage{Silver}, c.GatedOn(Bronze))
	assert.Empty(t, c.GatedOn(Diamond))

	custom, err := ParseYAML([]byte("stages:\n  - name: gold\n    prerequisite: feeder\n"))
	require.NoError(t, err)
	assert.Equal(t, []Stage{Bronze, Gold}, custom.GatedOn(Feeder))
	assert.Empty(t, custom.GatedOn(Silver))
}
