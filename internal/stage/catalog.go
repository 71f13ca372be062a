package stage

import (
	"fmt"
	"math"
)

const MicrosPerUnit = int64(1_000_000)

// Entry is one row of the catalog. Gated entries only count a placed member
// as qualified once that member has completed Prerequisite.
type Entry struct {
	Stage                  Stage
	BonusMicros            int64
	RequiredQualifiedSlots int
	MatrixFanOut           int
	Gated                  bool
	Prerequisite           Stage
	Incentives             []string
}

type Catalog struct {
	entries []Entry
}

func UnitsToMicros(v float64) int64 {
	return int64(math.Round(v * float64(MicrosPerUnit)))
}

func MicrosToUnits(v int64) float64 {
	return float64(v) / float64(MicrosPerUnit)
}

// Default is the built-in ladder.
func Default() *Catalog {
	return &Catalog{entries: []Entry{
		{Stage: NoStage, BonusMicros: 1_500_000, RequiredQualifiedSlots: 6, MatrixFanOut: 2},
		{Stage: Feeder, BonusMicros: 1_500_000, RequiredQualifiedSlots: 6, MatrixFanOut: 2, Gated: true, Prerequisite: NoStage,
			Incentives: []string{"welcome pack"}},
		{Stage: Bronze, BonusMicros: 4_800_000, RequiredQualifiedSlots: 14, MatrixFanOut: 2, Gated: true, Prerequisite: Feeder,
			Incentives: []string{"smartphone", "food voucher"}},
		{Stage: Silver, BonusMicros: 30 * MicrosPerUnit, RequiredQualifiedSlots: 14, MatrixFanOut: 2, Gated: true, Prerequisite: Bronze,
			Incentives: []string{"laptop", "food voucher"}},
		{Stage: Gold, BonusMicros: 150 * MicrosPerUnit, RequiredQualifiedSlots: 14, MatrixFanOut: 2, Gated: true, Prerequisite: Silver,
			Incentives: []string{"international trip"}},
		{Stage: Diamond, BonusMicros: 750 * MicrosPerUnit, RequiredQualifiedSlots: 14, MatrixFanOut: 2, Gated: true, Prerequisite: Gold,
			Incentives: []string{"car fund"}},
		{Stage: Infinity, BonusMicros: 1500 * MicrosPerUnit, RequiredQualifiedSlots: 0, MatrixFanOut: 2,
			Incentives: []string{"house fund", "leadership award"}},
	}}
}

// New builds a catalog from entries listed in progression order.
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{entries: make([]Entry, len(entries))}
	for i, e := range entries {
		e.Incentives = append([]string(nil), e.Incentives...)
		c.entries[i] = e
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Validate() error {
	if len(c.entries) != len(names) {
		return fmt.Errorf("catalog must define %d stages, got %d", len(names), len(c.entries))
	}
	for i, e := range c.entries {
		if e.Stage != Stage(i) {
			return fmt.Errorf("catalog entry %d is %s, want %s", i, e.Stage, Stage(i))
		}
		if e.BonusMicros < 0 {
			return fmt.Errorf("%s: bonus must be >= 0", e.Stage)
		}
		if e.RequiredQualifiedSlots < 0 {
			return fmt.Errorf("%s: required qualified slots must be >= 0", e.Stage)
		}
		if e.MatrixFanOut < 1 {
			return fmt.Errorf("%s: matrix fan-out must be >= 1", e.Stage)
		}
		if e.Gated && e.Prerequisite >= e.Stage {
			return fmt.Errorf("%s: prerequisite %s must be an earlier stage", e.Stage, e.Prerequisite)
		}
	}
	return nil
}

func (c *Catalog) Entry(s Stage) (Entry, bool) {
	if int(s) >= len(c.entries) {
		return Entry{}, false
	}
	return c.entries[s], true
}

// Next returns the stage after s, or false when s is terminal.
func (c *Catalog) Next(s Stage) (Stage, bool) {
	if int(s)+1 >= len(c.entries) {
		return s, false
	}
	return c.entries[s+1].Stage, true
}

func (c *Catalog) Bonus(s Stage) int64 {
	e, _ := c.Entry(s)
	return e.BonusMicros
}

func (c *Catalog) Required(s Stage) int {
	e, _ := c.Entry(s)
	return e.RequiredQualifiedSlots
}

// Prerequisite reports which stage a member must have completed to count as
// a qualified placement in an owner's matrix at s. ok is false when s is
// ungated and every placement qualifies.
func (c *Catalog) Prerequisite(s Stage) (prereq Stage, ok bool) {
	e, found := c.Entry(s)
	if !found || !e.Gated {
		return 0, false
	}
	return e.Prerequisite, true
}

func (c *Catalog) Incentives(s Stage) []string {
	e, _ := c.Entry(s)
	return append([]string(nil), e.Incentives...)
}

func (c *Catalog) Entries() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Levels is how many generations below its owner a matrix at s reaches: the
// smallest depth whose fan-out capacity covers the required slot count. A
// matrix always reaches at least its owner's direct children.
func (c *Catalog) Levels(s Stage) int {
	e, ok := c.Entry(s)
	if !ok {
		return 1
	}
	fan := e.MatrixFanOut
	if fan < 1 {
		fan = 2
	}
	levels, capacity, width := 1, fan, fan
	for capacity < e.RequiredQualifiedSlots {
		width *= fan
		capacity += width
		levels++
	}
	return levels
}

// MaxLevels is the deepest matrix window across the catalog.
func (c *Catalog) MaxLevels() int {
	deepest := 1
	for _, e := range c.entries {
		if l := c.Levels(e.Stage); l > deepest {
			deepest = l
		}
	}
	return deepest
}

// GatedOn lists the stages whose matrices count a member as qualified once
// the member completes s. With the default ladder that is just the next
// stage.
func (c *Catalog) GatedOn(s Stage) []Stage {
	var out []Stage
	for _, e := range c.entries {
		if e.Gated && e.Prerequisite == s {
			out = append(out, e.Stage)
		}
	}
	return out
}

// Terminal is the last stage of the ladder.
func (c *Catalog) Terminal() Stage {
	return c.entries[len(c.entries)-1].Stage
}
