package stage

import (
	"errors"
	"strconv"
	"strings"
)

// Stage is a rung of the progression ladder. The ordinal is what gets
// persisted, so new stages are only ever appended.
type Stage uint8

const (
	NoStage Stage = iota
	Feeder
	Bronze
	Silver
	Gold
	Diamond
	Infinity
)

var ErrUnknownStage = errors.New("unknown stage")

var names = [...]string{
	NoStage:  "no_stage",
	Feeder:   "feeder",
	Bronze:   "bronze",
	Silver:   "silver",
	Gold:     "gold",
	Diamond:  "diamond",
	Infinity: "infinity",
}

var aliases = map[string]Stage{
	"nostage": NoStage,
}

func (s Stage) String() string {
	if int(s) < len(names) {
		return names[s]
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

func (s Stage) Valid() bool {
	return int(s) < len(names)
}

// All returns every stage in progression order.
func All() []Stage {
	out := make([]Stage, 0, len(names))
	for i := range names {
		out = append(out, Stage(i))
	}
	return out
}

func Parse(name string) (Stage, error) {
	clean := strings.ToLower(strings.TrimSpace(name))
	clean = strings.ReplaceAll(clean, "-", "_")
	clean = strings.ReplaceAll(clean, " ", "_")
	for i, n := range names {
		if n == clean {
			return Stage(i), nil
		}
	}
	if s, ok := aliases[clean]; ok {
		return s, nil
	}
	return 0, ErrUnknownStage
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrUnknownStage
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
