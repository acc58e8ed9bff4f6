package incident

import (
	"fmt"
	"strings"
)

// Level is the ordered severity of an incident.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelUrgent   Level = "urgent"
	LevelCritical Level = "critical"
)

var levelPriority = map[Level]int{
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelUrgent:   4,
	LevelCritical: 5,
}

func (l Level) Valid() bool {
	_, ok := levelPriority[l]
	return ok
}

// Priority returns the numeric rank of the level, higher is more severe.
// Unknown levels rank as 0.
func (l Level) Priority() int {
	return levelPriority[l]
}

func ParseLevel(raw string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(raw)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown level %q", raw)
	}
	return l, nil
}

// LevelFromPriority maps a numeric rank back to a level, defaulting to low.
func LevelFromPriority(priority int) Level {
	for l, p := range levelPriority {
		if p == priority {
			return l
		}
	}
	return LevelLow
}

// LevelFromConfidence maps a detector confidence score to a severity level.
// Upstream detectors report confidence in [0,1].
func LevelFromConfidence(confidence float64) Level {
	switch {
	case confidence >= 0.9:
		return LevelCritical
	case confidence >= 0.8:
		return LevelUrgent
	case confidence >= 0.7:
		return LevelHigh
	case confidence >= 0.6:
		return LevelMedium
	default:
		return LevelLow
	}
}
