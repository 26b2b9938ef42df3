// Package maturity holds the closed set of index-type configurations and the
// pure completion/status calculators. Nothing here touches storage; callers
// load state and pass it in, so recomputation on every read stays cheap and
// drift-free.
package maturity

import (
	"fmt"
	"math"
	"time"
)

// LevelDef is display data for one maturity level.
type LevelDef struct {
	Level   int    `json:"level"`
	LabelAr string `json:"label_ar"`
	LabelEn string `json:"label_en"`
	Color   string `json:"color"`
}

// IndexType is one named configuration: level count, labels, colors, and the
// completion threshold. Pure data, never logic.
type IndexType struct {
	Name                string     `json:"name"`
	AnswerBased         bool       `json:"answer_based"`
	MaxLevel            int        `json:"max_level"`
	CompletionThreshold int        `json:"completion_threshold"`
	Levels              []LevelDef `json:"levels"`
}

var registry = map[string]IndexType{
	"naii": {
		Name:                "naii",
		MaxLevel:            5,
		CompletionThreshold: 5,
		Levels: []LevelDef{
			{Level: 0, LabelAr: "غياب القدرات", LabelEn: "Absence of capabilities", Color: "#9e9e9e"},
			{Level: 1, LabelAr: "البناء", LabelEn: "Building", Color: "#e53935"},
			{Level: 2, LabelAr: "التفعيل", LabelEn: "Activation", Color: "#fb8c00"},
			{Level: 3, LabelAr: "التمكين", LabelEn: "Enablement", Color: "#fdd835"},
			{Level: 4, LabelAr: "التميز", LabelEn: "Excellence", Color: "#43a047"},
			{Level: 5, LabelAr: "الريادة", LabelEn: "Leadership", Color: "#1e88e5"},
		},
	},
	"etari": {
		Name:                "etari",
		AnswerBased:         true,
		MaxLevel:            1,
		CompletionThreshold: 1,
		Levels: []LevelDef{
			{Level: 0, LabelAr: "غير مكتمل", LabelEn: "Incomplete", Color: "#9e9e9e"},
			{Level: 1, LabelAr: "مكتمل", LabelEn: "Complete", Color: "#43a047"},
		},
	},
}

// Type looks up a named index type.
func Type(name string) (IndexType, error) {
	t, ok := registry[name]
	if !ok {
		return IndexType{}, fmt.Errorf("unknown index type %q", name)
	}
	return t, nil
}

// TypeNames lists the known configurations.
func TypeNames() []string {
	return []string{"naii", "etari"}
}

// Completion is the derived result for one level value against a type.
type Completion struct {
	Percent    int
	IsComplete bool
}

// Compute derives completion from a current level. Percent is
// round(level/maxLevel*100); complete once the threshold is reached.
func (t IndexType) Compute(currentLevel int) Completion {
	if currentLevel < 0 {
		currentLevel = 0
	}
	if currentLevel > t.MaxLevel {
		currentLevel = t.MaxLevel
	}
	pct := 0
	if t.MaxLevel > 0 {
		pct = int(math.Round(float64(currentLevel) / float64(t.MaxLevel) * 100))
	}
	return Completion{
		Percent:    pct,
		IsComplete: currentLevel >= t.CompletionThreshold,
	}
}

// Index statuses, always derived, never stored.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusArchived   = "archived"
)

// DeriveStatus computes index status from its inputs. Archived wins, then
// completion, then the start date.
func DeriveStatus(archived bool, startDate *time.Time, complete bool, now time.Time) string {
	switch {
	case archived:
		return StatusArchived
	case complete:
		return StatusCompleted
	case startDate != nil && !now.Before(*startDate):
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// AggregatePercent averages requirement percentages, rounded. An index with
// no requirements is 0% and never complete.
func AggregatePercent(percents []int) int {
	if len(percents) == 0 {
		return 0
	}
	sum := 0
	for _, p := range percents {
		sum += p
	}
	return int(math.Round(float64(sum) / float64(len(percents))))
}
