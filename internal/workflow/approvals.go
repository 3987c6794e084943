package workflow

import "fmt"

// NoApprovalRequirement is returned when the NC level is not set.
const NoApprovalRequirement = "No approval requirement: NC level not set"

// Level describes one severity level.
type Level struct {
	Level       int    `json:"level"`
	Name        string `json:"name"`
	Guidance    string `json:"guidance"`
	Approvals   string `json:"approvals"`
	CAPAAdvised string `json:"capa,omitempty"`
}

var levels = map[int]Level{
	1: {
		Level:       1,
		Name:        "Critical",
		Guidance:    "Injury or total system failure. Escalate to senior leadership.",
		Approvals:   "1 Quality Manager + 1 Quality Engineer + 1 SME Manager + 2 SME Engineers",
		CAPAAdvised: "required",
	},
	2: {
		Level:       2,
		Name:        "Adverse",
		Guidance:    "Schedule slip of 3 days or more, or a missed milestone. Escalate to management.",
		Approvals:   "1 SME/Quality Manager + 1 Quality Engineer + 2 SME Engineers",
		CAPAAdvised: "recommended",
	},
	3: {
		Level:     3,
		Name:      "Moderate",
		Guidance:  "Drawing change, repairs, use-as-is, or schedule slip under 3 days.",
		Approvals: "1 Quality Engineer + 2 SME Engineers",
	},
	4: {
		Level:     4,
		Name:      "Low",
		Guidance:  "Rework to drawing, scrap, or return to vendor.",
		Approvals: "1 Quality Engineer + 1 SME Engineer",
	},
}

// ValidLevel reports whether l is a defined NC level.
func ValidLevel(l int) bool {
	_, ok := levels[l]
	return ok
}

// LevelInfo returns the description of level l.
func LevelInfo(l int) (Level, error) {
	lv, ok := levels[l]
	if !ok {
		return Level{}, invalid("nc_level", "nc level must be between 1 and 4, got %d", l)
	}
	return lv, nil
}

// Levels returns all levels from most to least severe.
func Levels() []Level {
	out := make([]Level, 0, len(levels))
	for i := 1; i <= len(levels); i++ {
		out = append(out, levels[i])
	}
	return out
}

// RequiredApprovals returns the approval requirement for an NC level.
func RequiredApprovals(level *int) string {
	if level == nil {
		return NoApprovalRequirement
	}
	lv, ok := levels[*level]
	if !ok {
		return NoApprovalRequirement
	}
	return lv.Approvals
}

// LevelDescription renders the informational text shown next to a level.
func LevelDescription(level *int) string {
	if level == nil {
		return ""
	}
	lv, ok := levels[*level]
	if !ok {
		return ""
	}
	return fmt.Sprintf("Level %d (%s): %s", lv.Level, lv.Name, lv.Guidance)
}
