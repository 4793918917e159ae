package domain

import (
	"fmt"
	"strconv"
)

// Priority orders defects by urgency: Low < Medium < High < Critical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "Low",
	PriorityMedium:   "Medium",
	PriorityHigh:     "High",
	PriorityCritical: "Critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return strconv.Itoa(int(p))
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts either the priority name or its numeric value.
func ParsePriority(raw string) (Priority, error) {
	for p, name := range priorityNames {
		if name == raw {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil {
		p := Priority(n)
		if p.Valid() {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", raw)
}
