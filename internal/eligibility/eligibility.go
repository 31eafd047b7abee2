// Package eligibility decides which subjects of a cohort belong in a new batch.
package eligibility

import (
	"sort"
	"time"
)

// Priority orders candidates; higher is more urgent.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "normal"
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Reason codes.
const (
	ReasonInconsistentIndex = "inconsistent_index"
	ReasonNeverEvaluated    = "never_evaluated"
	ReasonOverdue           = "overdue"
	ReasonIntervalElapsed   = "interval_elapsed"
)

// DefaultMinInterval is the re-evaluation interval when none is configured.
const DefaultMinInterval = 365 * 24 * time.Hour

type Subject struct {
	ID              string
	Active          bool
	EvaluationIndex int
	LastEvaluatedAt *time.Time
	// HasOpenAssessment marks a subject already taking part in another
	// unfinished batch.
	HasOpenAssessment bool
}

type Input struct {
	Subjects      []Subject
	TargetOrdinal int
	Now           time.Time
	MinInterval   time.Duration
}

type Candidate struct {
	SubjectID string   `json:"subject_id"`
	Reason    string   `json:"reason"`
	Priority  Priority `json:"priority"`
}

// Compute returns the eligible subjects ordered by priority, then subject id.
// It has no side effects.
func Compute(in Input) []Candidate {
	interval := in.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	out := make([]Candidate, 0, len(in.Subjects))
	for _, s := range in.Subjects {
		if c, ok := evaluate(s, in.TargetOrdinal, in.Now, interval); ok {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out
}

func evaluate(s Subject, target int, now time.Time, interval time.Duration) (Candidate, bool) {
	if !s.Active || s.HasOpenAssessment {
		return Candidate{}, false
	}
	c := Candidate{SubjectID: s.ID}
	switch {
	case s.EvaluationIndex >= target && target > 0,
		s.EvaluationIndex < 0,
		s.EvaluationIndex > 0 && s.LastEvaluatedAt == nil:
		c.Reason, c.Priority = ReasonInconsistentIndex, PriorityCritical
	case s.EvaluationIndex == 0:
		c.Reason, c.Priority = ReasonNeverEvaluated, PriorityHigh
	case target-s.EvaluationIndex > 2:
		c.Reason, c.Priority = ReasonOverdue, PriorityCritical
	case target-s.EvaluationIndex == 2:
		c.Reason, c.Priority = ReasonOverdue, PriorityHigh
	case now.Sub(*s.LastEvaluatedAt) >= interval:
		c.Reason, c.Priority = ReasonIntervalElapsed, PriorityNormal
	default:
		return Candidate{}, false
	}
	return c, true
}
