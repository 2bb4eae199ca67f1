// Package scheduler ranks open cases and picks the batch for a chase cycle.
package scheduler

import (
	"sort"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/lifecycle"
	"github.com/kgnguhan/agentic-chaser/internal/scoring"
)

// Scorer computes the priority of a case from its features.
type Scorer interface {
	Score(scoring.Features) float64
}

// Ranked is a case copy carrying its freshly computed priority.
type Ranked struct {
	Case        domain.Case
	Score       float64
	DaysInState int
}

// Scheduler selects a cycle's batch. The zero stall grace keeps every
// stalled case eligible.
type Scheduler struct {
	capacity   int
	decision   config.Decision
	scorer     Scorer
	stallGrace time.Duration
}

func New(cfg config.Scheduler, decision config.Decision, scorer Scorer) Scheduler {
	return Scheduler{capacity: cfg.DailyCapacity, decision: decision, scorer: scorer}
}

// WithStallGrace returns a copy that leaves out stalled cases younger
// than grace: nothing can happen to them until the grace runs out.
func (s Scheduler) WithStallGrace(grace time.Duration) Scheduler {
	s.stallGrace = grace
	return s
}

// Select returns at most k cases ordered by score, then days in state,
// then id. k <= 0 falls back to the daily capacity. Inputs are not modified.
func (s Scheduler) Select(cases []domain.Case, now time.Time, k int) []Ranked {
	if k <= 0 {
		k = s.capacity
	}
	ranked := make([]Ranked, 0, len(cases))
	for _, c := range cases {
		if c.Archived || c.State.Terminal() {
			continue
		}
		if s.coolingDown(c, now) || s.inStallGrace(c, now) {
			continue
		}
		cp := c.Clone()
		score := s.scorer.Score(scoring.FeaturesOf(c, now))
		cp.PriorityScore = score
		ranked = append(ranked, Ranked{Case: cp, Score: score, DaysInState: c.DaysInState(now)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DaysInState != b.DaysInState {
			return a.DaysInState > b.DaysInState
		}
		return a.Case.ID < b.Case.ID
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// coolingDown skips cases whose next chase could not run yet anyway.
// Pending documents bypass it since verification has no cooldown.
func (s Scheduler) coolingDown(c domain.Case, now time.Time) bool {
	if c.PendingDocuments > 0 {
		return false
	}
	cat := lifecycle.CategoryFor(c.State)
	if cat == domain.ActionNone {
		return false
	}
	return c.Attempt(cat).WithinCooldown(now, s.decision.Cooldown(cat))
}

func (s Scheduler) inStallGrace(c domain.Case, now time.Time) bool {
	return s.stallGrace > 0 && c.State == domain.StateStalled && now.Sub(c.StateEnteredAt) < s.stallGrace
}
