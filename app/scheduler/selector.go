// Package scheduler decides when downloads fire and which models get the
// available concurrency slots.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/navono/hf-download-scheduler/app/database"
)

// RetryPolicy controls whether failed models re-enter selection. A model's
// retry budget resets after ResetAfter has elapsed since its last failure;
// the reset is applied at read time only, the stored count is untouched.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	ResetAfter time.Duration
}

// Candidate is one model chosen for dispatch. Retries carry the 1-based
// attempt number and the policy's budget; fresh downloads leave both zero.
type Candidate struct {
	Model       database.Model
	IsRetry     bool
	Attempt     int
	MaxAttempts int
}

// Selector implements priority-ordered model selection under a concurrency
// cap. now is swappable for tests.
type Selector struct {
	models database.ModelRepository
	policy RetryPolicy
	now    func() time.Time
}

func NewSelector(models database.ModelRepository, policy RetryPolicy) *Selector {
	return &Selector{models: models, policy: policy, now: time.Now}
}

// Select returns the models to dispatch this run: pending models plus
// retry-eligible failed ones, filtered by the desired-list enabled gate,
// ordered by priority then age, truncated to the free slots left under the
// concurrency cap.
//
// enabled maps desired-list names to their enabled flag. The desired list is
// authoritative for membership: a model absent from it is never selected, no
// matter what the store says.
func (s *Selector) Select(enabled map[string]bool, maxConcurrent, activeCount int) ([]Candidate, error) {
	slots := maxConcurrent - activeCount
	if slots <= 0 {
		slog.Debug("No free download slots", "max_concurrent", maxConcurrent, "active", activeCount)
		return nil, nil
	}

	pending, err := s.models.GetModelsByStatus(database.ModelPending)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending models: %w", err)
	}

	var candidates []Candidate
	for _, m := range pending {
		if !enabled[m.Name] {
			continue
		}
		candidates = append(candidates, Candidate{Model: m})
	}

	if s.policy.Enabled {
		failed, err := s.models.GetModelsByStatus(database.ModelFailed)
		if err != nil {
			return nil, fmt.Errorf("failed to load failed models: %w", err)
		}
		for _, m := range failed {
			if !enabled[m.Name] {
				continue
			}
			retryCount, ok := s.retryEligible(m)
			if !ok {
				continue
			}
			candidates = append(candidates, Candidate{
				Model:       m,
				IsRetry:     true,
				Attempt:     retryCount + 1,
				MaxAttempts: s.policy.MaxRetries,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi := database.PriorityOrder(candidates[i].Model.Meta.Priority)
		pj := database.PriorityOrder(candidates[j].Model.Meta.Priority)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].Model.CreatedAt.Before(candidates[j].Model.CreatedAt)
	})

	if len(candidates) > slots {
		candidates = candidates[:slots]
	}
	return candidates, nil
}

// retryEligible reports whether a failed model still has retry budget. The
// effective count is zero once the cool-down has elapsed since the last
// failure, so old failures do not permanently exhaust a model.
func (s *Selector) retryEligible(m database.Model) (int, bool) {
	count := m.Meta.RetryCount
	if m.Meta.LastFailedAt != nil && s.policy.ResetAfter > 0 {
		if s.now().Sub(*m.Meta.LastFailedAt) >= s.policy.ResetAfter {
			count = 0
		}
	}
	return count, count < s.policy.MaxRetries
}
