package state

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/router"
)

// ClaimNextReady atomically claims the highest-priority ready story for
// workerID. It returns nil, nil when nothing is ready.
func (m *Manager) ClaimNextReady(ctx context.Context, workerID string, timeout time.Duration) (*model.Story, error) {
	claimed, err := m.ClaimMultiple(ctx, workerID, 1, timeout)
	if err != nil || len(claimed) == 0 {
		return nil, err
	}
	return &claimed[0], nil
}

// ClaimMultiple claims up to n ready stories in one critical section.
func (m *Manager) ClaimMultiple(ctx context.Context, workerID string, n int, timeout time.Duration) ([]model.Story, error) {
	if workerID == "" {
		return nil, fmt.Errorf("claim: empty worker id")
	}
	if n <= 0 {
		return nil, nil
	}

	var claimed []model.Story
	err := m.transact(ctx, timeout, func(prd *model.PRD) (bool, error) {
		ready := router.ReadyIndices(prd)
		if len(ready) > n {
			ready = ready[:n]
		}
		now := m.now().UTC()
		for _, i := range ready {
			s := &prd.Stories[i]
			if err := model.ValidateStoryTransition(s.Status, model.StoryInProgress); err != nil {
				return false, fmt.Errorf("claim %s: %w", s.ID, err)
			}
			s.Status = model.StoryInProgress
			s.WorkerID = workerID
			s.Attempts++
			s.LeaseEpoch++
			claimedAt, renewedAt, lastAttempt := now, now, now
			s.ClaimedAt = &claimedAt
			s.LeaseRenewedAt = &renewedAt
			s.LastAttemptAt = &lastAttempt
			claimed = append(claimed, s.DeepCopy())
		}
		return len(ready) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	for _, s := range claimed {
		m.observer.StoryClaimed()
		m.logger.Debug(ctx, "story claimed",
			zap.String("story_id", s.ID), zap.String("worker_id", workerID), zap.Int("attempts", s.Attempts))
	}
	return claimed, nil
}

// UpdateStory applies mutation to a copy of story id and persists the result
// when it is a valid transition. The id cannot be changed and attempts never
// decrease; ResetStory is the only way to clear them.
func (m *Manager) UpdateStory(ctx context.Context, id string, mutation func(*model.Story) error) (*model.Story, error) {
	var out model.Story
	err := m.transact(ctx, m.lockTimeout, func(prd *model.PRD) (bool, error) {
		s, ok := prd.Story(id)
		if !ok {
			return false, fmt.Errorf("update %s: %w", id, model.ErrStoryNotFound)
		}
		next := s.DeepCopy()
		if err := mutation(&next); err != nil {
			return false, err
		}
		if next.ID != s.ID {
			return false, fmt.Errorf("update %s: story id cannot change", id)
		}
		if next.Attempts < s.Attempts {
			return false, fmt.Errorf("update %s: attempts cannot decrease", id)
		}
		if next.Status != s.Status {
			if err := model.ValidateStoryTransition(s.Status, next.Status); err != nil {
				return false, fmt.Errorf("update %s: %w", id, err)
			}
		}
		*s = next
		out = next.DeepCopy()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat renews the lease on a claimed story. It fails with
// model.ErrLeaseLost once the claim was released or taken over, and the
// holder must stop working on the story.
func (m *Manager) Heartbeat(ctx context.Context, lease model.Lease) error {
	_, err := m.UpdateStory(ctx, lease.StoryID, func(s *model.Story) error {
		if !s.Holds(lease) {
			return fmt.Errorf("heartbeat %s: %w", lease.StoryID, model.ErrLeaseLost)
		}
		now := m.now().UTC()
		s.LeaseRenewedAt = &now
		return nil
	})
	return err
}

func (m *Manager) MarkCompleted(ctx context.Context, lease model.Lease, note string) (*model.Story, error) {
	return m.UpdateStory(ctx, lease.StoryID, func(s *model.Story) error {
		if !s.Holds(lease) {
			return fmt.Errorf("complete %s: %w", lease.StoryID, model.ErrLeaseLost)
		}
		now := m.now().UTC()
		s.Status = model.StoryCompleted
		s.CompletedAt = &now
		clearLease(s)
		if note != "" {
			s.AppendNote(now, note)
		}
		return nil
	})
}

func (m *Manager) MarkFailed(ctx context.Context, lease model.Lease, reason string) (*model.Story, error) {
	return m.settle(ctx, lease, model.StoryFailed, "failed: "+reason)
}

func (m *Manager) MarkBlocked(ctx context.Context, lease model.Lease, reason string) (*model.Story, error) {
	return m.settle(ctx, lease, model.StoryBlocked, "blocked: "+reason)
}

// Requeue returns an in-progress story to pending so another claim can pick
// it up.
func (m *Manager) Requeue(ctx context.Context, lease model.Lease, reason string) (*model.Story, error) {
	return m.settle(ctx, lease, model.StoryPending, "requeued: "+reason)
}

// settle ends the claim described by lease. Only the live claim may settle;
// a worker whose claim was released gets model.ErrLeaseLost and the story
// is left to its new holder.
func (m *Manager) settle(ctx context.Context, lease model.Lease, to model.StoryStatus, note string) (*model.Story, error) {
	return m.UpdateStory(ctx, lease.StoryID, func(s *model.Story) error {
		if !s.Holds(lease) {
			return fmt.Errorf("settle %s as %s: %w", lease.StoryID, to, model.ErrLeaseLost)
		}
		s.Status = to
		clearLease(s)
		s.AppendNote(m.now(), note)
		return nil
	})
}

// clearLease drops the holder but keeps the epoch, so the next claim gets
// a fresh one.
func clearLease(s *model.Story) {
	s.WorkerID = ""
	s.ClaimedAt = nil
	s.LeaseRenewedAt = nil
}

// ResetStory returns a story to pending with a fresh attempt budget.
// Completed stories cannot be reset.
func (m *Manager) ResetStory(ctx context.Context, id string) (*model.Story, error) {
	var out model.Story
	err := m.transact(ctx, m.lockTimeout, func(prd *model.PRD) (bool, error) {
		s, ok := prd.Story(id)
		if !ok {
			return false, fmt.Errorf("reset %s: %w", id, model.ErrStoryNotFound)
		}
		if s.Status != model.StoryPending {
			if err := model.ValidateStoryTransition(s.Status, model.StoryPending); err != nil {
				return false, fmt.Errorf("reset %s: %w", id, err)
			}
		}
		resetStory(s, m.now(), "reset by operator")
		out = s.DeepCopy()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info(ctx, "story reset", zap.String("story_id", id))
	return &out, nil
}

// ResetFailed resets every failed story and returns their ids.
func (m *Manager) ResetFailed(ctx context.Context) ([]string, error) {
	var ids []string
	err := m.transact(ctx, m.lockTimeout, func(prd *model.PRD) (bool, error) {
		for i := range prd.Stories {
			s := &prd.Stories[i]
			if s.Status != model.StoryFailed {
				continue
			}
			resetStory(s, m.now(), "reset with all failed stories")
			ids = append(ids, s.ID)
		}
		return len(ids) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func resetStory(s *model.Story, now time.Time, note string) {
	s.Status = model.StoryPending
	s.Attempts = 0
	clearLease(s)
	s.CompletedAt = nil
	s.AppendNote(now, note)
}

// ReleaseStale returns in-progress stories whose lease was last renewed
// before cutoff to pending. Live workers renew through Heartbeat, so only a
// worker that died or hung mid-story loses its claim here; its later settle
// is rejected.
func (m *Manager) ReleaseStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := m.transact(ctx, m.lockTimeout, func(prd *model.PRD) (bool, error) {
		for i := range prd.Stories {
			s := &prd.Stories[i]
			if s.Status != model.StoryInProgress {
				continue
			}
			if t := s.LeaseTime(); t != nil && t.After(cutoff) {
				continue
			}
			s.AppendNote(m.now(), fmt.Sprintf("released stale claim held by %s (epoch %d)", s.WorkerID, s.LeaseEpoch))
			s.Status = model.StoryPending
			clearLease(s)
			ids = append(ids, s.ID)
		}
		return len(ids) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		m.logger.Warn(ctx, "released stale claims", zap.Strings("story_ids", ids))
	}
	return ids, nil
}
