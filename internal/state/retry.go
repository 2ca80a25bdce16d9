package state

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/persist"
)

// RetryPolicy is a capped exponential backoff for store I/O. The delay
// before try n (n >= 1) is min(Base * 2^(n-1), Max).
type RetryPolicy struct {
	MaxTries int
	Base     time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxTries: 5, Base: 50 * time.Millisecond, Max: 2 * time.Second}
}

func (p RetryPolicy) Delay(try int) time.Duration {
	if try <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < try; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// withRetry retries transient I/O failures. A missing or undecodable
// document is returned as is: retrying cannot fix it. Exhaustion yields
// *model.PersistenceError.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for try := 0; try < m.retry.MaxTries; try++ {
		if try > 0 {
			m.observer.PersistRetried(op)
			m.logger.Warn(ctx, "store i/o failed, retrying",
				zap.String("op", op), zap.Int("try", try), zap.Error(err))
			t := time.NewTimer(m.retry.Delay(try))
			select {
			case <-ctx.Done():
				t.Stop()
				return &model.PersistenceError{Op: op, Path: m.path, Err: ctx.Err()}
			case <-t.C:
			}
		}
		err = fn()
		if err == nil || permanent(err) {
			return err
		}
	}
	return &model.PersistenceError{Op: op, Path: m.path, Err: err}
}

func permanent(err error) bool {
	var corrupt *persist.CorruptError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &corrupt)
}
