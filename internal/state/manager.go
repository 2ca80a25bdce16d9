// Package state owns the persisted work graph. Every read-modify-write runs
// under an in-process keyed mutex and a cross-process flock, and is durably
// committed before the lock is released. Callers only ever receive deep
// copies.
package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/storyforge/internal/graph"
	"github.com/msageha/storyforge/internal/lock"
	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/persist"
)

const (
	DocumentName = "prd.json"
	LockSuffix   = ".lock"
)

// Observer receives timing and outcome signals from the manager. The
// metrics package implements it with Prometheus collectors.
type Observer interface {
	LockAcquired(wait time.Duration)
	LockTimedOut()
	PersistRetried(op string)
	StoryClaimed()
}

type nopObserver struct{}

func (nopObserver) LockAcquired(time.Duration) {}
func (nopObserver) LockTimedOut()              {}
func (nopObserver) PersistRetried(string)      {}
func (nopObserver) StoryClaimed()              {}

type Options struct {
	// LockTimeout bounds UpdateStory and the maintenance operations.
	// Claims take an explicit timeout.
	LockTimeout    time.Duration
	StaleLockAfter time.Duration
	PollInterval   time.Duration
	Retry          RetryPolicy
	Logger         *logging.Logger
	Observer       Observer
	Now            func() time.Time
}

type Manager struct {
	dir            string
	path           string
	lockPath       string
	locks          *lock.MutexMap
	lockTimeout    time.Duration
	staleLockAfter time.Duration
	pollInterval   time.Duration
	retry          RetryPolicy
	logger         *logging.Logger
	observer       Observer
	now            func() time.Time
	reads          singleflight.Group
}

func NewManager(dir string, opts Options) *Manager {
	m := &Manager{
		dir:            dir,
		path:           filepath.Join(dir, DocumentName),
		locks:          lock.NewMutexMap(),
		lockTimeout:    opts.LockTimeout,
		staleLockAfter: opts.StaleLockAfter,
		pollInterval:   opts.PollInterval,
		retry:          opts.Retry,
		logger:         opts.Logger,
		observer:       opts.Observer,
		now:            opts.Now,
	}
	m.lockPath = m.path + LockSuffix
	if m.lockTimeout <= 0 {
		m.lockTimeout = 5 * time.Second
	}
	if m.retry.MaxTries <= 0 {
		m.retry = DefaultRetryPolicy()
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Manager) Dir() string      { return m.dir }
func (m *Manager) Path() string     { return m.path }
func (m *Manager) LockPath() string { return m.lockPath }

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// transact runs fn on a freshly loaded graph while holding both locks. When
// fn reports a change the graph is persisted before the locks are released.
func (m *Manager) transact(ctx context.Context, timeout time.Duration, fn func(prd *model.PRD) (bool, error)) error {
	start := m.now()
	release, err := m.acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer release()
	m.observer.LockAcquired(m.now().Sub(start))

	prd, err := m.load(ctx)
	if err != nil {
		return err
	}

	changed, err := fn(prd)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return m.save(ctx, prd)
}

func (m *Manager) acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = m.lockTimeout
	}
	deadline := m.now().Add(timeout)

	lctx, cancel := context.WithTimeout(ctx, timeout)
	err := m.locks.Lock(lctx, m.lockPath)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.observer.LockTimedOut()
		return nil, &model.LockTimeoutError{Path: m.lockPath, Timeout: timeout}
	}

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		m.locks.Unlock(m.lockPath)
		return nil, &model.PersistenceError{Op: "mkdir", Path: m.dir, Err: err}
	}

	fl := lock.NewFileLock(m.lockPath,
		lock.WithStaleAfter(m.staleLockAfter),
		lock.WithPollInterval(m.pollInterval),
		lock.WithLogger(m.logger.Underlying()))
	remaining := deadline.Sub(m.now())
	if remaining <= 0 {
		m.locks.Unlock(m.lockPath)
		m.observer.LockTimedOut()
		return nil, &model.LockTimeoutError{Path: m.lockPath, Timeout: timeout}
	}
	if err := fl.Lock(ctx, remaining); err != nil {
		m.locks.Unlock(m.lockPath)
		var lte *model.LockTimeoutError
		if errors.As(err, &lte) {
			m.observer.LockTimedOut()
			lte.Timeout = timeout
			return nil, lte
		}
		return nil, err
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Error(ctx, "release store lock", zap.Error(err))
		}
		m.locks.Unlock(m.lockPath)
	}, nil
}

func (m *Manager) load(ctx context.Context) (*model.PRD, error) {
	var prd model.PRD
	err := m.withRetry(ctx, "read", func() error {
		prd = model.PRD{}
		return persist.ReadDocument(m.path, &prd)
	})
	if err == nil {
		return m.checkLoaded(&prd)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, model.ErrNoGraph
	}

	var corrupt *persist.CorruptError
	if !errors.As(err, &corrupt) {
		return nil, err
	}

	q, rerr := persist.RecoverCorruptedFile(m.dir, m.path)
	if rerr != nil {
		m.logger.Error(ctx, "store corrupt and backup unusable",
			zap.String("quarantined", q), zap.Error(rerr))
		return nil, &model.PersistenceError{Op: "recover", Path: m.path, Err: fmt.Errorf("%v; %w", corrupt, rerr)}
	}
	m.logger.Warn(ctx, "store corrupt, restored from backup", zap.String("quarantined", q))

	prd = model.PRD{}
	if err := persist.ReadDocument(m.path, &prd); err != nil {
		return nil, &model.PersistenceError{Op: "read", Path: m.path, Err: err}
	}
	return m.checkLoaded(&prd)
}

func (m *Manager) checkLoaded(prd *model.PRD) (*model.PRD, error) {
	if err := persist.CheckHeader(prd.SchemaVersion, prd.FileType, persist.FileTypePRD); err != nil {
		return nil, &model.PersistenceError{Op: "read", Path: m.path, Err: err}
	}
	if err := graph.Validate(prd); err != nil {
		return nil, &model.PersistenceError{Op: "validate", Path: m.path, Err: err}
	}
	return prd, nil
}

func (m *Manager) save(ctx context.Context, prd *model.PRD) error {
	prd.RefreshMetadata(m.now())
	return m.withRetry(ctx, "write", func() error {
		return persist.AtomicWrite(m.path, prd)
	})
}

// Init persists a freshly built graph. An existing graph with stories in
// progress is only replaced when force is set.
func (m *Manager) Init(ctx context.Context, prd *model.PRD, force bool) error {
	if err := graph.Validate(prd); err != nil {
		return err
	}
	release, err := m.acquire(ctx, m.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	if !force {
		existing, err := m.load(ctx)
		switch {
		case errors.Is(err, model.ErrNoGraph):
		case err != nil:
			return err
		case countStatus(existing, model.StoryInProgress) > 0:
			return fmt.Errorf("graph %s has stories in progress; refusing to replace it", existing.GraphID)
		}
	}
	cp := prd.DeepCopy()
	return m.save(ctx, cp)
}

// Snapshot returns a deep copy of the persisted graph. The document is
// replaced by atomic rename, so reads need no lock; concurrent callers share
// one read.
func (m *Manager) Snapshot(ctx context.Context) (*model.PRD, error) {
	v, err, _ := m.reads.Do("snapshot", func() (any, error) {
		var prd model.PRD
		if err := m.withRetry(ctx, "read", func() error {
			prd = model.PRD{}
			return persist.ReadDocument(m.path, &prd)
		}); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, model.ErrNoGraph
			}
			return nil, err
		}
		return m.checkLoaded(&prd)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PRD).DeepCopy(), nil
}

func countStatus(prd *model.PRD, status model.StoryStatus) int {
	n := 0
	for _, s := range prd.Stories {
		if s.Status == status {
			n++
		}
	}
	return n
}
