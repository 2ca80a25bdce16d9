package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/msageha/storyforge/internal/model"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultStaleAfter   = 2 * time.Minute
)

// Holder is the content of the lock marker while it is held.
type Holder struct {
	PID        int
	AcquiredAt time.Time
}

// FileLock is an exclusive flock(2) on a marker file next to the store.
// The kernel drops the lock when the holding process exits, so a crashed
// holder never wedges it; the marker content identifies the holder for the
// staleness check.
type FileLock struct {
	path         string
	file         *os.File
	pollInterval time.Duration
	staleAfter   time.Duration
	logger       *zap.Logger
	now          func() time.Time
	pidAlive     func(pid int) bool
}

type Option func(*FileLock)

func WithPollInterval(d time.Duration) Option {
	return func(fl *FileLock) {
		if d > 0 {
			fl.pollInterval = d
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(fl *FileLock) {
		if d > 0 {
			fl.staleAfter = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(fl *FileLock) {
		if l != nil {
			fl.logger = l
		}
	}
}

func NewFileLock(path string, opts ...Option) *FileLock {
	fl := &FileLock{
		path:         path,
		pollInterval: DefaultPollInterval,
		staleAfter:   DefaultStaleAfter,
		logger:       zap.NewNop(),
		now:          time.Now,
		pidAlive:     processAlive,
	}
	for _, opt := range opts {
		opt(fl)
	}
	return fl
}

func (fl *FileLock) Path() string { return fl.path }

// Lock polls TryLock until it succeeds, ctx is done, or timeout elapses.
// A timeout yields *model.LockTimeoutError.
func (fl *FileLock) Lock(ctx context.Context, timeout time.Duration) error {
	deadline := fl.now().Add(timeout)
	for {
		ok, err := fl.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		fl.recoverStale()

		remaining := deadline.Sub(fl.now())
		if remaining <= 0 {
			return &model.LockTimeoutError{Path: fl.path, Timeout: timeout}
		}
		wait := fl.pollInterval
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("acquire lock %s: %w", fl.path, ctx.Err())
		case <-t.C:
		}
	}
}

// TryLock makes one non-blocking attempt. It returns false, nil when another
// holder owns the lock.
func (fl *FileLock) TryLock() (bool, error) {
	if fl.file != nil {
		return false, fmt.Errorf("lock %s already held by this handle", fl.path)
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}

	// The marker may have been replaced by a stale-lock takeover between
	// open and flock; holding a lock on an unlinked inode excludes nobody.
	if !sameFile(f, fl.path) {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return false, nil
	}

	if err := writeHolder(f, Holder{PID: os.Getpid(), AcquiredAt: fl.now().UTC()}); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return false, err
	}

	fl.file = f
	return true, nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	f := fl.file
	fl.file = nil

	_ = f.Truncate(0)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// recoverStale removes a marker whose recorded holder is older than the
// staleness window and no longer alive. The next attempt then creates a
// fresh marker inode.
func (fl *FileLock) recoverStale() {
	h, err := ReadHolder(fl.path)
	if err != nil || h.PID == 0 {
		return
	}
	if fl.now().Sub(h.AcquiredAt) < fl.staleAfter {
		return
	}
	if fl.pidAlive(h.PID) {
		return
	}
	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		fl.logger.Warn("stale lock takeover failed", zap.String("path", fl.path), zap.Error(err))
		return
	}
	fl.logger.Warn("took over stale lock",
		zap.String("path", fl.path),
		zap.Int("holder_pid", h.PID),
		zap.Time("acquired_at", h.AcquiredAt))
}

// ReadHolder parses the marker file. An empty marker yields a zero Holder.
func ReadHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return Holder{}, nil
	}
	if len(fields) != 2 {
		return Holder{}, fmt.Errorf("malformed lock marker %s", path)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return Holder{}, fmt.Errorf("parse lock pid: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return Holder{}, fmt.Errorf("parse lock time: %w", err)
	}
	return Holder{PID: pid, AcquiredAt: at}, nil
}

func writeHolder(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d %s\n", h.PID, h.AcquiredAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write lock holder: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func sameFile(f *os.File, path string) bool {
	var fdStat, pathStat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &fdStat); err != nil {
		return false
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		return false
	}
	return fdStat.Dev == pathStat.Dev && fdStat.Ino == pathStat.Ino
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
