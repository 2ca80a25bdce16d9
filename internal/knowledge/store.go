// Package knowledge persists learned lessons as a YAML document and hands
// out immutable snapshots of them.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/lock"
	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/persist"
)

const FileName = "knowledge.yaml"

type document struct {
	SchemaVersion int                    `yaml:"schema_version"`
	FileType      string                 `yaml:"file_type"`
	Entries       []model.KnowledgeEntry `yaml:"entries"`
}

type Store struct {
	dir         string
	path        string
	locks       *lock.MutexMap
	lockTimeout time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

func NewStore(dir string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{
		dir:         dir,
		path:        filepath.Join(dir, FileName),
		locks:       lock.NewMutexMap(),
		lockTimeout: 5 * time.Second,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Store) Path() string { return s.path }

// Snapshot reads the current entries. A missing or corrupt file is an empty
// snapshot; corrupt files are repaired by the next write.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	doc, err := s.read(ctx, false)
	if err != nil {
		return Snapshot{}, err
	}
	return newSnapshot(doc.Entries), nil
}

// Add stores a new entry. Missing id, confidence and timestamps are filled
// in.
func (s *Store) Add(ctx context.Context, e model.KnowledgeEntry) (model.KnowledgeEntry, error) {
	if strings.TrimSpace(e.Title) == "" {
		return e, fmt.Errorf("knowledge entry: title is required")
	}
	err := s.update(ctx, func(doc *document) error {
		if e.ID == "" {
			e.ID = uuid.NewString()[:8]
		}
		for _, existing := range doc.Entries {
			if existing.ID == e.ID {
				return fmt.Errorf("knowledge entry %s already exists", e.ID)
			}
		}
		if e.Confidence == 0 {
			e.Confidence = model.DefaultKnowledgeConfidence
		}
		if e.Frequency == 0 {
			e.Frequency = 1
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now().UTC()
		}
		doc.Entries = append(doc.Entries, e)
		return nil
	})
	return e, err
}

// Apply records one more application of entry id.
func (s *Store) Apply(ctx context.Context, id string, success bool) error {
	return s.update(ctx, func(doc *document) error {
		for i := range doc.Entries {
			if doc.Entries[i].ID == id {
				doc.Entries[i].Apply(success, s.now())
				return nil
			}
		}
		return fmt.Errorf("knowledge entry %s not found", id)
	})
}

// Record upserts a lesson keyed by category and title: an existing entry
// is applied, a new one is added.
func (s *Store) Record(ctx context.Context, e model.KnowledgeEntry, success bool) error {
	return s.update(ctx, func(doc *document) error {
		for i := range doc.Entries {
			cur := &doc.Entries[i]
			if cur.Category == e.Category && strings.EqualFold(cur.Title, e.Title) {
				cur.Apply(success, s.now())
				for _, t := range e.Tags {
					if !cur.HasTag(t) {
						cur.Tags = append(cur.Tags, t)
					}
				}
				return nil
			}
		}
		e.ID = uuid.NewString()[:8]
		e.Confidence = model.DefaultKnowledgeConfidence
		e.Frequency = 1
		e.CreatedAt = s.now().UTC()
		doc.Entries = append(doc.Entries, e)
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	found := false
	err := s.update(ctx, func(doc *document) error {
		kept := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.ID == id {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		doc.Entries = kept
		return nil
	})
	return found, err
}

func (s *Store) read(ctx context.Context, repair bool) (*document, error) {
	var doc document
	err := persist.ReadDocument(s.path, &doc)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return &document{SchemaVersion: persist.CurrentSchemaVersion, FileType: persist.FileTypeKnowledge}, nil
	default:
		var corrupt *persist.CorruptError
		if !errors.As(err, &corrupt) {
			return nil, &model.PersistenceError{Op: "read", Path: s.path, Err: err}
		}
		if !repair {
			s.logger.Warn(ctx, "knowledge file corrupt", zap.Error(err))
			return &document{SchemaVersion: persist.CurrentSchemaVersion, FileType: persist.FileTypeKnowledge}, nil
		}
		q, rerr := persist.RecoverCorruptedFile(s.dir, s.path)
		if rerr != nil {
			s.logger.Warn(ctx, "knowledge file corrupt, starting empty",
				zap.String("quarantined", q), zap.Error(rerr))
			return &document{SchemaVersion: persist.CurrentSchemaVersion, FileType: persist.FileTypeKnowledge}, nil
		}
		doc = document{}
		if err := persist.ReadDocument(s.path, &doc); err != nil {
			return nil, &model.PersistenceError{Op: "read", Path: s.path, Err: err}
		}
	}
	if doc.FileType != "" {
		if err := persist.CheckHeader(doc.SchemaVersion, doc.FileType, persist.FileTypeKnowledge); err != nil {
			return nil, &model.PersistenceError{Op: "read", Path: s.path, Err: err}
		}
	}
	return &doc, nil
}

func (s *Store) update(ctx context.Context, fn func(*document) error) error {
	lctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := s.locks.Lock(lctx, s.path); err != nil {
		return &model.LockTimeoutError{Path: s.path, Timeout: s.lockTimeout}
	}
	defer s.locks.Unlock(s.path)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return &model.PersistenceError{Op: "mkdir", Path: s.dir, Err: err}
	}
	fl := lock.NewFileLock(s.path+".lock", lock.WithLogger(s.logger.Underlying()))
	if err := fl.Lock(ctx, s.lockTimeout); err != nil {
		return err
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Error(ctx, "release knowledge lock", zap.Error(err))
		}
	}()

	doc, err := s.read(ctx, true)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.SchemaVersion = persist.CurrentSchemaVersion
	doc.FileType = persist.FileTypeKnowledge
	if err := persist.AtomicWrite(s.path, doc); err != nil {
		return &model.PersistenceError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}
