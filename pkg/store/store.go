package store

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Version is the current snapshot document format version.
	Version = 1

	snapshotPrefix = "restorestate-"
	snapshotSuffix = ".json"

	// CurrentKey is the storage key holding the most recent snapshot.
	CurrentKey = snapshotPrefix + "current" + snapshotSuffix
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	// ErrVersionMismatch is returned when a stored snapshot carries an
	// unsupported format version.
	ErrVersionMismatch = errors.New("snapshot format version mismatch")
)

type (
	// Record is one object's last known value within a snapshot. Payload is
	// whatever the owning object produced; the store never interprets it.
	Record struct {
		Key     string              `json:"key"`
		Payload jsoniter.RawMessage `json:"payload"`
	}

	// Snapshot is a complete capture of all tracked objects' last values,
	// saved and loaded atomically as a whole.
	Snapshot struct {
		SavedAt time.Time `json:"saved_at"`
		Records []Record  `json:"records"`
	}

	// document is the stored representation, tagged with a format version.
	document struct {
		Version int       `json:"version"`
		SavedAt time.Time `json:"saved_at"`
		Records []Record  `json:"records"`
	}

	// Store persists versioned snapshot documents on a Storage backend. Saves
	// keep a limited number of timestamped backup generations next to the
	// current snapshot.
	Store struct {
		l           *zap.Logger
		storage     Storage
		storageDir  string // directory used for default filesystem storage
		backupLimit int
		mu          sync.RWMutex
	}
	StoreOption func(*Store)
)

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

func StoreWithBackupLimit(v int) StoreOption {
	return func(o *Store) {
		o.backupLimit = v
	}
}

func StoreWithStorageDir(v string) StoreOption {
	return func(o *Store) {
		o.storageDir = v
	}
}

func StoreWithStorage(s Storage) StoreOption {
	return func(o *Store) {
		o.storage = s
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

func NewStore(l *zap.Logger, opts ...StoreOption) (*Store, error) {
	inst := &Store{
		l:           l,
		storageDir:  "/var/lib/restorestate",
		backupLimit: 2,
	}

	for _, opt := range opts {
		opt(inst)
	}

	// If no storage provided, create a default filesystem storage
	if inst.storage == nil {
		storage, err := NewFilesystemStorage(inst.storageDir)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create default filesystem storage")
		}
		inst.storage = storage
	}

	return inst, nil
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// Load reads the current snapshot. It returns (nil, nil) when no snapshot has
// ever been saved; any other failure, including an unreadable document or a
// version mismatch, is returned as an error.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.storage.Read(ctx, CurrentKey)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to read current snapshot")
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot document")
	}
	if doc.Version != Version {
		return nil, errors.Wrapf(ErrVersionMismatch, "got version %d, want %d", doc.Version, Version)
	}

	return &Snapshot{
		SavedAt: doc.SavedAt,
		Records: doc.Records,
	}, nil
}

// Save writes the snapshot as both a timestamped backup generation and the
// current document, then prunes generations beyond the backup limit.
func (s *Store) Save(ctx context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(document{
		Version: Version,
		SavedAt: snapshot.SavedAt,
		Records: snapshot.Records,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot document")
	}

	backupKey := snapshotPrefix + snapshot.SavedAt.UTC().Format(time.RFC3339Nano) + snapshotSuffix

	if err := s.storage.Write(ctx, backupKey, data); err != nil {
		return errors.Wrap(err, "failed to write snapshot backup")
	}

	s.l.Debug("writing snapshot",
		zap.String("backup", backupKey),
		zap.String("current", CurrentKey),
		zap.Int("records", len(snapshot.Records)),
	)

	if err := s.storage.Write(ctx, CurrentKey, data); err != nil {
		return errors.Wrap(err, "failed to write current snapshot")
	}

	if err := s.prune(ctx); err != nil {
		return errors.Wrap(err, "failed to prune snapshot backups")
	}

	return nil
}

// Prune removes backup generations beyond the configured limit.
func (s *Store) Prune(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prune(ctx)
}

// Close releases resources held by the underlying storage.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storage != nil {
		return s.storage.Close()
	}
	return nil
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (s *Store) backups(ctx context.Context) (keys []string, err error) {
	all, err := s.storage.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}

	for _, key := range all {
		if key != CurrentKey &&
			strings.HasPrefix(key, snapshotPrefix) &&
			strings.HasSuffix(key, snapshotSuffix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Store) prune(ctx context.Context) error {
	keys, err := s.backups(ctx)
	if err != nil {
		return errors.Wrap(err, "could not list snapshot backups")
	}

	// keys are sorted newest first
	var errs error
	for i := s.backupLimit; i < len(keys); i++ {
		s.l.Debug("removing outdated snapshot backup", zap.String("key", keys[i]))
		if err := s.storage.Delete(ctx, keys[i]); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "could not remove snapshot backup %s", keys[i]))
		}
	}

	return errs
}
