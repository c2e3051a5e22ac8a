// Package taskstore materializes task corpora onto local disk, fetching
// and extracting them from object storage on demand and evicting the
// least-recently-used entries once the cache exceeds its bounds.
package taskstore

import (
	"archive/tar"
	"container/list"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/storage"
	appErr "fuzoj/pkg/errors"
	"fuzoj/pkg/utils/logger"
)

// Config configures a Store.
type Config struct {
	LocalRoot   string // directory task corpora are extracted under
	Bucket      string // MinIO bucket holding tar.zst archives
	MaxEntries  int
	MaxBytes    int64
	TTL         time.Duration
	LockTTL     time.Duration
	WaitTimeout time.Duration
	PollEvery   time.Duration
}

type entry struct {
	taskID     string
	contentHash string
	path       string
	bytes      int64
	touchedAt  time.Time
	elem       *list.Element
}

// Store is a size- and TTL-bounded local cache of task corpora fetched
// from object storage, keyed by (task_id, content hash).
type Store struct {
	cfg     Config
	storage storage.ObjectStorage
	locker  cache.LockOps

	mu        sync.Mutex
	byKey     map[string]*entry
	lru       *list.List
	totalSize int64
}

// New constructs a Store.
func New(cfg Config, objectStorage storage.ObjectStorage, locker cache.LockOps) *Store {
	return &Store{
		cfg:     cfg,
		storage: objectStorage,
		locker:  locker,
		byKey:   make(map[string]*entry),
		lru:     list.New(),
	}
}

func cacheKey(taskID, contentHash string) string {
	return taskID + "@" + contentHash
}

// Ensure returns the local directory holding taskID's corpus at
// contentHash, fetching and extracting it from object storage when not
// already cached or when the cached copy has exceeded its TTL.
// Concurrent callers for the same key are serialized behind a Redis
// lock; losers poll the disk cache rather than re-fetching.
func (s *Store) Ensure(ctx context.Context, taskID, contentHash string) (string, error) {
	key := cacheKey(taskID, contentHash)

	if path, ok := s.hitEntry(key); ok {
		return path, nil
	}

	lockKey := "taskstore:lock:" + key
	acquired, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		logger.Warn(ctx, "taskstore lock acquire failed", zap.String("key", key), zap.Error(err))
	}
	if !acquired {
		return s.waitForCache(ctx, key)
	}
	defer func() {
		if unlockErr := s.locker.Unlock(ctx, lockKey); unlockErr != nil {
			logger.Warn(ctx, "taskstore lock release failed", zap.String("key", key), zap.Error(unlockErr))
		}
	}()

	// Re-check after acquiring the lock: another process may have
	// populated the cache between our first miss and winning the lock.
	if path, ok := s.hitEntry(key); ok {
		return path, nil
	}

	return s.fetchAndExtract(ctx, taskID, contentHash, key)
}

func (s *Store) hitEntry(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return "", false
	}
	if s.cfg.TTL > 0 && time.Since(e.touchedAt) > s.cfg.TTL {
		s.removeEntryLocked(e)
		return "", false
	}
	if _, err := os.Stat(e.path); err != nil {
		s.removeEntryLocked(e)
		return "", false
	}
	s.touchLocked(e)
	return e.path, true
}

func (s *Store) waitForCache(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(s.cfg.WaitTimeout)
	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()

	for {
		if path, ok := s.hitEntry(key); ok {
			return path, nil
		}
		if time.Now().After(deadline) {
			return "", appErr.New(appErr.GradingIOError).WithMessage("timed out waiting for concurrent task fetch")
		}
		select {
		case <-ctx.Done():
			return "", appErr.Wrap(ctx.Err(), appErr.GradingIOError)
		case <-ticker.C:
		}
	}
}

func (s *Store) fetchAndExtract(ctx context.Context, taskID, contentHash, key string) (string, error) {
	objectKey := fmt.Sprintf("tasks/%s/%s.tar.zst", taskID, contentHash)
	reader, err := s.storage.GetObject(ctx, s.cfg.Bucket, objectKey)
	if err != nil {
		return "", appErr.Wrap(err, appErr.GradingIOError)
	}
	defer reader.Close()

	destDir := filepath.Join(s.cfg.LocalRoot, key)
	if err := os.RemoveAll(destDir); err != nil {
		return "", appErr.Wrap(err, appErr.GradingIOError)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", appErr.Wrap(err, appErr.GradingIOError)
	}

	bytesWritten, err := extractTarZst(reader, destDir)
	if err != nil {
		_ = os.RemoveAll(destDir)
		return "", err
	}

	s.addEntry(key, taskID, contentHash, destDir, bytesWritten)
	return destDir, nil
}

// extractTarZst streams a zstd-compressed tar archive into destDir,
// returning the total bytes written.
func extractTarZst(r io.Reader, destDir string) (int64, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.GradingParseError)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, appErr.Wrap(err, appErr.GradingParseError)
		}
		if hdr.Name == "" {
			continue
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return 0, appErr.New(appErr.GradingParseError).WithMessage("invalid tar entry path")
		}
		target := filepath.Join(destDir, cleanName)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(filepath.Separator)) {
			return 0, appErr.New(appErr.GradingParseError).WithMessage("tar entry escape detected")
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, appErr.Wrap(err, appErr.GradingIOError)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, appErr.Wrap(err, appErr.GradingIOError)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return 0, appErr.Wrap(err, appErr.GradingIOError)
			}
			n, err := io.Copy(out, tr)
			out.Close()
			if err != nil {
				return 0, appErr.Wrap(err, appErr.GradingIOError)
			}
			total += n
		}
	}
	return total, nil
}

func (s *Store) addEntry(key, taskID, contentHash, path string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{taskID: taskID, contentHash: contentHash, path: path, bytes: size, touchedAt: time.Now()}
	e.elem = s.lru.PushFront(e)
	s.byKey[key] = e
	s.totalSize += size

	s.evictLocked()
}

func (s *Store) touchLocked(e *entry) {
	e.touchedAt = time.Now()
	s.lru.MoveToFront(e.elem)
}

func (s *Store) evictLocked() {
	for (s.cfg.MaxEntries > 0 && len(s.byKey) > s.cfg.MaxEntries) ||
		(s.cfg.MaxBytes > 0 && s.totalSize > s.cfg.MaxBytes) {
		back := s.lru.Back()
		if back == nil {
			return
		}
		s.removeEntryLocked(back.Value.(*entry))
	}
}

// LatestResolver adapts a Store into submission.TaskResolver for
// deployments that don't version task corpora beyond "whatever MinIO
// currently holds": it resolves the object at the well-known "latest"
// content hash.
type LatestResolver struct {
	Store *Store
}

// Ensure implements submission.TaskResolver.
func (r LatestResolver) Ensure(ctx context.Context, taskID string) (string, error) {
	return r.Store.Ensure(ctx, taskID, "latest")
}

func (s *Store) removeEntryLocked(e *entry) {
	delete(s.byKey, cacheKey(e.taskID, e.contentHash))
	if e.elem != nil {
		s.lru.Remove(e.elem)
	}
	s.totalSize -= e.bytes
	if err := os.RemoveAll(e.path); err != nil {
		logger.Warn(context.Background(), "taskstore eviction cleanup failed", zap.String("path", e.path), zap.Error(err))
	}
}
