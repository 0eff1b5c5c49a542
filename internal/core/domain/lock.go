package domain

import (
	"path"
	"strings"
	"time"
)

const (
	// LockStaleAfter is the lease length of a FileLock without renewal
	LockStaleAfter = 10 * time.Minute
	// FolderLockPrefix marks synthetic keys guarding a whole folder
	FolderLockPrefix = "folder_lock:"
)

// FileLock is an advisory lease over a filesystem path
type FileLock struct {
	FilePath      string    `json:"file_path"`
	LockingNodeID string    `json:"locking_node_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// IsStale reports whether the lease ran out
func (l *FileLock) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.LastUpdatedAt) >= ttl
}

// NormalizePath canonicalizes a filesystem path so that equivalent spellings collide
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean(p)
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return strings.ToLower(p)
}

// NormalizeLockKey normalizes a raw path key or the path part of a folder key
func NormalizeLockKey(key string) string {
	if rest, ok := strings.CutPrefix(key, FolderLockPrefix); ok {
		return FolderLockPrefix + NormalizePath(rest)
	}
	return NormalizePath(key)
}

// FolderLockKey builds the lock key for a folder claim
func FolderLockKey(folderPath string) string {
	return FolderLockPrefix + NormalizePath(folderPath)
}
