// Package transport defines the contract between the mirror engine and a
// remote object store, plus the S3 and local-directory implementations.
package transport

import (
	"context"
	"path"
	"time"
)

// RemoteEntry is one file as seen by a remote listing.
type RemoteEntry struct {
	// ID addresses the object in later calls (the object key for S3).
	ID string
	// Path is slash-separated and relative to the listed directory.
	Path    string
	Size    int64
	ModTime time.Time
	// Hash is the provider's content hash, empty when unavailable.
	Hash string
}

// Transport is everything the engine needs from a remote.
// Implementations must report failures as *Error so that the engine can
// tell NotFound, Transient and QuotaExceeded apart.
type Transport interface {
	// List returns every file below dirID, recursively.
	List(ctx context.Context, dirID string) ([]*RemoteEntry, error)
	// Upload stores localPath as name inside dirID and returns the new entry.
	Upload(ctx context.Context, localPath, dirID, name string) (*RemoteEntry, error)
	// Download writes the object to localPath atomically.
	Download(ctx context.Context, remoteID, localPath string) error
	Delete(ctx context.Context, remoteID string) error
	// CreateFolder makes sure name exists below parentID and returns its id.
	CreateFolder(ctx context.Context, parentID, name string) (string, error)
}

// Hasher is implemented by remotes whose listings leave Hash empty
// because computing it means reading the whole object.
type Hasher interface {
	Hash(ctx context.Context, remoteID string) (string, error)
}

// JoinID joins a directory id and a relative name into an object id.
func JoinID(dirID, name string) string {
	if dirID == "" {
		return name
	}
	return path.Join(dirID, name)
}
