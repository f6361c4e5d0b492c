package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/utils"
)

// FS uses a plain directory tree as the remote, e.g. a NAS mount.
// Object ids are slash paths relative to the root.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("fs remote root: %w", err)
	}
	if err := utils.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("fs remote root: %w", err)
	}
	return &FS{root: abs}, nil
}

func (f *FS) abs(id string) string {
	return filepath.Join(f.root, filepath.FromSlash(path.Clean("/"+id)))
}

func (f *FS) List(ctx context.Context, dirID string) ([]*RemoteEntry, error) {
	base := f.abs(dirID)
	var entries []*RemoteEntry

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || utils.IsTempFile(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		entries = append(entries, &RemoteEntry{
			ID:      JoinID(dirID, rel),
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, NewError("list", dirID, localKind(err), err)
	}
	return entries, nil
}

// Hash reads the object and returns its md5. List leaves hashes empty so
// that a fast scan only stats the tree.
func (f *FS) Hash(ctx context.Context, remoteID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewError("hash", remoteID, KindPermanent, err)
	}
	hash, err := utils.FileHash(f.abs(remoteID))
	if err != nil {
		return "", NewError("hash", remoteID, localKind(err), err)
	}
	return hash, nil
}

func (f *FS) Upload(ctx context.Context, localPath, dirID, name string) (*RemoteEntry, error) {
	id := JoinID(dirID, name)
	if err := ctx.Err(); err != nil {
		return nil, NewError("upload", id, KindPermanent, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return nil, NewError("upload", id, localKind(err), err)
	}
	defer src.Close()

	dst := f.abs(id)
	hash, err := utils.WriteFileAtomic(dst, src, "")
	if err != nil {
		return nil, NewError("upload", id, localKind(err), err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, NewError("upload", id, localKind(err), err)
	}
	return &RemoteEntry{
		ID:      id,
		Path:    name,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Hash:    hash,
	}, nil
}

func (f *FS) Download(ctx context.Context, remoteID, localPath string) error {
	if err := ctx.Err(); err != nil {
		return NewError("download", remoteID, KindPermanent, err)
	}

	src, err := os.Open(f.abs(remoteID))
	if err != nil {
		return NewError("download", remoteID, localKind(err), err)
	}
	defer src.Close()

	if _, err := utils.WriteFileAtomic(localPath, src, ""); err != nil {
		return NewError("download", remoteID, localKind(err), err)
	}
	return nil
}

func (f *FS) Delete(ctx context.Context, remoteID string) error {
	target := f.abs(remoteID)
	if err := os.Remove(target); err != nil {
		return NewError("delete", remoteID, localKind(err), err)
	}
	if err := utils.RemoveEmptyParents(filepath.Dir(target), f.root); err != nil {
		return NewError("delete", remoteID, KindPermanent, err)
	}
	return nil
}

func (f *FS) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	id := JoinID(parentID, name)
	if err := os.MkdirAll(f.abs(id), 0o755); err != nil {
		return "", NewError("mkdir", id, localKind(err), err)
	}
	return id, nil
}
