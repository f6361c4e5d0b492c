package mirror

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openmined/syftmirror/internal/config"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/utils"
)

// Fingerprint is the cheap description of a file version used for change
// detection. Hash is the hex MD5 of the content and may be empty.
type Fingerprint struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
	Hash    string    `json:"hash,omitempty"`
}

// Equal compares two fingerprints under a scan mode. Full scans trust the
// content hash when both sides have one; everything else falls back to
// size and modification time.
func (f Fingerprint) Equal(other Fingerprint, mode config.ScanMode) bool {
	if mode == config.ScanFull && f.Hash != "" && other.Hash != "" {
		return f.Hash == other.Hash
	}
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// LocalFingerprint stats path and, when full is set, hashes its content.
func LocalFingerprint(path string, full bool) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Fingerprint{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Fingerprint{}, err
	}
	if !info.Mode().IsRegular() {
		return Fingerprint{}, fmt.Errorf("%s is not a regular file", path)
	}

	fp := Fingerprint{Size: info.Size(), ModTime: info.ModTime()}
	if full {
		hash, err := utils.FileHash(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Fingerprint{}, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return Fingerprint{}, err
		}
		fp.Hash = hash
	}
	return fp, nil
}

// RemoteFingerprint converts listing metadata.
func RemoteFingerprint(entry *transport.RemoteEntry) Fingerprint {
	return Fingerprint{
		Size:    entry.Size,
		ModTime: entry.ModTime,
		Hash:    entry.Hash,
	}
}
