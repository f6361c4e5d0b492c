package utils

import (
	"crypto/md5"
	"errors"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TempPattern is the name pattern of in-flight download files. Scanners
// must skip anything matching it.
const TempPattern = ".syftmirror-*.tmp"

// FileHash calculates the hex MD5 digest of a file
func FileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ErrIntegrity is returned by WriteFileAtomic when the written bytes do not
// hash to the expected digest.
var ErrIntegrity = errors.New("integrity check failed")

// WriteFileAtomic streams r into a temp file next to path, fsyncs it and
// renames it into place. It returns the MD5 of the written bytes. When
// expectedMD5 is set and does not match, nothing is renamed.
// On any failure the destination is left untouched.
func WriteFileAtomic(path string, r io.Reader, expectedMD5 string) (string, error) {
	if err := EnsureParent(path); err != nil {
		return "", fmt.Errorf("ensure parent: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), TempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(tempFile, hasher), r); err != nil {
		return "", fmt.Errorf("write temp file: %w", err)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	if expectedMD5 != "" && expectedMD5 != digest {
		return "", fmt.Errorf("%w: expected %q got %q", ErrIntegrity, expectedMD5, digest)
	}

	if err := tempFile.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return "", fmt.Errorf("rename temp file to %s: %w", path, err)
	}

	success = true
	return digest, nil
}

// IsTempFile reports whether name was produced by WriteFileAtomic.
func IsTempFile(name string) bool {
	ok, _ := filepath.Match(TempPattern, name)
	return ok
}
