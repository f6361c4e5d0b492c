package config

import "fmt"

// ScanMode selects how change detection compares fingerprints.
type ScanMode string

const (
	// ScanFast compares size and modification time only.
	ScanFast ScanMode = "fast"
	// ScanFull hashes every local file and compares content hashes.
	ScanFull ScanMode = "full"
)

// Direction limits which side a run may modify.
type Direction string

const (
	DirectionUploadOnly   Direction = "upload-only"
	DirectionDownloadOnly Direction = "download-only"
	DirectionMirror       Direction = "mirror"
)

// ConflictPolicy selects the strategy used for items changed on both sides.
type ConflictPolicy string

const (
	ConflictKeepLocal   ConflictPolicy = "keep-local"
	ConflictKeepRemote  ConflictPolicy = "keep-remote"
	ConflictKeepBoth    ConflictPolicy = "keep-both"
	ConflictSkip        ConflictPolicy = "skip"
	ConflictNewest      ConflictPolicy = "newest"
	ConflictInteractive ConflictPolicy = "interactive"
)

// DeletePolicy decides what a one-sided deletion turns into.
type DeletePolicy string

const (
	// DeleteReport leaves both sides alone and lists the deletion.
	DeleteReport DeletePolicy = "report"
	// DeletePropagate deletes the counterpart on the other side.
	DeletePropagate DeletePolicy = "propagate"
	// DeleteRestore re-creates the deleted side from the surviving one.
	DeleteRestore DeletePolicy = "restore"
)

func (m ScanMode) Supported() bool {
	return m == ScanFast || m == ScanFull
}

func (m ScanMode) Description() string {
	switch m {
	case ScanFast:
		return "Fast (size + modification time)"
	case ScanFull:
		return "Full (content hash)"
	default:
		return "Unknown"
	}
}

func (m *ScanMode) UnmarshalText(text []byte) error {
	v := ScanMode(text)
	if !v.Supported() {
		return fmt.Errorf("unknown scan mode: %q", text)
	}
	*m = v
	return nil
}

func (d Direction) Supported() bool {
	switch d {
	case DirectionUploadOnly, DirectionDownloadOnly, DirectionMirror:
		return true
	default:
		return false
	}
}

func (d Direction) Description() string {
	switch d {
	case DirectionUploadOnly:
		return "Upload only"
	case DirectionDownloadOnly:
		return "Download only"
	case DirectionMirror:
		return "Mirror (both ways)"
	default:
		return "Unknown"
	}
}

// AllowsUpload reports whether the remote side may be written.
func (d Direction) AllowsUpload() bool {
	return d != DirectionDownloadOnly
}

// AllowsDownload reports whether the local side may be written.
func (d Direction) AllowsDownload() bool {
	return d != DirectionUploadOnly
}

func (d *Direction) UnmarshalText(text []byte) error {
	v := Direction(text)
	if !v.Supported() {
		return fmt.Errorf("unknown sync direction: %q", text)
	}
	*d = v
	return nil
}

func (p ConflictPolicy) Supported() bool {
	switch p {
	case ConflictKeepLocal, ConflictKeepRemote, ConflictKeepBoth, ConflictSkip, ConflictNewest, ConflictInteractive:
		return true
	default:
		return false
	}
}

func (p *ConflictPolicy) UnmarshalText(text []byte) error {
	v := ConflictPolicy(text)
	if !v.Supported() {
		return fmt.Errorf("unknown conflict policy: %q", text)
	}
	*p = v
	return nil
}

func (p DeletePolicy) Supported() bool {
	switch p {
	case DeleteReport, DeletePropagate, DeleteRestore:
		return true
	default:
		return false
	}
}

func (p DeletePolicy) Description() string {
	switch p {
	case DeleteReport:
		return "Report deletions, change nothing"
	case DeletePropagate:
		return "Delete the counterpart"
	case DeleteRestore:
		return "Re-create the deleted side"
	default:
		return "Unknown"
	}
}

func (p *DeletePolicy) UnmarshalText(text []byte) error {
	v := DeletePolicy(text)
	if !v.Supported() {
		return fmt.Errorf("unknown delete policy: %q", text)
	}
	*p = v
	return nil
}
