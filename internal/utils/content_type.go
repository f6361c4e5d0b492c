package utils

import (
	"mime"
	"path"
	"strings"
)

var textExts = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".log": true,
	".yaml": true, ".yml": true, ".toml": true, ".ini": true,
}

// DetectContentType guesses the Content-Type stored with an uploaded
// object from its name.
func DetectContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if textExts[ext] {
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
