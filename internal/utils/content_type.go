package utils

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// DetectContentType picks a content type from the file name and, when the
// extension says nothing, from the first bytes of the content.
func DetectContentType(name string, head []byte) string {
	if isTextLike(name) {
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(filepath.Ext(name)); mimeType != "" {
		return mimeType
	}
	if len(head) > 0 {
		return mimetype.Detect(head).String()
	}
	return octetStream
}

func isTextLike(name string) bool {
	return strings.HasSuffix(name, ".yaml") ||
		strings.HasSuffix(name, ".yml") ||
		strings.HasSuffix(name, ".toml") ||
		strings.HasSuffix(name, ".md")
}
