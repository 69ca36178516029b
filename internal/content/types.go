// Package content maps asset file names to MIME types and renders
// markdown assets to HTML.
package content

import (
	"path/filepath"
	"strings"
)

// DefaultType is returned for unknown or missing extensions.
const DefaultType = "application/octet-stream"

var typesByExt = map[string]string{
	".html":  "text/html",
	".css":   "text/css",
	".js":    "application/javascript",
	".json":  "application/json",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".md":    "text/html", // served rendered
}

// TypeFor returns the MIME type for the file at path. It never returns an
// empty string.
func TypeFor(path string) string {
	if t, ok := typesByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return DefaultType
}

// IsMarkdown reports whether path names a markdown asset.
func IsMarkdown(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".md")
}

// textApplicationTypes are application/* types whose bodies are text.
var textApplicationTypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/xml":        true,
}

// IsText reports whether a body of the given MIME type can be carried as
// plain text (as opposed to base64) by one-shot invocation transports.
// Parameters such as charset are ignored.
func IsText(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	switch {
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case strings.HasSuffix(mediaType, "+json"):
		return true
	}
	return textApplicationTypes[mediaType]
}
