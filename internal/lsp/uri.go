package lsp

import (
	"path/filepath"
	"strings"

	"go.lsp.dev/uri"
)

// FileURI converts a filesystem path to a file:// URI.
func FileURI(path string) string {
	return string(uri.File(path))
}

// URIPath converts a file:// URI back to a filesystem path. Returns the
// input unchanged if it is not a file URI.
func URIPath(s string) string {
	if !strings.HasPrefix(s, "file://") {
		return s
	}
	return uri.URI(s).Filename()
}

// LanguageIDForPath maps a file extension to the language identifier sent
// in didOpen. Papyrus script sources are the primary target.
func LanguageIDForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".psc":
		return "papyrus"
	case ".ini":
		return "ini"
	case ".txt":
		return "plaintext"
	default:
		return "plaintext"
	}
}
