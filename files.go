package main

import (
	"path/filepath"
	"strings"
)

// Directory names skipped by the index walk, the watcher and the listing
// (common build artifacts and dependency trees).
var excludedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"venv":         true,
	"env":          true,
	"virtualenv":   true,
}

// isExcludedDir reports whether a directory name should be skipped entirely.
// Hidden directories are excluded too.
func isExcludedDir(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	return excludedDirs[name]
}

// isMarkdownFile is the single predicate deciding which files are documents.
// The listing, the index walk and the watcher must agree on it.
func isMarkdownFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// fileStem returns the base name without its extension, e.g.
// "docs/getting-started.md" -> "getting-started".
func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// titleOf derives a document title: the text of the first heading line,
// falling back to the file stem.
func titleOf(relPath, content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "#"); ok {
			rest = strings.TrimLeft(rest, "#")
			if title := strings.TrimSpace(rest); title != "" {
				return title
			}
		}
	}
	return fileStem(relPath)
}
