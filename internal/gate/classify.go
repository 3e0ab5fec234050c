package gate

import (
	"path"
	"strings"

	"crewline/internal/config"
)

// ToolKind is how the gate treats a tool invocation.
type ToolKind string

const (
	ToolRead  ToolKind = "read"
	ToolWrite ToolKind = "write"
	ToolShell ToolKind = "shell"
	ToolSpawn ToolKind = "spawn"
)

var toolTable = map[string]ToolKind{
	"read":          ToolRead,
	"glob":          ToolRead,
	"grep":          ToolRead,
	"ls":            ToolRead,
	"webfetch":      ToolRead,
	"websearch":     ToolRead,
	"todowrite":     ToolRead,
	"notebookread":  ToolRead,
	"read_file":     ToolRead,
	"list_files":    ToolRead,
	"search":        ToolRead,
	"write":         ToolWrite,
	"edit":          ToolWrite,
	"multiedit":     ToolWrite,
	"notebookedit":  ToolWrite,
	"write_file":    ToolWrite,
	"edit_file":     ToolWrite,
	"create_file":   ToolWrite,
	"delete_file":   ToolWrite,
	"bash":          ToolShell,
	"shell":         ToolShell,
	"run_command":   ToolShell,
	"task":          ToolSpawn,
	"agent":         ToolSpawn,
	"spawn_agent":   ToolSpawn,
}

// ClassifyTool looks a tool up by name. Unknown tools are writes.
func ClassifyTool(name string) ToolKind {
	if kind, ok := toolTable[strings.ToLower(strings.TrimSpace(name))]; ok {
		return kind
	}
	return ToolWrite
}

// FileClass is the gate-relevant category of a path.
type FileClass string

const (
	FileState          FileClass = "state"
	FileProtected      FileClass = "protected"
	FileTest           FileClass = "test"
	FileDocs           FileClass = "docs"
	FileImplementation FileClass = "implementation"
)

// Exempt reports whether the phase gate ignores the class.
func (c FileClass) Exempt() bool {
	return c != FileImplementation
}

// ClassifyFile sorts a path using the project's patterns. Precedence is
// state, protected, test, docs; anything else is implementation.
func ClassifyFile(p string, g config.Gates) FileClass {
	clean := normalizePath(p)
	switch {
	case matchAny(clean, g.StatePaths):
		return FileState
	case matchAny(clean, g.ProtectedPaths):
		return FileProtected
	case matchAny(clean, g.TestPatterns):
		return FileTest
	}
	ext := strings.ToLower(path.Ext(clean))
	for _, docs := range g.DocsExtensions {
		if ext != "" && ext == strings.ToLower(docs) {
			return FileDocs
		}
	}
	return FileImplementation
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	p = strings.Trim(p, `"'`)
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func matchAny(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchPattern(p, pattern) {
			return true
		}
	}
	return false
}

// matchPattern understands three forms: "dir/" matches that directory at
// any depth, a pattern containing "/" matches a path suffix, anything else
// matches the base name. Globs follow path.Match.
func matchPattern(p, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if strings.HasSuffix(pattern, "/") {
		dir := strings.Split(strings.Trim(pattern, "/"), "/")
		for i := 0; i+len(dir) <= len(segments); i++ {
			// a trailing match only counts when the path is the directory itself
			within := i+len(dir) < len(segments) || len(segments) == len(dir)
			if within && segmentsMatch(segments[i:i+len(dir)], dir) {
				return true
			}
		}
		return false
	}
	if strings.Contains(pattern, "/") {
		parts := strings.Split(strings.Trim(pattern, "/"), "/")
		if len(parts) > len(segments) {
			return false
		}
		return segmentsMatch(segments[len(segments)-len(parts):], parts)
	}
	ok, err := path.Match(pattern, segments[len(segments)-1])
	return err == nil && ok
}

func segmentsMatch(segments, pattern []string) bool {
	for i := range pattern {
		ok, err := path.Match(pattern[i], segments[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}
