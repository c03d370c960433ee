// Package pathutil normalizes user-facing paths into absolute paths under
// one of the container's three sections: /code, /data, /documentation.
package pathutil

import (
	"fmt"
	"path"
	"strings"
)

// Section names a top-level container section.
type Section string

const (
	SectionCode          Section = "/code"
	SectionData          Section = "/data"
	SectionDocumentation Section = "/documentation"
)

// Resolve normalizes p (absolute or relative) into an absolute path under
// root. A relative path is interpreted as relative to root; an absolute path
// must already lie under root.
func Resolve(root Section, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("pathutil: empty path")
	}
	clean := path.Clean(p)
	full := clean
	if !strings.HasPrefix(clean, "/") {
		full = path.Join(string(root), clean)
	}
	if full != string(root) && !strings.HasPrefix(full, string(root)+"/") {
		return "", fmt.Errorf("pathutil: path %q is not under %s", p, root)
	}
	return full, nil
}

// Join appends a relative child path to an absolute base path, normalizing
// the result.
func Join(base, child string) string {
	return path.Clean(path.Join(base, child))
}

// Split returns (section, relative-path-within-section) for an absolute
// container path, or an error if it does not lie under any known section.
func Split(absPath string) (Section, string, error) {
	for _, s := range []Section{SectionCode, SectionData, SectionDocumentation} {
		prefix := string(s)
		if absPath == prefix {
			return s, "", nil
		}
		if strings.HasPrefix(absPath, prefix+"/") {
			return s, strings.TrimPrefix(absPath, prefix+"/"), nil
		}
	}
	return "", "", fmt.Errorf("pathutil: %q is not under /code, /data, or /documentation", absPath)
}

// Base returns the last path component.
func Base(p string) string {
	return path.Base(p)
}

// Dir returns the parent path.
func Dir(p string) string {
	return path.Dir(p)
}
