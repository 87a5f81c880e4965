package tree

import "strings"

// Separator separates components of a virtual path.
const Separator = `\`

// Split returns the components of a virtual path. Both separators are
// accepted and empty components are dropped, so the root splits to nil.
func Split(path string) []string {
	fields := strings.FieldsFunc(path, func(r rune) bool {
		return r == '\\' || r == '/'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Join builds the canonical virtual path of parts.
func Join(parts ...string) string {
	if len(parts) == 0 {
		return Separator
	}
	return Separator + strings.Join(parts, Separator)
}

// Clean returns the canonical form of path.
func Clean(path string) string {
	return Join(Split(path)...)
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == Separator || parentPath == "" {
		return Separator + name
	}
	return parentPath + Separator + name
}

// HasPrefix reports whether path lies at or below prefix, ignoring case.
func HasPrefix(path, prefix string) bool {
	pp, pre := Split(path), Split(prefix)
	if len(pre) > len(pp) {
		return false
	}
	for i := range pre {
		if fold(pp[i]) != fold(pre[i]) {
			return false
		}
	}
	return true
}

// fold is the case folding used for child keys and index hashing.
func fold(name string) string {
	return strings.ToLower(name)
}
