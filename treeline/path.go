package treeline

import (
	"strings"
)

// a Path addresses exactly one node in the tree
// element equality is exact string equality
type Path []string

func ParsePath(pathStr string) (Path, error) {
	trimmed := strings.Trim(pathStr, "/")
	if trimmed == "" {
		return Path{}, nil
	}
	elements := strings.Split(trimmed, "/")
	for _, element := range elements {
		if element == "" {
			return nil, ErrInvalidPath("empty element in path: %s", pathStr)
		}
	}
	return Path(elements), nil
}

func RequirePath(pathStr string) Path {
	path, err := ParsePath(pathStr)
	if err != nil {
		panic(err)
	}
	return path
}

func (self Path) String() string {
	return "/" + strings.Join(self, "/")
}

func (self Path) Equal(other Path) bool {
	if len(self) != len(other) {
		return false
	}
	for i := range self {
		if self[i] != other[i] {
			return false
		}
	}
	return true
}

func (self Path) HasPrefix(prefix Path) bool {
	if len(self) < len(prefix) {
		return false
	}
	for i := range prefix {
		if self[i] != prefix[i] {
			return false
		}
	}
	return true
}

// returns a new path; neither input is aliased
func (self Path) Join(suffix Path) Path {
	joined := make(Path, 0, len(self)+len(suffix))
	joined = append(joined, self...)
	joined = append(joined, suffix...)
	return joined
}

func (self Path) Clone() Path {
	cloned := make(Path, len(self))
	copy(cloned, self)
	return cloned
}

// validates elements without consulting the tree.
// a syntactically valid path may still address nothing
func (self Path) Validate() error {
	for _, element := range self {
		if element == "" {
			return ErrInvalidPath("empty element in path: %s", self)
		}
	}
	return nil
}
