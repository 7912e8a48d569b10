package config

import "strings"

// Selection is a comma-separated name filter. The token "all", compared
// case-insensitively with surrounding whitespace ignored, selects everything.
type Selection struct {
	all   bool
	names map[string]struct{}
}

// ParseSelection parses a filter expression. An empty expression selects
// everything.
func ParseSelection(expr string) Selection {
	names := make(map[string]struct{})
	for _, part := range strings.Split(expr, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if strings.EqualFold(p, "all") {
			return Selection{all: true}
		}
		names[p] = struct{}{}
	}
	if len(names) == 0 {
		return Selection{all: true}
	}
	return Selection{names: names}
}

// Contains reports whether name passes the filter.
func (s Selection) Contains(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[strings.TrimSpace(name)]
	return ok
}

// All reports whether the filter selects everything.
func (s Selection) All() bool {
	return s.all
}
