package catalog

import (
	"strings"

	"github.com/bilusteknoloji/lpm/internal/version"
)

// ParseDependency parses one requires/provides/conflicts/... entry:
// either a bare "name" (or virtual "name(arg)"), or
// "name OP version" with OP in {= ~= > >= < <= !=}.
func ParseDependency(s string) (Dependency, error) {
	s = strings.TrimSpace(s)

	fields := strings.Fields(s)
	if len(fields) == 1 {
		return Dependency{Name: fields[0]}, nil
	}

	name := fields[0]
	specifier := strings.Join(fields[1:], " ")

	c, err := version.ParseConstraint(specifier)
	if err != nil {
		return Dependency{}, err
	}

	return Dependency{Name: name, Constraint: &c}, nil
}

// IsVirtual reports whether a capability name carries a parameterized
// argument, e.g. "pypi(requests)".
func IsVirtual(name string) bool {
	return strings.Contains(name, "(") && strings.HasSuffix(name, ")")
}
