package streamid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	aliasRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	portRegex  = regexp.MustCompile(`^(?:\d+|[a-zA-Z_][a-zA-Z0-9_]*)$`)
)

// ValidAlias reports whether name may be used as a node alias.
func ValidAlias(name string) bool {
	if name == "-" || name == "_" {
		return false
	}
	return aliasRegex.MatchString(name)
}

// Parse splits a raw identifier into its alias and port parts. The port is
// everything after the last dot.
func Parse(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, fmt.Errorf("stream identifier cannot be empty")
	}

	idx := strings.LastIndexByte(raw, '.')
	if idx <= 0 || idx == len(raw)-1 {
		return Ref{}, fmt.Errorf("stream identifier %q must have the form <alias>.<port>", raw)
	}

	alias, port := raw[:idx], raw[idx+1:]
	if !ValidAlias(alias) {
		return Ref{}, fmt.Errorf("invalid alias %q in stream identifier %q", alias, raw)
	}
	if !portRegex.MatchString(port) {
		return Ref{}, fmt.Errorf("invalid port %q in stream identifier %q", port, raw)
	}
	return Ref{Alias: alias, Port: port}, nil
}

// Resolve turns the reference into a Handle. Numeric ports must be below
// numPorts; named ports are looked up in names, whose position is the index.
func (r Ref) Resolve(names []string, numPorts int) (Handle, error) {
	if n, err := strconv.Atoi(r.Port); err == nil {
		if n < 0 || n >= numPorts {
			return Handle{}, fmt.Errorf("port %d of %q is out of range (node has %d outputs)", n, r.Alias, numPorts)
		}
		return Handle{Alias: r.Alias, Port: n}, nil
	}
	for i, name := range names {
		if name == r.Port && i < numPorts {
			return Handle{Alias: r.Alias, Port: i}, nil
		}
	}
	return Handle{}, fmt.Errorf("node %q has no output port named %q", r.Alias, r.Port)
}
