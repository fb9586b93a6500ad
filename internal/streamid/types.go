package streamid

import "fmt"

// Handle is a resolved reference to one port of one node.
type Handle struct {
	Alias string
	Port  int
}

// String renders the handle in its canonical `alias.index` form.
func (h Handle) String() string {
	return fmt.Sprintf("%s.%d", h.Alias, h.Port)
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool {
	return h.Alias == ""
}

// Ref is an unresolved stream identifier as written in a description. Port
// holds either a decimal index or a port name.
type Ref struct {
	Alias string
	Port  string
}

func (r Ref) String() string {
	return r.Alias + "." + r.Port
}
