package realtime

import "strings"

// DefaultNamespace prefixes tenant-scoped channels.
const DefaultNamespace = "conv"

// Namer derives transport channel names from application rooms.
type Namer struct {
	Namespace string
	Tenant    string
	// Known lists extra namespaces whose rooms are already fully
	// qualified. Namespace itself is always known.
	Known []string
}

// Channel returns room verbatim when it already starts with a known
// namespace ("conv:..."), otherwise "<namespace>:t:<tenant>:<room>".
func (n Namer) Channel(room string) string {
	ns := n.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	if strings.HasPrefix(room, ns+":") {
		return room
	}
	for _, k := range n.Known {
		if k != "" && strings.HasPrefix(room, k+":") {
			return room
		}
	}
	return ns + ":t:" + n.Tenant + ":" + room
}
