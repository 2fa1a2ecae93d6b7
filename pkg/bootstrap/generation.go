package bootstrap

import "strings"

// Partition kinds owned by a generation.
const (
	KindShell   = "shell"
	KindStatic  = "static"
	KindRuntime = "runtime"
)

// ObjectsPartition holds downloaded assets. It is not generation-scoped.
const ObjectsPartition = "objects"

// Generation names one deploy's set of partitions.
type Generation string

func (g Generation) name(kind string) string {
	return kind + "-" + string(g)
}

// Shell returns the shell partition name, e.g. "shell-v42".
func (g Generation) Shell() string { return g.name(KindShell) }

// Static returns the versioned static partition name.
func (g Generation) Static() string { return g.name(KindStatic) }

// Runtime returns the runtime partition name.
func (g Generation) Runtime() string { return g.name(KindRuntime) }

// Names returns the three partition names of the generation.
func (g Generation) Names() []string {
	return []string{g.Shell(), g.Static(), g.Runtime()}
}

// Owns reports whether name is one of the generation's partitions.
func (g Generation) Owns(name string) bool {
	for _, n := range g.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Valid reports whether g can be used in partition names.
func (g Generation) Valid() bool {
	return g != "" && !strings.ContainsAny(string(g), ": \t\n")
}
