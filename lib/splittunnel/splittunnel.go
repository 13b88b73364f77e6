// Package splittunnel excludes processes from the tunnel by placing them in
// a net_cls cgroup whose class the firewall lets through.
package splittunnel

import "slices"

const (
	// DefaultRoot is where cgroup v1 mounts the net_cls controller.
	DefaultRoot = "/sys/fs/cgroup/net_cls"
	// DefaultName is the child cgroup holding excluded processes.
	DefaultName = "tunlock-exclusions"
	// DefaultClassID tags packets of excluded processes.
	DefaultClassID uint32 = 0x4d9a41
)

// Config locates the exclusion cgroup.
type Config struct {
	Root    string
	Name    string
	ClassID uint32
}

func (c *Config) setDefaults() {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.ClassID == 0 {
		c.ClassID = DefaultClassID
	}
}

// diff returns the PIDs to add and to drop to move from current to want.
func diff(current map[int]struct{}, want []int) (add, drop []int) {
	wanted := make(map[int]struct{}, len(want))
	for _, pid := range want {
		wanted[pid] = struct{}{}
		if _, ok := current[pid]; !ok {
			add = append(add, pid)
		}
	}
	for pid := range current {
		if _, ok := wanted[pid]; !ok {
			drop = append(drop, pid)
		}
	}
	slices.Sort(add)
	slices.Sort(drop)
	return slices.Compact(add), drop
}
