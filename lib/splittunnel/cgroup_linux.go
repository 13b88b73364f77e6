//go:build linux

package splittunnel

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	apperrors "github.com/go-i2p/tunlock/lib/errors"
	"github.com/go-i2p/tunlock/lib/tunnelstate"
)

// verifyMount checks that root is a cgroup v1 hierarchy. Tests replace it.
var verifyMount = func(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return err
	}
	if st.Type != unix.CGROUP_SUPER_MAGIC {
		return fmt.Errorf("%s is not a cgroup v1 mount", root)
	}
	return nil
}

// Cgroup manages the exclusion cgroup.
type Cgroup struct {
	mu       sync.Mutex
	cfg      Config
	dir      string
	excluded map[int]struct{}
}

// NewCgroup creates the exclusion cgroup and assigns its class id.
func NewCgroup(cfg Config) (*Cgroup, error) {
	cfg.setDefaults()
	if err := verifyMount(cfg.Root); err != nil {
		return nil, fmt.Errorf("%w: net_cls controller: %w", apperrors.ErrUnavailable, err)
	}
	dir := filepath.Join(cfg.Root, cfg.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create exclusion cgroup: %w", err)
	}
	classid := strconv.FormatUint(uint64(cfg.ClassID), 10)
	if err := os.WriteFile(filepath.Join(dir, "net_cls.classid"), []byte(classid), 0o644); err != nil {
		return nil, fmt.Errorf("set net_cls.classid: %w", err)
	}
	log.WithField("cgroup", dir).WithField("classid", fmt.Sprintf("%#x", cfg.ClassID)).Debug("created exclusion cgroup")
	return &Cgroup{cfg: cfg, dir: dir, excluded: make(map[int]struct{})}, nil
}

// ClassID is the net_cls class the firewall should let through.
func (c *Cgroup) ClassID() uint32 { return c.cfg.ClassID }

// SetExcluded makes pids the exact set of excluded processes. Processes that
// exited in the meantime are skipped.
func (c *Cgroup) SetExcluded(pids []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	add, drop := diff(c.excluded, pids)
	var errs []error
	for _, pid := range add {
		if err := movePID(c.dir, pid); err != nil {
			errs = append(errs, err)
			continue
		}
		c.excluded[pid] = struct{}{}
	}
	for _, pid := range drop {
		if err := movePID(c.cfg.Root, pid); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(c.excluded, pid)
	}
	if len(add)+len(drop) > 0 {
		log.WithField("added", add).WithField("removed", drop).Info("updated excluded processes")
	}
	return errors.Join(errs...)
}

// Excluded returns the excluded PIDs in ascending order.
func (c *Cgroup) Excluded() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.excluded))
}

// Close moves every excluded process back and removes the cgroup.
func (c *Cgroup) Close() error {
	if err := c.SetExcluded(nil); err != nil {
		log.WithError(err).Warn("failed to release excluded processes")
	}
	if err := os.Remove(c.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove exclusion cgroup: %w", err)
	}
	return nil
}

func movePID(dir string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", apperrors.ErrInvalidInput, pid)
	}
	err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
	if errors.Is(err, unix.ESRCH) {
		log.WithField("pid", pid).Debug("process exited before it could be moved")
		return nil
	}
	if err != nil {
		return fmt.Errorf("move pid %d: %w", pid, err)
	}
	return nil
}

var _ tunnelstate.SplitTunnel = (*Cgroup)(nil)
