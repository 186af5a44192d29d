// Package ifb implements the IFB Device Manager: acquiring an
// intermediate functional-block pseudo-device for ingress redirection,
// reusing an inactive one if present, and recording exactly what state
// it changed so teardown can restore the host to how it found it.
//
// Discovery is read-only netlink (LinkList), the same kind of call the
// teacher's ensureIFB uses to look up an existing link. Every
// mutation — bringing a link up, loading the ifb module, removing it —
// goes through the Command Runner instead, because spec.md §6 names
// ip/modprobe/rmmod as required external binaries whose absence must
// surface as MissingDependency; a netlink LinkAdd would never exercise
// that failure path.
package ifb

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"

	"github.com/NodePath81/groupshaper/internal/runner"
	"github.com/NodePath81/groupshaper/internal/teardown"
	"github.com/vishvananda/netlink"
)

var ifbNameRegex = regexp.MustCompile(`^ifb\d+$`)

// commandRunner is the subset of *runner.Runner the manager depends on.
type commandRunner interface {
	Run(ctx context.Context, commandLine string, captureStdout bool) (runner.Result, error)
}

// linkLister is the subset of netlink this package reads from. An
// interface so tests can substitute a fixed interface list instead of
// querying the host's real network namespace.
type linkLister interface {
	LinkList() ([]netlink.Link, error)
}

type netlinkLister struct{}

func (netlinkLister) LinkList() ([]netlink.Link, error) { return netlink.LinkList() }

// Manager acquires and releases IFB devices.
type Manager struct {
	run    commandRunner
	links  linkLister
	logger *slog.Logger
}

// New constructs a Manager backed by the real netlink link table.
func New(run commandRunner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{run: run, links: netlinkLister{}, logger: logger}
}

func isUp(link netlink.Link) bool {
	return link.Attrs().Flags&net.FlagUp != 0
}

// Acquire returns the name of an IFB device ready for use, registering
// whatever teardown action undoes the state change it made (if any).
func (m *Manager) Acquire(ctx context.Context, coordinator *teardown.Coordinator) (string, error) {
	links, err := m.links.LinkList()
	if err != nil {
		return "", fmt.Errorf("listing network interfaces: %w", err)
	}

	before := make(map[string]struct{}, len(links))
	for _, l := range links {
		before[l.Attrs().Name] = struct{}{}
	}

	for _, l := range links {
		name := l.Attrs().Name
		if !ifbNameRegex.MatchString(name) {
			continue
		}
		if isUp(l) {
			m.logger.Debug("reusing active ifb device", "device", name)
			return name, nil
		}
		if err := m.activate(ctx, name); err != nil {
			return "", err
		}
		coordinator.Register(func() error {
			return m.deactivate(context.Background(), name)
		})
		return name, nil
	}

	return m.create(ctx, before, coordinator)
}

func (m *Manager) activate(ctx context.Context, name string) error {
	res, err := m.run.Run(ctx, fmt.Sprintf("ip link set dev %s up", name), false)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("activating %s: %s", name, res.Stderr)
	}
	return nil
}

func (m *Manager) deactivate(ctx context.Context, name string) error {
	res, err := m.run.Run(ctx, fmt.Sprintf("ip link set dev %s down", name), false)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		m.logger.Debug("deactivating ifb device reported nonzero exit", "device", name, "stderr", res.Stderr)
	}
	return nil
}

// create loads the ifb kernel module (which always creates at least one
// new ifbN device), recovers the new device's name by diffing the
// interface list before and after, brings it up, and registers a
// teardown action that unloads the module. The manager must never
// unload a module it did not load itself, which is why this path is
// only reached when no existing ifb device was found.
func (m *Manager) create(ctx context.Context, before map[string]struct{}, coordinator *teardown.Coordinator) (string, error) {
	res, err := m.run.Run(ctx, "modprobe ifb numifbs=1", false)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("loading ifb kernel module: %s", res.Stderr)
	}

	links, err := m.links.LinkList()
	if err != nil {
		return "", fmt.Errorf("listing network interfaces after modprobe: %w", err)
	}

	var created string
	for _, l := range links {
		name := l.Attrs().Name
		if _, existed := before[name]; existed {
			continue
		}
		if !ifbNameRegex.MatchString(name) {
			continue
		}
		created = name
		break
	}
	if created == "" {
		return "", fmt.Errorf("loaded ifb module but found no new ifb device")
	}

	if err := m.activate(ctx, created); err != nil {
		return "", err
	}

	coordinator.Register(func() error {
		res, err := m.run.Run(context.Background(), "rmmod ifb", false)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			m.logger.Debug("rmmod ifb reported nonzero exit", "stderr", res.Stderr)
		}
		return nil
	})
	return created, nil
}
